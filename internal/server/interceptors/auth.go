// Package interceptors holds the gRPC unary interceptors that front every
// RPC: admission through the authorization pipeline, per-RPC audit, and
// request logging.
package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"agent-gateway/backend/internal/audit"
	"agent-gateway/backend/internal/autherr"
	"agent-gateway/backend/internal/pipeline"
)

const (
	bearerPrefix     = "bearer "
	apiKeyHeader     = "x-api-key"
	sessionIDHeader  = "x-session-id"
	authorizationKey = "authorization"
)

// AuthUnary returns a unary server interceptor that runs every RPC through
// the authorization pipeline: credential from metadata, optional session
// resolution, relationship check derived from the full method name.
// publicMethods lists full method names admitted without credentials (health
// probes, login).
func AuthUnary(p *pipeline.Pipeline, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		bearer, apiKey := extractCredentials(ctx)
		if bearer == "" && apiKey == "" {
			return nil, status.Error(codes.Unauthenticated, "missing or invalid credentials")
		}

		target := audit.ParseFullMethod(info.FullMethod)
		grant, err := p.Authorize(ctx, pipeline.Request{
			BearerToken: bearer,
			APIKey:      apiKey,
			SessionID:   extractSessionID(ctx),
			Relation:    target.Relation,
			Object:      target.Object,
		})
		if err != nil {
			return nil, autherr.GRPCStatus(err)
		}
		return handler(WithGrant(ctx, grant), req)
	}
}

// extractCredentials returns the bearer token and API key from ctx metadata.
// Either may be empty.
func extractCredentials(ctx context.Context) (bearer, apiKey string) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ""
	}
	if vals := md.Get(authorizationKey); len(vals) > 0 {
		v := strings.TrimSpace(vals[0])
		if len(v) >= len(bearerPrefix) && strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
			bearer = strings.TrimSpace(v[len(bearerPrefix):])
		}
	}
	if vals := md.Get(apiKeyHeader); len(vals) > 0 {
		apiKey = strings.TrimSpace(vals[0])
	}
	return bearer, apiKey
}

func extractSessionID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(sessionIDHeader); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}
