package interceptors

import (
	"context"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	auditpkg "agent-gateway/backend/internal/audit"
	auditdomain "agent-gateway/backend/internal/audit/domain"
)

// AuditUnary returns a unary server interceptor that records one audit event
// per admitted RPC, making every authorization decision observable, not just
// denials. skipMethods lists full method names to leave unaudited (health
// probes). Recording is best-effort and happens after the handler so it never
// delays the response path's decision.
func AuditUnary(rec auditpkg.Recorder, skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if skipMethods[info.FullMethod] {
			return resp, err
		}
		subject, ok := GetSubject(ctx)
		if !ok {
			return resp, err
		}
		target := auditpkg.ParseFullMethod(info.FullMethod)
		rec.Record(ctx, subject, auditdomain.ActionAuthzCheck, target.Object, err == nil,
			map[string]string{"relation": target.Relation, "method": info.FullMethod})
		return resp, err
	}
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for,
// x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
