// Package autherr defines the shared error taxonomy for the session and
// authorization subsystem and its mapping onto gRPC status codes.
package autherr

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrUnauthenticated is returned for any bad, expired, or malformed
	// credential. Callers surface it with a generic message so the response
	// does not reveal whether the identity exists.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrForbidden is a real negative decision from the authorization engine.
	// Distinct from ErrUnauthenticated and from ErrNotFound; callers must not
	// report which relation failed.
	ErrForbidden = errors.New("forbidden")

	// ErrBackendUnavailable means an infrastructure dependency was unreachable
	// or timed out. On authorization paths this becomes a denial per the
	// configured fail mode; on read paths it is retryable and must never be
	// treated as "no record".
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrConflict is returned for write conflicts such as a duplicate
	// checkpoint sequence. The caller re-reads the latest state and retries.
	ErrConflict = errors.New("conflict")

	// ErrNotFound means the session, key, or checkpoint is absent (or expired,
	// which is indistinguishable at the store layer).
	ErrNotFound = errors.New("not found")
)

// GRPCStatus maps a taxonomy error to a gRPC status with a deliberately
// generic message. Unknown errors map to codes.Internal.
func GRPCStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnauthenticated):
		return status.Error(codes.Unauthenticated, "missing or invalid credentials")
	case errors.Is(err, ErrForbidden):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, ErrBackendUnavailable):
		return status.Error(codes.Unavailable, "service temporarily unavailable, retry")
	case errors.Is(err, ErrConflict):
		return status.Error(codes.Aborted, "write conflict, re-read and retry")
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// Retryable reports whether the error is transient and safe to retry on a
// read path. Write-path callers must first check idempotent-replay safety.
func Retryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
