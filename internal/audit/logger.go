// Package audit records security-relevant events (session lifecycle,
// authorization decisions, impersonation attempts, key provisioning).
// Recording is always best-effort: a failing audit sink never fails the
// request that produced the event.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"agent-gateway/backend/internal/audit/domain"
	auditrepo "agent-gateway/backend/internal/audit/repository"
)

// IPExtractor returns the client IP from the request context (e.g. gRPC peer).
type IPExtractor func(context.Context) string

// Recorder writes a single audit event. Best-effort: failures are logged and
// do not affect the caller.
type Recorder interface {
	Record(ctx context.Context, subject, action, target string, allowed bool, metadata map[string]string)
}

// Logger implements Recorder over an optional repository and an optional
// Kafka producer. With neither configured, events still land in the process
// log so no deployment runs fully unaudited.
type Logger struct {
	repo        auditrepo.Repository
	producer    *Producer
	ipExtractor IPExtractor
	nowF        func() time.Time
}

// NewLogger returns a Recorder writing to repo and producer; either may be
// nil. ipExtractor may be nil; then IP is recorded as "unknown".
func NewLogger(repo auditrepo.Repository, producer *Producer, ipExtractor IPExtractor) *Logger {
	return &Logger{
		repo:        repo,
		producer:    producer,
		ipExtractor: ipExtractor,
		nowF:        func() time.Time { return time.Now().UTC() },
	}
}

// Record writes one audit event to every configured sink.
func (l *Logger) Record(ctx context.Context, subject, action, target string, allowed bool, metadata map[string]string) {
	ip := "unknown"
	if l.ipExtractor != nil {
		ip = l.ipExtractor(ctx)
	}
	e := &domain.Event{
		ID:        uuid.New().String(),
		Subject:   subject,
		Action:    action,
		Target:    target,
		Allowed:   allowed,
		IP:        ip,
		Metadata:  metadata,
		CreatedAt: l.nowF(),
	}
	if l.repo != nil {
		if err := l.repo.Create(ctx, e); err != nil {
			log.Printf("audit: persist %s on %s failed: %v", action, target, err)
		}
	}
	if l.producer != nil {
		if err := l.producer.Emit(ctx, e); err != nil {
			log.Printf("audit: publish %s on %s failed: %v", action, target, err)
		}
	}
	if l.repo == nil && l.producer == nil {
		log.Printf("audit: %s subject=%s target=%s allowed=%t", action, subject, target, e.Allowed)
	}
}

// Nop is a Recorder that drops every event. For tests and tooling.
type Nop struct{}

func (Nop) Record(context.Context, string, string, string, bool, map[string]string) {}
