package audit

import (
	"context"
	"errors"
	"testing"

	"agent-gateway/backend/internal/audit/domain"
)

type captureRepo struct {
	events []*domain.Event
	err    error
}

func (r *captureRepo) Create(ctx context.Context, e *domain.Event) error {
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *captureRepo) GetByID(ctx context.Context, id string) (*domain.Event, error) {
	return nil, nil
}

func (r *captureRepo) ListBySubject(ctx context.Context, subject string, limit, offset int32) ([]*domain.Event, error) {
	return nil, nil
}

func TestLogger_RecordPersistsEvent(t *testing.T) {
	repo := &captureRepo{}
	l := NewLogger(repo, nil, func(context.Context) string { return "10.0.0.7" })

	l.Record(context.Background(), "user:alice", domain.ActionAuthzCheck, "doc:1", true,
		map[string]string{"relation": "viewer"})

	if len(repo.events) != 1 {
		t.Fatalf("persisted %d events, want 1", len(repo.events))
	}
	e := repo.events[0]
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Errorf("event missing ID or timestamp: %+v", e)
	}
	if e.Subject != "user:alice" || e.Action != domain.ActionAuthzCheck || e.Target != "doc:1" || !e.Allowed {
		t.Errorf("event = %+v", e)
	}
	if e.IP != "10.0.0.7" {
		t.Errorf("IP = %q, want extractor value", e.IP)
	}
	if e.Metadata["relation"] != "viewer" {
		t.Errorf("Metadata = %v", e.Metadata)
	}
}

func TestLogger_RecordIsBestEffort(t *testing.T) {
	repo := &captureRepo{err: errors.New("db down")}
	l := NewLogger(repo, nil, nil)

	// Must not panic or surface the sink failure.
	l.Record(context.Background(), "user:alice", domain.ActionSessionDelete, "sess-1", true, nil)
}
