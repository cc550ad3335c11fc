package repository

import (
	"context"

	"agent-gateway/backend/internal/audit/domain"
)

// Repository defines persistence for audit events. Events are append-only;
// there is no update or delete path.
type Repository interface {
	Create(ctx context.Context, e *domain.Event) error
	GetByID(ctx context.Context, id string) (*domain.Event, error)
	ListBySubject(ctx context.Context, subject string, limit, offset int32) ([]*domain.Event, error)
}
