package audit

import "context"

type Repository interface {
	Create(ctx context.Context, e *Event) error
	// ListByEntity returns the trail of one entity, oldest first.
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Event, error)
	// Search returns matching events, newest first.
	Search(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error)
}
