package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/platform/middleware"
)

var ErrIncompleteEvent = errors.New("audit event is missing actor, action or entity")

// Recorder is the sink inventory writes to inside its transactions.
type Recorder interface {
	RecordEvent(ctx context.Context, e *Event) error
}

type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// RecordEvent stamps e with an id, time and the request id on ctx, then
// stores it. Incomplete events are refused so the trail never has gaps in
// attribution.
func (s *Service) RecordEvent(ctx context.Context, e *Event) error {
	if strings.TrimSpace(e.EntityID) == "" || e.Action == "" || e.ActorID == "" || e.ActorRole == "" {
		return ErrIncompleteEvent
	}
	if e.EntityType == "" {
		e.EntityType = EntityTypeBloodUnit
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = middleware.RequestIDFromContext(ctx)
	}
	return s.repo.Create(ctx, e)
}

// History returns the trail of one blood unit, oldest first.
func (s *Service) History(ctx context.Context, unitID string) ([]*Event, error) {
	return s.repo.ListByEntity(ctx, EntityTypeBloodUnit, unitID, maxPageSize)
}

func (s *Service) Search(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.Search(ctx, f, limit, offset)
}
