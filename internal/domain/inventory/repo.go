package inventory

import (
	"context"
	"time"
)

// Filters narrow a unit query. Nil fields match everything.
type Filters struct {
	BloodType     *BloodType
	Status        *Status
	Urgency       *Urgency
	CollectedFrom *time.Time
	CollectedTo   *time.Time
	Search        string
}

type QueryParams struct {
	Filters
	Page      int
	PageSize  int
	SortField string
	SortOrder string
}

type QueryResult struct {
	Items      []*BloodUnit `json:"items"`
	TotalCount int          `json:"total_count"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
}

// SearchCriteria is what the repository sees of a query: urgency has
// already been turned into an expiry date window and paging into
// limit/offset.
type SearchCriteria struct {
	BloodType     *BloodType
	Status        *Status
	CollectedFrom *time.Time
	CollectedTo   *time.Time
	ExpiryFrom    *time.Time
	ExpiryTo      *time.Time
	Text          string
	SortField     string
	SortOrder     string
	Limit         int
	Offset        int
}

// StatusCount is one row of the per-type, per-status aggregate.
type StatusCount struct {
	BloodType BloodType
	Status    Status
	Count     int
}

// Repository persists blood units. Soft-deleted units are invisible to every
// read. Writes join the transaction on ctx.
type Repository interface {
	// Create inserts u. A unit id collision returns ErrDuplicateIdentifier.
	Create(ctx context.Context, u *BloodUnit) error
	GetByUnitID(ctx context.Context, unitID string) (*BloodUnit, error)
	// Update writes the mutable fields of u if the stored version still
	// equals u.Version, then bumps u.Version. A stale version returns
	// ErrConcurrentModification.
	Update(ctx context.Context, u *BloodUnit) error
	// SoftDelete marks the unit deleted under the same version check.
	SoftDelete(ctx context.Context, unitID string, version int, actorID, reason string) error
	Search(ctx context.Context, c SearchCriteria) ([]*BloodUnit, int, error)
	// NextSequence returns the next unit sequence for a blood type on day,
	// never lower than atLeast.
	NextSequence(ctx context.Context, bt BloodType, day time.Time, atLeast int) (int, error)
	CountByTypeAndStatus(ctx context.Context) ([]StatusCount, error)
	// ListExpiring returns available or quarantined units whose expiry
	// date is before day.
	ListExpiring(ctx context.Context, day time.Time, limit int) ([]*BloodUnit, error)
	// ListOrphans returns live units whose donor row no longer exists.
	ListOrphans(ctx context.Context, limit int) ([]*BloodUnit, error)
}
