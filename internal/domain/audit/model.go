package audit

import (
	"time"

	"github.com/google/uuid"
)

// Actions recorded for blood units.
const (
	ActionUnitCreate    = "unit.create"
	ActionStatusChange  = "status.change"
	ActionStatusCorrect = "status.correct"
	ActionStatusExpire  = "status.expire"
	ActionBloodType     = "unit.blood_type"
	ActionScreening     = "unit.screening"
	ActionStorage       = "unit.storage"
	ActionUnitDelete    = "unit.delete"
)

const EntityTypeBloodUnit = "blood_unit"

const maxPageSize = 500

// Event maps to the inventory_audit_event table. Before and After hold only
// the fields the action touched.
type Event struct {
	ID         uuid.UUID              `json:"id"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Action     string                 `json:"action"`
	ActorID    string                 `json:"actor_id"`
	ActorRole  string                 `json:"actor_role"`
	Reason     string                 `json:"reason,omitempty"`
	Before     map[string]interface{} `json:"before,omitempty"`
	After      map[string]interface{} `json:"after,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Filter narrows a search over the audit trail. Empty fields match anything.
type Filter struct {
	EntityType string
	EntityID   string
	Action     string
	ActorID    string
	From       *time.Time
	To         *time.Time
}
