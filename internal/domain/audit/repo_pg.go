package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bloodbank/bloodbank/internal/platform/db"
)

type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

const eventCols = `id, entity_type, entity_id, action, actor_id, actor_role,
	reason, before, after, COALESCE(request_id, ''), occurred_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var before, after []byte
	err := row.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.ActorID, &e.ActorRole,
		&e.Reason, &before, &after, &e.RequestID, &e.OccurredAt)
	if err != nil {
		return nil, err
	}
	if len(before) > 0 {
		if err := json.Unmarshal(before, &e.Before); err != nil {
			return nil, fmt.Errorf("decode before: %w", err)
		}
	}
	if len(after) > 0 {
		if err := json.Unmarshal(after, &e.After); err != nil {
			return nil, fmt.Errorf("decode after: %w", err)
		}
	}
	return &e, nil
}

func encodeState(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Create inserts e using the transaction on ctx when there is one, so the
// event commits or rolls back with the change it describes.
func (r *RepoPG) Create(ctx context.Context, e *Event) error {
	before, err := encodeState(e.Before)
	if err != nil {
		return fmt.Errorf("encode before: %w", err)
	}
	after, err := encodeState(e.After)
	if err != nil {
		return fmt.Errorf("encode after: %w", err)
	}
	var requestID *string
	if e.RequestID != "" {
		requestID = &e.RequestID
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO inventory_audit_event (id, entity_type, entity_id, action, actor_id, actor_role,
			reason, before, after, request_id, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.EntityType, e.EntityID, e.Action, e.ActorID, e.ActorRole,
		e.Reason, before, after, requestID, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (r *RepoPG) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Event, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+eventCols+` FROM inventory_audit_event
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY occurred_at ASC, id ASC LIMIT $3`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (r *RepoPG) Search(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	q := db.NewSearchQuery("inventory_audit_event", eventCols)
	if f.EntityType != "" {
		q.Eq("entity_type", f.EntityType)
	}
	if f.EntityID != "" {
		q.Eq("entity_id", f.EntityID)
	}
	if f.Action != "" {
		q.Eq("action", f.Action)
	}
	if f.ActorID != "" {
		q.Eq("actor_id", f.ActorID)
	}
	if f.From != nil {
		q.Gte("occurred_at", *f.From)
	}
	if f.To != nil {
		q.Lte("occurred_at", *f.To)
	}
	q.OrderBy("occurred_at DESC, id ASC")

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}
	rows, err := conn.Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search audit events: %w", err)
	}
	defer rows.Close()
	items, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func collect(rows pgx.Rows) ([]*Event, error) {
	var items []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
