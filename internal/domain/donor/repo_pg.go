package donor

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bloodbank/bloodbank/internal/platform/db"
)

type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

func (r *RepoPG) LookupDonor(ctx context.Context, id int64) (*Donor, error) {
	var d Donor
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id, name, blood_type, reference_code FROM donor WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &d.BloodType, &d.ReferenceCode)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup donor %d: %w", id, err)
	}
	return &d, nil
}
