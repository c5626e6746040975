package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
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

const unitIDConstraint = "blood_unit_unit_id_key"

const unitFrom = `blood_unit u LEFT JOIN donor d ON d.id = u.donor_id`

const unitCols = `u.id, u.unit_id, u.donor_id, COALESCE(d.name, ''), COALESCE(d.reference_code, ''),
	u.blood_type, u.collection_date, u.expiry_date, u.status, u.volume_ml, u.screening_status,
	u.collection_site, u.storage_location, u.notes, u.version, u.created_at, u.updated_at`

// API sort names to columns. Anything else falls back to collection_date.
var unitSortColumns = map[string]string{
	"unit_id":         "u.unit_id",
	"blood_type":      "u.blood_type",
	"collection_date": "u.collection_date",
	"expiry_date":     "u.expiry_date",
	"status":          "u.status",
	"volume_ml":       "u.volume_ml",
	"created_at":      "u.created_at",
	"updated_at":      "u.updated_at",
}

func scanUnit(row pgx.Row) (*BloodUnit, error) {
	var u BloodUnit
	var bt, st, sc string
	err := row.Scan(&u.ID, &u.UnitID, &u.DonorID, &u.DonorName, &u.DonorReference,
		&bt, &u.CollectionDate, &u.ExpiryDate, &st, &u.VolumeML, &sc,
		&u.CollectionSite, &u.StorageLocation, &u.Notes, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.BloodType, u.Status, u.ScreeningStatus = BloodType(bt), Status(st), ScreeningStatus(sc)
	return &u, nil
}

func scanUnits(rows pgx.Rows) ([]*BloodUnit, error) {
	defer rows.Close()
	var items []*BloodUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, u)
	}
	return items, rows.Err()
}

func (r *RepoPG) Create(ctx context.Context, u *BloodUnit) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.Version = 1
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO blood_unit (id, unit_id, donor_id, blood_type, collection_date, expiry_date,
			status, volume_ml, screening_status, collection_site, storage_location, notes, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		u.ID, u.UnitID, u.DonorID, string(u.BloodType), u.CollectionDate, u.ExpiryDate,
		string(u.Status), u.VolumeML, string(u.ScreeningStatus), u.CollectionSite, u.StorageLocation, u.Notes, u.Version,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if db.IsUniqueViolation(err, unitIDConstraint) {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, u.UnitID)
	}
	return storageErr("insert unit", err)
}

func (r *RepoPG) GetByUnitID(ctx context.Context, unitID string) (*BloodUnit, error) {
	u, err := scanUnit(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+unitCols+` FROM `+unitFrom+` WHERE u.unit_id = $1 AND u.deleted_at IS NULL`, unitID))
	if db.IsNoRows(err) {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	if err != nil {
		return nil, storageErr("get unit", err)
	}
	return u, nil
}

func (r *RepoPG) Update(ctx context.Context, u *BloodUnit) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE blood_unit SET blood_type=$3, status=$4, screening_status=$5,
			storage_location=$6, notes=$7, version=version+1, updated_at=NOW()
		WHERE unit_id = $1 AND version = $2 AND deleted_at IS NULL
		RETURNING version, updated_at`,
		u.UnitID, u.Version, string(u.BloodType), string(u.Status), string(u.ScreeningStatus),
		u.StorageLocation, u.Notes,
	).Scan(&u.Version, &u.UpdatedAt)
	if db.IsNoRows(err) {
		return r.missOrConflict(ctx, u.UnitID)
	}
	return storageErr("update unit", err)
}

func (r *RepoPG) SoftDelete(ctx context.Context, unitID string, version int, actorID, reason string) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE blood_unit SET deleted_at=NOW(), deleted_by=$3, delete_reason=$4,
			version=version+1, updated_at=NOW()
		WHERE unit_id = $1 AND version = $2 AND deleted_at IS NULL`,
		unitID, version, actorID, reason)
	if err != nil {
		return storageErr("delete unit", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, unitID)
	}
	return nil
}

// missOrConflict explains a zero-row conditional write: the unit is gone, or
// its version moved on.
func (r *RepoPG) missOrConflict(ctx context.Context, unitID string) error {
	var one int
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT 1 FROM blood_unit WHERE unit_id = $1 AND deleted_at IS NULL`, unitID).Scan(&one)
	if db.IsNoRows(err) {
		return fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	if err != nil {
		return storageErr("check unit", err)
	}
	return fmt.Errorf("%w: %s", ErrConcurrentModification, unitID)
}

func (r *RepoPG) Search(ctx context.Context, c SearchCriteria) ([]*BloodUnit, int, error) {
	q := db.NewSearchQuery(unitFrom, unitCols)
	q.Raw("u.deleted_at IS NULL")
	if c.BloodType != nil {
		q.Eq("u.blood_type", string(*c.BloodType))
	}
	if c.Status != nil {
		q.Eq("u.status", string(*c.Status))
	}
	if c.CollectedFrom != nil {
		q.Gte("u.collection_date", *c.CollectedFrom)
	}
	if c.CollectedTo != nil {
		q.Lte("u.collection_date", *c.CollectedTo)
	}
	if c.ExpiryFrom != nil {
		q.Gte("u.expiry_date", *c.ExpiryFrom)
	}
	if c.ExpiryTo != nil {
		q.Lte("u.expiry_date", *c.ExpiryTo)
	}
	if c.Text != "" {
		q.Contains([]string{"u.unit_id", "d.name", "d.reference_code"}, c.Text)
	}
	q.ApplySort(c.SortField, c.SortOrder, unitSortColumns, "collection_date", "u.unit_id")

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, storageErr("count units", err)
	}
	rows, err := conn.Query(ctx, q.DataSQL(), q.DataArgs(c.Limit, c.Offset)...)
	if err != nil {
		return nil, 0, storageErr("search units", err)
	}
	items, err := scanUnits(rows)
	if err != nil {
		return nil, 0, storageErr("scan units", err)
	}
	return items, total, nil
}

func (r *RepoPG) NextSequence(ctx context.Context, bt BloodType, day time.Time, atLeast int) (int, error) {
	var seq int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO blood_unit_sequence (seq_date, type_token, last_value)
		VALUES ($1, $2, GREATEST(1, $3::int))
		ON CONFLICT (seq_date, type_token)
		DO UPDATE SET last_value = GREATEST(blood_unit_sequence.last_value + 1, $3::int)
		RETURNING last_value`,
		DateOnly(day), bt.Token(), atLeast).Scan(&seq)
	if err != nil {
		return 0, storageErr("next sequence", err)
	}
	return seq, nil
}

func (r *RepoPG) CountByTypeAndStatus(ctx context.Context) ([]StatusCount, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT blood_type, status, COUNT(*) FROM blood_unit
		WHERE deleted_at IS NULL
		GROUP BY blood_type, status`)
	if err != nil {
		return nil, storageErr("count by type", err)
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var bt, st string
		var n int
		if err := rows.Scan(&bt, &st, &n); err != nil {
			return nil, storageErr("scan count", err)
		}
		out = append(out, StatusCount{BloodType: BloodType(bt), Status: Status(st), Count: n})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("count by type", err)
	}
	return out, nil
}

func (r *RepoPG) ListExpiring(ctx context.Context, day time.Time, limit int) ([]*BloodUnit, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+unitCols+` FROM `+unitFrom+`
		WHERE u.deleted_at IS NULL AND u.status IN ('available', 'quarantined') AND u.expiry_date < $1
		ORDER BY u.expiry_date, u.unit_id LIMIT $2`, DateOnly(day), limit)
	if err != nil {
		return nil, storageErr("list expiring", err)
	}
	items, err := scanUnits(rows)
	return items, storageErr("list expiring", err)
}

func (r *RepoPG) ListOrphans(ctx context.Context, limit int) ([]*BloodUnit, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+unitCols+` FROM `+unitFrom+`
		WHERE u.deleted_at IS NULL AND d.id IS NULL
		ORDER BY u.unit_id LIMIT $1`, limit)
	if err != nil {
		return nil, storageErr("list orphans", err)
	}
	items, err := scanUnits(rows)
	return items, storageErr("list orphans", err)
}
