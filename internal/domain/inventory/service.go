package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/domain/audit"
	"github.com/bloodbank/bloodbank/internal/domain/donor"
	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/db"
	"github.com/bloodbank/bloodbank/internal/platform/telemetry"
	"github.com/bloodbank/bloodbank/pkg/pagination"
)

const (
	EventStatusChanged = "blood_unit.status_changed"

	maxTextLen   = 255
	maxSearchLen = 100
	sweepBatch   = 1000
	sweepReason  = "expiry date passed"
)

// AuditLog is where every inventory change is recorded, in the same
// transaction as the change.
type AuditLog interface {
	audit.Recorder
	History(ctx context.Context, unitID string) ([]*audit.Event, error)
}

// Notifier delivers events after the change they describe has committed.
type Notifier interface {
	Notify(ctx context.Context, event string, payload interface{}) error
}

// ChangeListener is told after any committed inventory change.
type ChangeListener interface {
	InventoryChanged(ctx context.Context)
}

// StatusChange is the payload of EventStatusChanged.
type StatusChange struct {
	UnitID    string    `json:"unit_id"`
	BloodType BloodType `json:"blood_type"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	ActorID   string    `json:"actor_id"`
	At        time.Time `json:"at"`
}

type Options struct {
	UnitIDPrefix     string
	ShelfLifeDays    int
	ExpiringSoonDays int
}

type Service struct {
	tx         db.Transactor
	repo       Repository
	donors     donor.Directory
	audit      AuditLog
	gen        Generator
	classifier Classifier
	shelfLife  int
	notifier   Notifier
	listeners  []ChangeListener
	metrics    *telemetry.Metrics
	now        func() time.Time
	logger     zerolog.Logger
}

func NewService(tx db.Transactor, repo Repository, donors donor.Directory, auditLog AuditLog, opts Options, logger zerolog.Logger) *Service {
	shelfLife := opts.ShelfLifeDays
	if shelfLife <= 0 {
		shelfLife = DefaultShelfLifeDays
	}
	return &Service{
		tx:         tx,
		repo:       repo,
		donors:     donors,
		audit:      auditLog,
		gen:        NewGenerator(opts.UnitIDPrefix),
		classifier: NewClassifier(opts.ExpiringSoonDays),
		shelfLife:  shelfLife,
		now:        time.Now,
		logger:     logger.With().Str("component", "inventory").Logger(),
	}
}

func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

func (s *Service) AddChangeListener(l ChangeListener) { s.listeners = append(s.listeners, l) }

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) Classifier() Classifier { return s.classifier }

func checkActor(actor auth.Actor) error {
	if !actor.Valid() {
		return invalid("actor", "an authenticated actor is required")
	}
	return nil
}

func requireReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", invalid("reason", "a reason is required")
	}
	return reason, nil
}

func checkText(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if len(v) > maxTextLen {
		return "", invalid(field, "must be at most %d characters", maxTextLen)
	}
	return v, nil
}

// AddUnit registers a newly collected unit for a known donor. The blood
// type comes from the donor record; the unit starts available with pending
// screening.
func (s *Service) AddUnit(ctx context.Context, actor auth.Actor, in AddUnitInput) (unit *BloodUnit, err error) {
	defer func() { s.metrics.ObserveOperation("add_unit", err, outcome) }()

	if err := checkActor(actor); err != nil {
		return nil, err
	}
	if in.DonorID <= 0 {
		return nil, invalid("donor_id", "donor id is required")
	}
	if in.CollectionDate.IsZero() {
		return nil, invalid("collection_date", "collection date is required")
	}
	today := DateOnly(s.now())
	collected := DateOnly(in.CollectionDate)
	if collected.After(today) {
		return nil, invalid("collection_date", "collection date %s is in the future", collected.Format(DateLayout))
	}
	volume := in.VolumeML
	if volume == 0 {
		volume = DefaultVolumeML
	}
	if volume < 0 {
		return nil, invalid("volume_ml", "volume must be a positive number of millilitres")
	}
	expiry := ExpiryFor(collected, s.shelfLife)
	if in.ExpiryDate != nil {
		expiry = DateOnly(*in.ExpiryDate)
		if !expiry.After(collected) {
			return nil, invalid("expiry_date", "expiry date must be after the collection date")
		}
	}
	site, err := checkText("collection_site", in.CollectionSite)
	if err != nil {
		return nil, err
	}
	location, err := checkText("storage_location", in.StorageLocation)
	if err != nil {
		return nil, err
	}

	d, err := s.donors.LookupDonor(ctx, in.DonorID)
	if errors.Is(err, donor.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrDonorNotFound, in.DonorID)
	}
	if err != nil {
		return nil, storageErr("lookup donor", err)
	}
	bt, perr := ParseBloodType(d.BloodType)
	if perr != nil {
		bt = BloodTypeUnknown
	}

	atLeast := 0
	for attempt := 0; attempt < 2; attempt++ {
		unit = &BloodUnit{
			DonorID:         in.DonorID,
			BloodType:       bt,
			CollectionDate:  collected,
			ExpiryDate:      expiry,
			Status:          StatusAvailable,
			VolumeML:        volume,
			ScreeningStatus: ScreeningPending,
			CollectionSite:  site,
			StorageLocation: location,
			Notes:           strings.TrimSpace(in.Notes),
		}
		err = s.tx.WithTx(ctx, func(ctx context.Context) error {
			seq, err := s.repo.NextSequence(ctx, bt, collected, atLeast)
			if err != nil {
				return err
			}
			atLeast = seq + 1
			unit.UnitID = s.gen.Generate(bt, seq, collected)
			if err := s.repo.Create(ctx, unit); err != nil {
				return err
			}
			return s.record(ctx, actor, audit.ActionUnitCreate, unit.UnitID, "", nil, unit.Snapshot())
		})
		if errors.Is(err, ErrDuplicateIdentifier) && attempt == 0 {
			s.logger.Warn().Str("unit_id", unit.UnitID).Msg("unit id collision, retrying with next sequence")
			continue
		}
		break
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("donor_id", in.DonorID).Str("actor_id", actor.ID).Msg("add unit failed")
		return nil, err
	}

	unit.DonorName, unit.DonorReference = d.Name, d.ReferenceCode
	s.classifier.Apply(unit, s.now())
	s.changed(ctx)
	s.logger.Info().Str("unit_id", unit.UnitID).Str("actor_id", actor.ID).Str("blood_type", string(bt)).Msg("unit added")
	return unit, nil
}

// mutation describes one audited single-unit update.
type mutation struct {
	op     string
	action string
	reason string
	fields []string
	extra  map[string]interface{}
	apply  func(cur *BloodUnit) (*BloodUnit, error)
}

// mutate loads the unit, applies m and writes the new row plus exactly one
// audit event in one transaction. apply must return a copy.
func (s *Service) mutate(ctx context.Context, actor auth.Actor, unitID string, m mutation) (prev, next *BloodUnit, err error) {
	defer func() { s.metrics.ObserveOperation(m.op, err, outcome) }()

	if err := checkActor(actor); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(unitID) == "" {
		return nil, nil, invalid("unit_id", "unit id is required")
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetByUnitID(ctx, unitID)
		if err != nil {
			return err
		}
		upd, err := m.apply(cur)
		if err != nil {
			return err
		}
		if err := s.repo.Update(ctx, upd); err != nil {
			return err
		}
		before, after := pick(cur, m.fields), pick(upd, m.fields)
		for k, v := range m.extra {
			after[k] = v
		}
		prev, next = cur, upd
		return s.record(ctx, actor, m.action, unitID, m.reason, before, after)
	})
	if err != nil {
		ev := s.logger.Warn()
		if errors.Is(err, ErrStorage) {
			ev = s.logger.Error()
		}
		ev.Err(err).Str("unit_id", unitID).Str("actor_id", actor.ID).Str("op", m.op).Msg("unit update rejected")
		return nil, nil, err
	}

	s.classifier.Apply(next, s.now())
	s.changed(ctx)
	s.logger.Info().Str("unit_id", unitID).Str("actor_id", actor.ID).Str("action", m.action).Msg("unit updated")
	return prev, next, nil
}

func pick(u *BloodUnit, fields []string) map[string]interface{} {
	snap := u.Snapshot()
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		out[f] = snap[f]
	}
	return out
}

func (s *Service) record(ctx context.Context, actor auth.Actor, action, unitID, reason string, before, after map[string]interface{}) error {
	err := s.audit.RecordEvent(ctx, &audit.Event{
		EntityType: audit.EntityTypeBloodUnit,
		EntityID:   unitID,
		Action:     action,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Reason:     reason,
		Before:     before,
		After:      after,
	})
	return storageErr("record audit event", err)
}

func (s *Service) changed(ctx context.Context) {
	for _, l := range s.listeners {
		l.InventoryChanged(ctx)
	}
}

func (s *Service) notifyStatus(ctx context.Context, actor auth.Actor, prev, next *BloodUnit, reason string) {
	s.metrics.ObserveTransition(string(prev.Status), string(next.Status))
	if s.notifier == nil || prev.Status == next.Status {
		return
	}
	change := StatusChange{
		UnitID:    next.UnitID,
		BloodType: next.BloodType,
		From:      prev.Status,
		To:        next.Status,
		Reason:    reason,
		ActorID:   actor.ID,
		At:        next.UpdatedAt,
	}
	if err := s.notifier.Notify(ctx, EventStatusChanged, change); err != nil {
		s.logger.Warn().Err(err).Str("unit_id", next.UnitID).Msg("status notification failed")
	}
}

// UpdateStatus applies a normal lifecycle transition.
func (s *Service) UpdateStatus(ctx context.Context, actor auth.Actor, unitID string, to Status, reason string) (*BloodUnit, error) {
	reason = strings.TrimSpace(reason)
	prev, next, err := s.mutate(ctx, actor, unitID, mutation{
		op:     "update_status",
		action: audit.ActionStatusChange,
		reason: reason,
		fields: []string{"status"},
		apply: func(cur *BloodUnit) (*BloodUnit, error) {
			return Transition(cur, to, reason, false)
		},
	})
	if err != nil {
		return nil, err
	}
	s.notifyStatus(ctx, actor, prev, next, reason)
	return next, nil
}

// CorrectStatus moves a unit out of expired as an administrative override.
// A unit whose expiry date has passed can only be corrected to quarantined.
func (s *Service) CorrectStatus(ctx context.Context, actor auth.Actor, unitID string, to Status, reason string) (*BloodUnit, error) {
	reason = strings.TrimSpace(reason)
	today := DateOnly(s.now())
	prev, next, err := s.mutate(ctx, actor, unitID, mutation{
		op:     "correct_status",
		action: audit.ActionStatusCorrect,
		reason: reason,
		fields: []string{"status"},
		apply: func(cur *BloodUnit) (*BloodUnit, error) {
			if to == StatusAvailable && DaysBetween(today, cur.ExpiryDate) < 0 {
				return nil, invalid("status", "unit %s expired on %s and cannot be made available",
					cur.UnitID, cur.ExpiryDate.Format(DateLayout))
			}
			return Correct(cur, to, reason)
		},
	})
	if err != nil {
		return nil, err
	}
	s.notifyStatus(ctx, actor, prev, next, reason)
	return next, nil
}

// UpdateBloodType records a lab-confirmed blood type. A unit that already
// has a confirmed type can only be changed with override set. The unit id
// keeps its original token.
func (s *Service) UpdateBloodType(ctx context.Context, actor auth.Actor, unitID string, bt BloodType, reason string, override bool) (*BloodUnit, error) {
	reason, err := requireReason(reason)
	if err != nil {
		return nil, err
	}
	if bt, err = ParseBloodType(string(bt)); err != nil {
		return nil, err
	}
	_, next, err := s.mutate(ctx, actor, unitID, mutation{
		op:     "update_blood_type",
		action: audit.ActionBloodType,
		reason: reason,
		fields: []string{"blood_type"},
		extra:  map[string]interface{}{"override": override},
		apply: func(cur *BloodUnit) (*BloodUnit, error) {
			if cur.BloodType == bt {
				return nil, invalid("blood_type", "unit %s is already %s", cur.UnitID, bt)
			}
			if cur.BloodType != BloodTypeUnknown && !override {
				return nil, invalid("blood_type", "unit %s is confirmed as %s; set override to correct it", cur.UnitID, cur.BloodType)
			}
			upd := cur.Clone()
			upd.BloodType = bt
			return upd, nil
		},
	})
	return next, err
}

// UpdateScreening records a screening result. A failed result on an
// available unit quarantines it in the same write.
func (s *Service) UpdateScreening(ctx context.Context, actor auth.Actor, unitID string, result ScreeningStatus, reason string) (*BloodUnit, error) {
	reason, err := requireReason(reason)
	if err != nil {
		return nil, err
	}
	if result, err = ParseScreeningStatus(string(result)); err != nil {
		return nil, err
	}
	prev, next, err := s.mutate(ctx, actor, unitID, mutation{
		op:     "update_screening",
		action: audit.ActionScreening,
		reason: reason,
		fields: []string{"screening_status", "status"},
		apply: func(cur *BloodUnit) (*BloodUnit, error) {
			if cur.ScreeningStatus == result {
				return nil, invalid("screening_status", "unit %s screening is already %s", cur.UnitID, result)
			}
			upd := cur.Clone()
			upd.ScreeningStatus = result
			if result == ScreeningFailed && cur.Status == StatusAvailable {
				return Transition(upd, StatusQuarantined, reason, false)
			}
			return upd, nil
		},
	})
	if err != nil {
		return nil, err
	}
	if prev.Status != next.Status {
		s.notifyStatus(ctx, actor, prev, next, reason)
	}
	return next, nil
}

// UpdateStorage relocates a unit that has not been issued.
func (s *Service) UpdateStorage(ctx context.Context, actor auth.Actor, unitID, location, reason string) (*BloodUnit, error) {
	reason, err := requireReason(reason)
	if err != nil {
		return nil, err
	}
	location, err = checkText("storage_location", location)
	if err != nil {
		return nil, err
	}
	if location == "" {
		return nil, invalid("storage_location", "storage location is required")
	}
	_, next, err := s.mutate(ctx, actor, unitID, mutation{
		op:     "update_storage",
		action: audit.ActionStorage,
		reason: reason,
		fields: []string{"storage_location"},
		apply: func(cur *BloodUnit) (*BloodUnit, error) {
			if cur.Status == StatusUsed {
				return nil, invalid("storage_location", "unit %s has been issued", cur.UnitID)
			}
			if cur.StorageLocation == location {
				return nil, invalid("storage_location", "unit %s is already stored at %s", cur.UnitID, location)
			}
			upd := cur.Clone()
			upd.StorageLocation = location
			return upd, nil
		},
	})
	return next, err
}

// DeleteUnit soft-deletes a unit. The row and its audit trail are kept.
func (s *Service) DeleteUnit(ctx context.Context, actor auth.Actor, unitID, reason string) (err error) {
	defer func() { s.metrics.ObserveOperation("delete_unit", err, outcome) }()

	if err := checkActor(actor); err != nil {
		return err
	}
	reason, err = requireReason(reason)
	if err != nil {
		return err
	}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		cur, err := s.repo.GetByUnitID(ctx, unitID)
		if err != nil {
			return err
		}
		if err := s.repo.SoftDelete(ctx, unitID, cur.Version, actor.ID, reason); err != nil {
			return err
		}
		return s.record(ctx, actor, audit.ActionUnitDelete, unitID, reason, cur.Snapshot(), map[string]interface{}{"deleted": true})
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("unit_id", unitID).Str("actor_id", actor.ID).Msg("delete unit rejected")
		return err
	}
	s.changed(ctx)
	s.logger.Info().Str("unit_id", unitID).Str("actor_id", actor.ID).Msg("unit deleted")
	return nil
}

func (s *Service) GetUnit(ctx context.Context, unitID string) (*BloodUnit, error) {
	u, err := s.repo.GetByUnitID(ctx, unitID)
	if err != nil {
		return nil, err
	}
	s.classifier.Apply(u, s.now())
	return u, nil
}

// History returns the audit trail of a unit, including a deleted one.
func (s *Service) History(ctx context.Context, unitID string) ([]*audit.Event, error) {
	events, err := s.audit.History(ctx, unitID)
	if err != nil {
		return nil, storageErr("unit history", err)
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	return events, nil
}

func (s *Service) criteria(f Filters, now time.Time) SearchCriteria {
	c := SearchCriteria{
		BloodType: f.BloodType,
		Status:    f.Status,
		Text:      strings.TrimSpace(f.Search),
	}
	if len(c.Text) > maxSearchLen {
		c.Text = c.Text[:maxSearchLen]
	}
	if f.CollectedFrom != nil {
		d := DateOnly(*f.CollectedFrom)
		c.CollectedFrom = &d
	}
	if f.CollectedTo != nil {
		d := DateOnly(*f.CollectedTo)
		c.CollectedTo = &d
	}
	if f.Urgency != nil {
		from, to := s.classifier.ExpiryWindow(*f.Urgency, now)
		if !from.IsZero() {
			c.ExpiryFrom = &from
		}
		if !to.IsZero() {
			c.ExpiryTo = &to
		}
	}
	return c
}

// Query returns one page of live units. Unknown page sizes and sort fields
// fall back to the defaults; rows with equal sort keys are ordered by unit
// id so pages are stable.
func (s *Service) Query(ctx context.Context, p QueryParams) (*QueryResult, error) {
	pg := pagination.New(p.Page, p.PageSize)
	now := s.now()

	c := s.criteria(p.Filters, now)
	c.SortField, c.SortOrder = p.SortField, p.SortOrder
	c.Limit, c.Offset = pg.Limit(), pg.Offset()

	items, total, err := s.repo.Search(ctx, c)
	if err != nil {
		s.logger.Error().Err(err).Msg("query units failed")
		return nil, err
	}
	for _, u := range items {
		s.classifier.Apply(u, now)
	}
	if items == nil {
		items = []*BloodUnit{}
	}
	return &QueryResult{Items: items, TotalCount: total, Page: pg.Page, PageSize: pg.PageSize}, nil
}

// Export returns every unit matching f, up to pagination.MaxExportRows.
func (s *Service) Export(ctx context.Context, f Filters, sortField, sortOrder string) ([]*BloodUnit, error) {
	now := s.now()
	c := s.criteria(f, now)
	c.SortField, c.SortOrder = sortField, sortOrder
	c.Limit = pagination.MaxExportRows

	items, _, err := s.repo.Search(ctx, c)
	if err != nil {
		return nil, err
	}
	for _, u := range items {
		s.classifier.Apply(u, now)
	}
	return items, nil
}

// ExpireDue moves every available or quarantined unit whose expiry date has
// passed to expired, as the system actor. Units changed concurrently are
// skipped and picked up by the next run.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	today := DateOnly(s.now())
	units, err := s.repo.ListExpiring(ctx, today, sweepBatch)
	if err != nil {
		s.metrics.ObserveSweep(0, err)
		return 0, err
	}

	expired := 0
	for _, u := range units {
		prev, next, err := s.mutate(ctx, auth.SystemActor, u.UnitID, mutation{
			op:     "expire_sweep",
			action: audit.ActionStatusExpire,
			reason: sweepReason,
			fields: []string{"status"},
			apply: func(cur *BloodUnit) (*BloodUnit, error) {
				return Transition(cur, StatusExpired, sweepReason, true)
			},
		})
		switch {
		case err == nil:
			expired++
			s.notifyStatus(ctx, auth.SystemActor, prev, next, sweepReason)
		case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrUnitNotFound), errors.Is(err, ErrInvalidTransition):
			s.logger.Debug().Str("unit_id", u.UnitID).Err(err).Msg("sweep skipped unit")
		default:
			s.metrics.ObserveSweep(expired, err)
			return expired, err
		}
	}
	s.metrics.ObserveSweep(expired, nil)
	if expired > 0 {
		s.logger.Info().Int("expired", expired).Msg("expiry sweep completed")
	}
	return expired, nil
}

// ListOrphans returns live units whose donor record no longer exists.
func (s *Service) ListOrphans(ctx context.Context, limit int) ([]*BloodUnit, error) {
	if limit <= 0 || limit > pagination.MaxExportRows {
		limit = pagination.MaxExportRows
	}
	items, err := s.repo.ListOrphans(ctx, limit)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, u := range items {
		s.classifier.Apply(u, now)
	}
	return items, nil
}
