package inventory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/domain/audit"
	"github.com/bloodbank/bloodbank/internal/domain/donor"
	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/internal/platform/telemetry"
)

// -- Mock Transaction --

type txLogKey struct{}

// txLog records what a transaction wrote so memTx can undo it.
type txLog struct {
	mu     sync.Mutex
	prior  map[string]*BloodUnit
	events []*audit.Event
}

type memTx struct {
	repo  *mockUnitRepo
	audit *mockAuditLog
}

func (t memTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	log := &txLog{prior: map[string]*BloodUnit{}}
	if err := fn(context.WithValue(ctx, txLogKey{}, log)); err != nil {
		t.repo.rollback(log)
		t.audit.rollback(log)
		return err
	}
	return nil
}

func txLogFrom(ctx context.Context) *txLog {
	log, _ := ctx.Value(txLogKey{}).(*txLog)
	return log
}

// -- Mock Repository --

type mockUnitRepo struct {
	mu     sync.Mutex
	units  map[string]*BloodUnit
	seqs   map[string]int
	donors *mockDonors
	now    func() time.Time

	// beforeUpdate runs outside the lock on every Update call.
	beforeUpdate func()
}

func newMockUnitRepo(donors *mockDonors) *mockUnitRepo {
	return &mockUnitRepo{
		units:  map[string]*BloodUnit{},
		seqs:   map[string]int{},
		donors: donors,
		now:    func() time.Time { return testNow },
	}
}

// put stores u as it is, bypassing the sequence; used to seed fixtures.
func (m *mockUnitRepo) put(u *BloodUnit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.Version == 0 {
		u.Version = 1
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	m.units[u.UnitID] = u.Clone()
}

func (m *mockUnitRepo) stored(unitID string) *BloodUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.units[unitID]; ok {
		return u.Clone()
	}
	return nil
}

func (m *mockUnitRepo) remember(ctx context.Context, unitID string) {
	log := txLogFrom(ctx)
	if log == nil {
		return
	}
	log.mu.Lock()
	defer log.mu.Unlock()
	if _, seen := log.prior[unitID]; seen {
		return
	}
	if u, ok := m.units[unitID]; ok {
		log.prior[unitID] = u.Clone()
	} else {
		log.prior[unitID] = nil
	}
}

func (m *mockUnitRepo) rollback(log *txLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range log.prior {
		if u == nil {
			delete(m.units, id)
		} else {
			m.units[id] = u
		}
	}
}

func (m *mockUnitRepo) withDonor(u *BloodUnit) *BloodUnit {
	out := u.Clone()
	if d, ok := m.donors.get(u.DonorID); ok {
		out.DonorName, out.DonorReference = d.Name, d.ReferenceCode
	}
	return out
}

func (m *mockUnitRepo) Create(ctx context.Context, u *BloodUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.units[u.UnitID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, u.UnitID)
	}
	m.remember(ctx, u.UnitID)
	u.ID = uuid.New()
	u.Version = 1
	u.CreatedAt, u.UpdatedAt = m.now(), m.now()
	m.units[u.UnitID] = u.Clone()
	return nil
}

func (m *mockUnitRepo) GetByUnitID(_ context.Context, unitID string) (*BloodUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[unitID]
	if !ok || u.Deleted() {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	return m.withDonor(u), nil
}

func (m *mockUnitRepo) Update(ctx context.Context, u *BloodUnit) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.units[u.UnitID]
	if !ok || cur.Deleted() {
		return fmt.Errorf("%w: %s", ErrUnitNotFound, u.UnitID)
	}
	if cur.Version != u.Version {
		return fmt.Errorf("%w: %s", ErrConcurrentModification, u.UnitID)
	}
	m.remember(ctx, u.UnitID)
	u.Version++
	u.UpdatedAt = m.now()
	m.units[u.UnitID] = u.Clone()
	return nil
}

func (m *mockUnitRepo) SoftDelete(ctx context.Context, unitID string, version int, actorID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.units[unitID]
	if !ok || cur.Deleted() {
		return fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	if cur.Version != version {
		return fmt.Errorf("%w: %s", ErrConcurrentModification, unitID)
	}
	m.remember(ctx, unitID)
	next := cur.Clone()
	at := m.now()
	next.DeletedAt, next.DeletedBy, next.DeleteReason = &at, &actorID, &reason
	next.Version++
	m.units[unitID] = next
	return nil
}

func (m *mockUnitRepo) Search(_ context.Context, c SearchCriteria) ([]*BloodUnit, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BloodUnit
	text := strings.ToLower(c.Text)
	for _, stored := range m.units {
		u := m.withDonor(stored)
		switch {
		case u.Deleted():
		case c.BloodType != nil && u.BloodType != *c.BloodType:
		case c.Status != nil && u.Status != *c.Status:
		case c.CollectedFrom != nil && u.CollectionDate.Before(*c.CollectedFrom):
		case c.CollectedTo != nil && u.CollectionDate.After(*c.CollectedTo):
		case c.ExpiryFrom != nil && u.ExpiryDate.Before(*c.ExpiryFrom):
		case c.ExpiryTo != nil && u.ExpiryDate.After(*c.ExpiryTo):
		case text != "" && !strings.Contains(strings.ToLower(u.UnitID+" "+u.DonorName+" "+u.DonorReference), text):
		default:
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if c.SortField == "expiry_date" && !a.ExpiryDate.Equal(b.ExpiryDate) {
			return a.ExpiryDate.Before(b.ExpiryDate)
		}
		return a.UnitID < b.UnitID
	})
	total := len(out)
	if c.Offset >= total {
		return nil, total, nil
	}
	out = out[c.Offset:]
	if len(out) > c.Limit {
		out = out[:c.Limit]
	}
	return out, total, nil
}

func (m *mockUnitRepo) NextSequence(_ context.Context, bt BloodType, day time.Time, atLeast int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := day.Format(DateLayout) + "/" + bt.Token()
	next := m.seqs[key] + 1
	if atLeast > next {
		next = atLeast
	}
	m.seqs[key] = next
	return next, nil
}

func (m *mockUnitRepo) CountByTypeAndStatus(_ context.Context) ([]StatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[[2]string]int{}
	for _, u := range m.units {
		if !u.Deleted() {
			counts[[2]string{string(u.BloodType), string(u.Status)}]++
		}
	}
	var out []StatusCount
	for k, n := range counts {
		out = append(out, StatusCount{BloodType: BloodType(k[0]), Status: Status(k[1]), Count: n})
	}
	return out, nil
}

func (m *mockUnitRepo) ListExpiring(_ context.Context, day time.Time, limit int) ([]*BloodUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BloodUnit
	for _, u := range m.units {
		if u.Deleted() || (u.Status != StatusAvailable && u.Status != StatusQuarantined) {
			continue
		}
		if u.ExpiryDate.Before(day) {
			out = append(out, u.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UnitID < out[j].UnitID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockUnitRepo) ListOrphans(_ context.Context, limit int) ([]*BloodUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BloodUnit
	for _, u := range m.units {
		if _, ok := m.donors.get(u.DonorID); !ok && !u.Deleted() {
			out = append(out, u.Clone())
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// -- Mock Collaborators --

type mockDonors struct {
	mu     sync.Mutex
	donors map[int64]*donor.Donor
}

func (m *mockDonors) get(id int64) (*donor.Donor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.donors[id]
	return d, ok
}

func (m *mockDonors) LookupDonor(_ context.Context, id int64) (*donor.Donor, error) {
	if d, ok := m.get(id); ok {
		return d, nil
	}
	return nil, donor.ErrNotFound
}

type mockAuditLog struct {
	mu       sync.Mutex
	events   []*audit.Event
	failWith error
}

func (m *mockAuditLog) RecordEvent(ctx context.Context, e *audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	e.ID = uuid.New()
	e.OccurredAt = testNow
	m.events = append(m.events, e)
	if log := txLogFrom(ctx); log != nil {
		log.mu.Lock()
		log.events = append(log.events, e)
		log.mu.Unlock()
	}
	return nil
}

func (m *mockAuditLog) History(_ context.Context, unitID string) ([]*audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*audit.Event
	for _, e := range m.events {
		if e.EntityID == unitID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockAuditLog) rollback(log *txLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := map[*audit.Event]bool{}
	for _, e := range log.events {
		drop[e] = true
	}
	kept := m.events[:0]
	for _, e := range m.events {
		if !drop[e] {
			kept = append(kept, e)
		}
	}
	m.events = kept
}

func (m *mockAuditLog) forUnit(unitID string) []*audit.Event {
	events, _ := m.History(context.Background(), unitID)
	return events
}

type mockNotifier struct {
	mu       sync.Mutex
	sent     []StatusChange
	failWith error
}

func (m *mockNotifier) Notify(_ context.Context, event string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event == EventStatusChanged {
		m.sent = append(m.sent, payload.(StatusChange))
	}
	return m.failWith
}

type countingListener struct {
	mu sync.Mutex
	n  int
}

func (l *countingListener) InventoryChanged(context.Context) {
	l.mu.Lock()
	l.n++
	l.mu.Unlock()
}

// -- Fixtures --

var (
	staff = auth.Actor{ID: "nurse-1", Name: "Nurse Joy", Role: auth.RoleStaff}
	admin = auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}
)

type fixture struct {
	svc      *Service
	repo     *mockUnitRepo
	donors   *mockDonors
	audit    *mockAuditLog
	notifier *mockNotifier
	listener *countingListener
}

func newFixture() *fixture {
	donors := &mockDonors{donors: map[int64]*donor.Donor{
		1: {ID: 1, Name: "Ada Obi", BloodType: "O+", ReferenceCode: "DN-0001"},
		2: {ID: 2, Name: "Ben Cruz", BloodType: "A+", ReferenceCode: "DN-0002"},
		3: {ID: 3, Name: "Cy Park", BloodType: "", ReferenceCode: "DN-0003"},
	}}
	repo := newMockUnitRepo(donors)
	auditLog := &mockAuditLog{}
	svc := NewService(memTx{repo: repo, audit: auditLog}, repo, donors, auditLog, Options{}, zerolog.Nop())
	svc.SetClock(func() time.Time { return testNow })

	f := &fixture{
		svc:      svc,
		repo:     repo,
		donors:   donors,
		audit:    auditLog,
		notifier: &mockNotifier{},
		listener: &countingListener{},
	}
	svc.SetNotifier(f.notifier)
	svc.AddChangeListener(f.listener)
	return f
}

// seed stores a unit directly, bypassing AddUnit.
func (f *fixture) seed(unitID string, bt BloodType, status Status, expiryOffset int) *BloodUnit {
	expiry := DateOnly(testNow).AddDate(0, 0, expiryOffset)
	u := &BloodUnit{
		UnitID:          unitID,
		DonorID:         1,
		BloodType:       bt,
		CollectionDate:  expiry.AddDate(0, 0, -DefaultShelfLifeDays),
		ExpiryDate:      expiry,
		Status:          status,
		VolumeML:        DefaultVolumeML,
		ScreeningStatus: ScreeningPassed,
		StorageLocation: "Fridge 1",
	}
	f.repo.put(u)
	return u
}

// -- AddUnit --

func TestAddUnit_DerivesTypeExpiryAndID(t *testing.T) {
	f := newFixture()
	today := DateOnly(testNow)

	u, err := f.svc.AddUnit(context.Background(), staff, AddUnitInput{
		DonorID:         1,
		CollectionDate:  testNow,
		CollectionSite:  "Mobile drive",
		StorageLocation: "Fridge 2",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Status != StatusAvailable {
		t.Errorf("expected available, got %s", u.Status)
	}
	if u.BloodType != BloodTypeOPos {
		t.Errorf("expected O+, got %s", u.BloodType)
	}
	if want := today.AddDate(0, 0, 42); !u.ExpiryDate.Equal(want) {
		t.Errorf("expected expiry %s, got %s", want.Format(DateLayout), u.ExpiryDate.Format(DateLayout))
	}
	if u.UnitID != "BU-OPOS-20261016-0001" {
		t.Errorf("unexpected unit id %s", u.UnitID)
	}
	if u.VolumeML != DefaultVolumeML || u.ScreeningStatus != ScreeningPending {
		t.Errorf("unexpected defaults: volume %d screening %s", u.VolumeML, u.ScreeningStatus)
	}
	if u.DonorName != "Ada Obi" || u.Urgency != UrgencyGood || u.DaysToExpiry != 42 {
		t.Errorf("unexpected derived fields: %+v", u)
	}

	events := f.audit.forUnit(u.UnitID)
	if len(events) != 1 || events[0].Action != audit.ActionUnitCreate {
		t.Fatalf("expected one create event, got %+v", events)
	}
	if events[0].Before != nil || events[0].After["status"] != "available" {
		t.Errorf("unexpected create snapshot: %+v", events[0])
	}
	if f.listener.n != 1 {
		t.Errorf("expected one change notification, got %d", f.listener.n)
	}
}

func TestAddUnit_SequenceIsUnique(t *testing.T) {
	f := newFixture()
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		u, err := f.svc.AddUnit(context.Background(), staff, AddUnitInput{DonorID: 1, CollectionDate: testNow})
		if err != nil {
			t.Fatal(err)
		}
		if seen[u.UnitID] {
			t.Fatalf("duplicate unit id %s", u.UnitID)
		}
		seen[u.UnitID] = true
	}
	if !seen["BU-OPOS-20261016-0005"] {
		t.Errorf("expected sequence to reach 0005, got %v", seen)
	}
}

func TestAddUnit_RetriesOnceOnCollision(t *testing.T) {
	f := newFixture()
	f.seed("BU-OPOS-20261016-0001", BloodTypeOPos, StatusAvailable, 30)

	u, err := f.svc.AddUnit(context.Background(), staff, AddUnitInput{DonorID: 1, CollectionDate: testNow})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if u.UnitID != "BU-OPOS-20261016-0002" {
		t.Errorf("expected next sequence after collision, got %s", u.UnitID)
	}
}

func TestAddUnit_SecondCollisionSurfaces(t *testing.T) {
	f := newFixture()
	f.seed("BU-OPOS-20261016-0001", BloodTypeOPos, StatusAvailable, 30)
	f.seed("BU-OPOS-20261016-0002", BloodTypeOPos, StatusAvailable, 30)

	_, err := f.svc.AddUnit(context.Background(), staff, AddUnitInput{DonorID: 1, CollectionDate: testNow})
	if !errors.Is(err, ErrDuplicateIdentifier) {
		t.Fatalf("expected ErrDuplicateIdentifier, got %v", err)
	}
	if n := len(f.audit.events); n != 0 {
		t.Errorf("failed create must leave no audit events, got %d", n)
	}
}

func TestAddUnit_UnknownDonorType(t *testing.T) {
	f := newFixture()
	u, err := f.svc.AddUnit(context.Background(), staff, AddUnitInput{DonorID: 3, CollectionDate: testNow})
	if err != nil {
		t.Fatal(err)
	}
	if u.BloodType != BloodTypeUnknown || !strings.Contains(u.UnitID, "-UNK-") {
		t.Errorf("expected unknown type, got %s / %s", u.BloodType, u.UnitID)
	}
}

func TestAddUnit_Validation(t *testing.T) {
	yesterday := testNow.AddDate(0, 0, -1)
	tomorrow := testNow.AddDate(0, 0, 1)

	tests := []struct {
		name  string
		actor auth.Actor
		in    AddUnitInput
		want  error
	}{
		{"no actor", auth.Actor{}, AddUnitInput{DonorID: 1, CollectionDate: testNow}, ErrValidation},
		{"no donor", staff, AddUnitInput{CollectionDate: testNow}, ErrValidation},
		{"no date", staff, AddUnitInput{DonorID: 1}, ErrValidation},
		{"future date", staff, AddUnitInput{DonorID: 1, CollectionDate: tomorrow}, ErrValidation},
		{"negative volume", staff, AddUnitInput{DonorID: 1, CollectionDate: testNow, VolumeML: -5}, ErrValidation},
		{"expiry before collection", staff, AddUnitInput{DonorID: 1, CollectionDate: testNow, ExpiryDate: &yesterday}, ErrValidation},
		{"long location", staff, AddUnitInput{DonorID: 1, CollectionDate: testNow, StorageLocation: strings.Repeat("x", 300)}, ErrValidation},
		{"missing donor", staff, AddUnitInput{DonorID: 99, CollectionDate: testNow}, ErrDonorNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			if _, err := f.svc.AddUnit(context.Background(), tt.actor, tt.in); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if len(f.repo.units) != 0 || len(f.audit.events) != 0 {
				t.Error("rejected input must not be persisted")
			}
		})
	}
}

func TestAddUnit_ExpiryOverride(t *testing.T) {
	f := newFixture()
	expiry := DateOnly(testNow).AddDate(0, 0, 35)
	u, err := f.svc.AddUnit(context.Background(), staff, AddUnitInput{DonorID: 2, CollectionDate: testNow, ExpiryDate: &expiry, VolumeML: 500})
	if err != nil {
		t.Fatal(err)
	}
	if !u.ExpiryDate.Equal(expiry) || u.VolumeML != 500 {
		t.Errorf("overrides not applied: %+v", u)
	}
}

// -- UpdateStatus --

func TestUpdateStatus_AuditsAndNotifies(t *testing.T) {
	f := newFixture()
	f.seed("BU-OPOS-20261001-0001", BloodTypeOPos, StatusAvailable, 20)

	u, err := f.svc.UpdateStatus(context.Background(), staff, "BU-OPOS-20261001-0001", StatusUsed, "issued to patient X")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Status != StatusUsed {
		t.Errorf("expected used, got %s", u.Status)
	}
	if f.repo.stored(u.UnitID).Status != StatusUsed {
		t.Error("status not persisted")
	}

	events := f.audit.forUnit(u.UnitID)
	if len(events) != 1 {
		t.Fatalf("expected exactly one audit event, got %d", len(events))
	}
	e := events[0]
	if e.Action != audit.ActionStatusChange || e.ActorID != staff.ID || e.ActorRole != staff.Role {
		t.Errorf("unexpected event attribution: %+v", e)
	}
	if e.Before["status"] != "available" || e.After["status"] != "used" || e.Reason != "issued to patient X" {
		t.Errorf("unexpected before/after: %v -> %v (%s)", e.Before, e.After, e.Reason)
	}

	if len(f.notifier.sent) != 1 || f.notifier.sent[0].From != StatusAvailable || f.notifier.sent[0].To != StatusUsed {
		t.Errorf("expected one notification, got %+v", f.notifier.sent)
	}
}

func TestUpdateStatus_UsedIsTerminal(t *testing.T) {
	f := newFixture()
	f.seed("BU-OPOS-20261001-0002", BloodTypeOPos, StatusUsed, 20)

	_, err := f.svc.UpdateStatus(context.Background(), staff, "BU-OPOS-20261001-0002", StatusAvailable, "returned")
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if len(te.Allowed) != 0 {
		t.Errorf("used allows nothing, got %v", te.Allowed)
	}
	if f.repo.stored("BU-OPOS-20261001-0002").Status != StatusUsed {
		t.Error("status must not change")
	}
	if len(f.audit.events) != 0 || len(f.notifier.sent) != 0 {
		t.Error("rejected transition must not be audited or notified")
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.UpdateStatus(context.Background(), staff, "BU-NOPE", StatusUsed, "x"); !errors.Is(err, ErrUnitNotFound) {
		t.Errorf("expected ErrUnitNotFound, got %v", err)
	}
}

func TestUpdateStatus_ConcurrentUpdateConflicts(t *testing.T) {
	f := newFixture()
	f.seed("BU-APOS-20261001-0001", BloodTypeAPos, StatusAvailable, 20)

	var barrier sync.WaitGroup
	barrier.Add(2)
	f.repo.beforeUpdate = func() {
		barrier.Done()
		barrier.Wait()
	}

	targets := []Status{StatusUsed, StatusQuarantined}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, to := range targets {
		wg.Add(1)
		go func(i int, to Status) {
			defer wg.Done()
			_, errs[i] = f.svc.UpdateStatus(context.Background(), staff, "BU-APOS-20261001-0001", to, "concurrent")
		}(i, to)
	}
	wg.Wait()

	var ok, conflict int
	winner := -1
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
			winner = i
		case errors.Is(err, ErrConcurrentModification):
			conflict++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected one success and one conflict, got %d/%d", ok, conflict)
	}
	if got := f.repo.stored("BU-APOS-20261001-0001").Status; got != targets[winner] {
		t.Errorf("persisted status %s does not match winner %s", got, targets[winner])
	}
	if n := len(f.audit.forUnit("BU-APOS-20261001-0001")); n != 1 {
		t.Errorf("expected one audit event, got %d", n)
	}
}

func TestUpdateStatus_AuditFailureRollsBack(t *testing.T) {
	f := newFixture()
	f.seed("BU-OPOS-20261001-0003", BloodTypeOPos, StatusAvailable, 20)
	f.audit.failWith = errors.New("audit table unavailable")

	_, err := f.svc.UpdateStatus(context.Background(), staff, "BU-OPOS-20261001-0003", StatusUsed, "issue")
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	if f.repo.stored("BU-OPOS-20261001-0003").Status != StatusAvailable {
		t.Error("unit change must roll back with the audit write")
	}
	if len(f.notifier.sent) != 0 {
		t.Error("nothing may be notified for a rolled back change")
	}
}

func TestUpdateStatus_NotifierFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	f.seed("BU-OPOS-20261001-0004", BloodTypeOPos, StatusAvailable, 20)
	f.notifier.failWith = errors.New("webhook down")

	if _, err := f.svc.UpdateStatus(context.Background(), staff, "BU-OPOS-20261001-0004", StatusQuarantined, "flagged"); err != nil {
		t.Fatalf("notification failure must not fail the update: %v", err)
	}
	if f.repo.stored("BU-OPOS-20261001-0004").Status != StatusQuarantined {
		t.Error("status not persisted")
	}
}

func TestUpdateStatus_RecordsMetrics(t *testing.T) {
	f := newFixture()
	m := telemetry.New()
	f.svc.SetMetrics(m)
	f.seed("BU-OPOS-20261001-0005", BloodTypeOPos, StatusAvailable, 20)

	_, _ = f.svc.UpdateStatus(context.Background(), staff, "BU-OPOS-20261001-0005", StatusUsed, "issue")
	_, _ = f.svc.UpdateStatus(context.Background(), staff, "BU-OPOS-20261001-0005", StatusAvailable, "undo")

	if got := testutil.ToFloat64(m.Operations.WithLabelValues("update_status", "ok")); got != 1 {
		t.Errorf("expected 1 ok operation, got %v", got)
	}
	if got := testutil.ToFloat64(m.Operations.WithLabelValues("update_status", "invalid_transition")); got != 1 {
		t.Errorf("expected 1 rejected operation, got %v", got)
	}
	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("available", "used")); got != 1 {
		t.Errorf("expected 1 transition, got %v", got)
	}
}

// -- CorrectStatus --

func TestCorrectStatus(t *testing.T) {
	f := newFixture()
	f.seed("BU-OPOS-20261001-0006", BloodTypeOPos, StatusExpired, 10)
	f.seed("BU-OPOS-20261001-0007", BloodTypeOPos, StatusExpired, -2)

	u, err := f.svc.CorrectStatus(context.Background(), admin, "BU-OPOS-20261001-0006", StatusAvailable, "marked expired in error")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.Status != StatusAvailable {
		t.Errorf("expected available, got %s", u.Status)
	}
	if e := f.audit.forUnit(u.UnitID); len(e) != 1 || e[0].Action != audit.ActionStatusCorrect {
		t.Errorf("expected one correction event, got %+v", e)
	}

	if _, err := f.svc.CorrectStatus(context.Background(), admin, "BU-OPOS-20261001-0007", StatusAvailable, "x"); !errors.Is(err, ErrValidation) {
		t.Errorf("past-expiry unit must not become available, got %v", err)
	}
	if _, err := f.svc.CorrectStatus(context.Background(), admin, "BU-OPOS-20261001-0007", StatusQuarantined, "hold for review"); err != nil {
		t.Errorf("quarantine correction should succeed: %v", err)
	}
}

func TestCorrectStatus_OnlyFromExpired(t *testing.T) {
	f := newFixture()
	f.seed("BU-OPOS-20261001-0008", BloodTypeOPos, StatusUsed, 10)
	if _, err := f.svc.CorrectStatus(context.Background(), admin, "BU-OPOS-20261001-0008", StatusAvailable, "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

// -- UpdateBloodType --

func TestUpdateBloodType_FromUnknown(t *testing.T) {
	f := newFixture()
	f.seed("BU-UNK-20261001-0001", BloodTypeUnknown, StatusAvailable, 20)

	u, err := f.svc.UpdateBloodType(context.Background(), staff, "BU-UNK-20261001-0001", BloodTypeBNeg, "lab confirmed", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.BloodType != BloodTypeBNeg || u.UnitID != "BU-UNK-20261001-0001" {
		t.Errorf("expected B- with unchanged id, got %s %s", u.BloodType, u.UnitID)
	}
	e := f.audit.forUnit(u.UnitID)
	if len(e) != 1 || e[0].Before["blood_type"] != "Unknown" || e[0].After["blood_type"] != "B-" {
		t.Errorf("unexpected audit: %+v", e)
	}
}

func TestUpdateBloodType_ConfirmedNeedsOverride(t *testing.T) {
	f := newFixture()
	f.seed("BU-APOS-20261001-0002", BloodTypeAPos, StatusAvailable, 20)

	if _, err := f.svc.UpdateBloodType(context.Background(), staff, "BU-APOS-20261001-0002", BloodTypeANeg, "retest", false); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	u, err := f.svc.UpdateBloodType(context.Background(), staff, "BU-APOS-20261001-0002", BloodTypeANeg, "retest", true)
	if err != nil {
		t.Fatalf("override should succeed: %v", err)
	}
	if u.BloodType != BloodTypeANeg {
		t.Errorf("expected A-, got %s", u.BloodType)
	}
	e := f.audit.forUnit(u.UnitID)
	if len(e) != 1 || e[0].After["override"] != true {
		t.Errorf("expected one audited override, got %+v", e)
	}
}

func TestUpdateBloodType_Validation(t *testing.T) {
	f := newFixture()
	f.seed("BU-UNK-20261001-0002", BloodTypeUnknown, StatusAvailable, 20)

	if _, err := f.svc.UpdateBloodType(context.Background(), staff, "BU-UNK-20261001-0002", BloodTypeOPos, " ", false); !errors.Is(err, ErrValidation) {
		t.Errorf("missing reason: got %v", err)
	}
	if _, err := f.svc.UpdateBloodType(context.Background(), staff, "BU-UNK-20261001-0002", BloodType("Q"), "x", false); !errors.Is(err, ErrValidation) {
		t.Errorf("bad type: got %v", err)
	}
	if _, err := f.svc.UpdateBloodType(context.Background(), staff, "BU-UNK-20261001-0002", BloodTypeUnknown, "x", true); !errors.Is(err, ErrValidation) {
		t.Errorf("unchanged type: got %v", err)
	}
	if len(f.audit.events) != 0 {
		t.Error("rejected updates must not be audited")
	}
}

func TestUpdateBloodType_StoresCanonicalValue(t *testing.T) {
	f := newFixture()
	f.seed("BU-UNK-20261001-0003", BloodTypeUnknown, StatusAvailable, 20)

	u, err := f.svc.UpdateBloodType(context.Background(), staff, "BU-UNK-20261001-0003", BloodType("ABNEG"), "lab confirmed", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.BloodType != BloodTypeABNeg || f.repo.stored(u.UnitID).BloodType != BloodTypeABNeg {
		t.Errorf("expected AB- to be stored, got %q", f.repo.stored(u.UnitID).BloodType)
	}
}

// -- UpdateScreening / UpdateStorage --

func TestUpdateScreening_StoresCanonicalValue(t *testing.T) {
	f := newFixture()
	u := f.seed("BU-OPOS-20261001-0013", BloodTypeOPos, StatusAvailable, 20)
	u.ScreeningStatus = ScreeningPending
	f.repo.put(u)

	got, err := f.svc.UpdateScreening(context.Background(), staff, u.UnitID, ScreeningStatus(" FAILED "), "HCV reactive")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ScreeningStatus != ScreeningFailed || got.Status != StatusQuarantined {
		t.Errorf("expected failed/quarantined, got %q/%s", got.ScreeningStatus, got.Status)
	}
	if f.repo.stored(u.UnitID).ScreeningStatus != ScreeningFailed {
		t.Errorf("expected canonical value persisted, got %q", f.repo.stored(u.UnitID).ScreeningStatus)
	}
}

func TestUpdateScreening_FailedQuarantines(t *testing.T) {
	f := newFixture()
	u := f.seed("BU-OPOS-20261001-0009", BloodTypeOPos, StatusAvailable, 20)
	u.ScreeningStatus = ScreeningPending
	f.repo.put(u)

	got, err := f.svc.UpdateScreening(context.Background(), staff, u.UnitID, ScreeningFailed, "HBV reactive")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusQuarantined || got.ScreeningStatus != ScreeningFailed {
		t.Errorf("expected quarantined/failed, got %s/%s", got.Status, got.ScreeningStatus)
	}
	e := f.audit.forUnit(u.UnitID)
	if len(e) != 1 || e[0].Action != audit.ActionScreening || e[0].After["status"] != "quarantined" {
		t.Errorf("expected a single screening event, got %+v", e)
	}
	if len(f.notifier.sent) != 1 {
		t.Errorf("expected quarantine notification, got %d", len(f.notifier.sent))
	}
}

func TestUpdateScreening_PassedKeepsStatus(t *testing.T) {
	f := newFixture()
	u := f.seed("BU-OPOS-20261001-0010", BloodTypeOPos, StatusAvailable, 20)
	u.ScreeningStatus = ScreeningPending
	f.repo.put(u)

	got, err := f.svc.UpdateScreening(context.Background(), staff, u.UnitID, ScreeningPassed, "all clear")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusAvailable {
		t.Errorf("expected available, got %s", got.Status)
	}
	if len(f.notifier.sent) != 0 {
		t.Error("no status change, no notification")
	}
}

func TestUpdateStorage(t *testing.T) {
	f := newFixture()
	f.seed("BU-OPOS-20261001-0011", BloodTypeOPos, StatusAvailable, 20)
	f.seed("BU-OPOS-20261001-0012", BloodTypeOPos, StatusUsed, 20)

	u, err := f.svc.UpdateStorage(context.Background(), staff, "BU-OPOS-20261001-0011", " Fridge 7 ", "rebalancing")
	if err != nil {
		t.Fatal(err)
	}
	if u.StorageLocation != "Fridge 7" {
		t.Errorf("expected trimmed location, got %q", u.StorageLocation)
	}
	if _, err := f.svc.UpdateStorage(context.Background(), staff, "BU-OPOS-20261001-0012", "Fridge 7", "x"); !errors.Is(err, ErrValidation) {
		t.Errorf("issued unit cannot move, got %v", err)
	}
	if _, err := f.svc.UpdateStorage(context.Background(), staff, "BU-OPOS-20261001-0011", "", "x"); !errors.Is(err, ErrValidation) {
		t.Errorf("empty location, got %v", err)
	}
}

// -- DeleteUnit / History --

func TestDeleteUnit(t *testing.T) {
	f := newFixture()
	f.seed("BU-OPOS-20261001-0013", BloodTypeOPos, StatusAvailable, 20)

	if err := f.svc.DeleteUnit(context.Background(), admin, "BU-OPOS-20261001-0013", ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected reason to be required, got %v", err)
	}
	if err := f.svc.DeleteUnit(context.Background(), admin, "BU-OPOS-20261001-0013", "entered twice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := f.svc.GetUnit(context.Background(), "BU-OPOS-20261001-0013"); !errors.Is(err, ErrUnitNotFound) {
		t.Errorf("deleted unit must be invisible, got %v", err)
	}
	stored := f.repo.stored("BU-OPOS-20261001-0013")
	if stored == nil || !stored.Deleted() || *stored.DeleteReason != "entered twice" {
		t.Error("row must be kept with its delete reason")
	}
	if err := f.svc.DeleteUnit(context.Background(), admin, "BU-OPOS-20261001-0013", "again"); !errors.Is(err, ErrUnitNotFound) {
		t.Errorf("expected ErrUnitNotFound on second delete, got %v", err)
	}

	events, err := f.svc.History(context.Background(), "BU-OPOS-20261001-0013")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Action != audit.ActionUnitDelete || events[0].Before["status"] != "available" {
		t.Errorf("unexpected history: %+v", events)
	}
}

func TestHistory_UnknownUnit(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.History(context.Background(), "BU-NONE"); !errors.Is(err, ErrUnitNotFound) {
		t.Errorf("expected ErrUnitNotFound, got %v", err)
	}
}

// -- Query --

func seedQueryData(f *fixture) {
	for i := 1; i <= 25; i++ {
		f.seed(fmt.Sprintf("BU-APOS-20261001-%04d", i), BloodTypeAPos, StatusAvailable, i)
	}
	for i := 1; i <= 4; i++ {
		f.seed(fmt.Sprintf("BU-APOS-20261002-%04d", i), BloodTypeAPos, StatusUsed, 10)
		f.seed(fmt.Sprintf("BU-ONEG-20261002-%04d", i), BloodTypeONeg, StatusAvailable, 10)
	}
}

func TestQuery_FiltersAndPages(t *testing.T) {
	f := newFixture()
	seedQueryData(f)
	bt, st := BloodTypeAPos, StatusAvailable

	res, err := f.svc.Query(context.Background(), QueryParams{
		Filters: Filters{BloodType: &bt, Status: &st}, Page: 1, PageSize: 20,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Items) != 20 || res.TotalCount != 25 {
		t.Errorf("expected 20 of 25, got %d of %d", len(res.Items), res.TotalCount)
	}

	res, _ = f.svc.Query(context.Background(), QueryParams{
		Filters: Filters{BloodType: &bt, Status: &st}, Page: 2, PageSize: 20,
	})
	if len(res.Items) != 5 {
		t.Errorf("expected 5 items on page 2, got %d", len(res.Items))
	}
}

func TestQuery_Idempotent(t *testing.T) {
	f := newFixture()
	seedQueryData(f)
	p := QueryParams{Page: 2, PageSize: 10, SortField: "expiry_date", SortOrder: "asc"}

	a, err := f.svc.Query(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := f.svc.Query(context.Background(), p)
	if a.TotalCount != b.TotalCount || len(a.Items) != len(b.Items) {
		t.Fatalf("results differ: %d/%d vs %d/%d", len(a.Items), a.TotalCount, len(b.Items), b.TotalCount)
	}
	for i := range a.Items {
		if a.Items[i].UnitID != b.Items[i].UnitID {
			t.Errorf("position %d: %s vs %s", i, a.Items[i].UnitID, b.Items[i].UnitID)
		}
	}
}

func TestQuery_FallsBackOnBadPaging(t *testing.T) {
	f := newFixture()
	seedQueryData(f)

	res, err := f.svc.Query(context.Background(), QueryParams{Page: -3, PageSize: 7, SortField: "donor_id; DROP TABLE"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Page != 1 || res.PageSize != 20 || len(res.Items) != 20 {
		t.Errorf("expected defaults, got page %d size %d items %d", res.Page, res.PageSize, len(res.Items))
	}

	res, err = f.svc.Query(context.Background(), QueryParams{Page: math.MaxInt, PageSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	if res.Page != 1 || res.TotalCount != 33 || len(res.Items) != 33 {
		t.Errorf("expected first page for an out-of-range page, got page %d items %d of %d", res.Page, len(res.Items), res.TotalCount)
	}
}

func TestQuery_UrgencyAndText(t *testing.T) {
	f := newFixture()
	seedQueryData(f)
	soon := UrgencyExpiringSoon

	res, err := f.svc.Query(context.Background(), QueryParams{Filters: Filters{Urgency: &soon}, PageSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range res.Items {
		if u.Urgency != UrgencyExpiringSoon {
			t.Errorf("%s: urgency %s leaked into expiring_soon filter", u.UnitID, u.Urgency)
		}
	}
	if res.TotalCount != 7 {
		t.Errorf("expected 7 units expiring within a week, got %d", res.TotalCount)
	}

	res, _ = f.svc.Query(context.Background(), QueryParams{Filters: Filters{Search: "onEG"}, PageSize: 100})
	if res.TotalCount != 4 {
		t.Errorf("expected 4 O- units by text, got %d", res.TotalCount)
	}
	res, _ = f.svc.Query(context.Background(), QueryParams{Filters: Filters{Search: "ada obi"}, PageSize: 100})
	if res.TotalCount != 33 {
		t.Errorf("expected donor name search to match all 33 units, got %d", res.TotalCount)
	}
}

// -- ExpireDue / ListOrphans --

func TestExpireDue(t *testing.T) {
	f := newFixture()
	m := telemetry.New()
	f.svc.SetMetrics(m)
	f.seed("BU-OPOS-20260901-0001", BloodTypeOPos, StatusAvailable, -1)
	f.seed("BU-OPOS-20260901-0002", BloodTypeOPos, StatusQuarantined, -3)
	f.seed("BU-OPOS-20260901-0003", BloodTypeOPos, StatusUsed, -3)
	f.seed("BU-OPOS-20260901-0004", BloodTypeOPos, StatusAvailable, 0)

	n, err := f.svc.ExpireDue(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 expired, got %d", n)
	}
	for id, want := range map[string]Status{
		"BU-OPOS-20260901-0001": StatusExpired,
		"BU-OPOS-20260901-0002": StatusExpired,
		"BU-OPOS-20260901-0003": StatusUsed,
		"BU-OPOS-20260901-0004": StatusAvailable,
	} {
		if got := f.repo.stored(id).Status; got != want {
			t.Errorf("%s: expected %s, got %s", id, want, got)
		}
	}
	e := f.audit.forUnit("BU-OPOS-20260901-0001")
	if len(e) != 1 || e[0].Action != audit.ActionStatusExpire || e[0].ActorID != auth.SystemActor.ID {
		t.Errorf("unexpected sweep audit: %+v", e)
	}
	if got := testutil.ToFloat64(m.SweepExpired); got != 2 {
		t.Errorf("expected sweep counter 2, got %v", got)
	}

	if n, _ := f.svc.ExpireDue(context.Background()); n != 0 {
		t.Errorf("second sweep must be a no-op, got %d", n)
	}
}

func TestListOrphans(t *testing.T) {
	f := newFixture()
	f.seed("BU-OPOS-20261001-0020", BloodTypeOPos, StatusAvailable, 20)
	orphan := f.seed("BU-OPOS-20261001-0021", BloodTypeOPos, StatusAvailable, 20)
	orphan.DonorID = 404
	f.repo.put(orphan)

	units, err := f.svc.ListOrphans(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 1 || units[0].UnitID != "BU-OPOS-20261001-0021" {
		t.Errorf("expected one orphan, got %+v", units)
	}
}
