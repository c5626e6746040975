package inventory

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type BloodType string

const (
	BloodTypeAPos    BloodType = "A+"
	BloodTypeANeg    BloodType = "A-"
	BloodTypeBPos    BloodType = "B+"
	BloodTypeBNeg    BloodType = "B-"
	BloodTypeABPos   BloodType = "AB+"
	BloodTypeABNeg   BloodType = "AB-"
	BloodTypeOPos    BloodType = "O+"
	BloodTypeONeg    BloodType = "O-"
	BloodTypeUnknown BloodType = "Unknown"
)

// BloodTypes lists every blood type in display order.
var BloodTypes = []BloodType{
	BloodTypeAPos, BloodTypeANeg, BloodTypeBPos, BloodTypeBNeg,
	BloodTypeABPos, BloodTypeABNeg, BloodTypeOPos, BloodTypeONeg,
	BloodTypeUnknown,
}

var bloodTypeTokens = map[BloodType]string{
	BloodTypeAPos:    "APOS",
	BloodTypeANeg:    "ANEG",
	BloodTypeBPos:    "BPOS",
	BloodTypeBNeg:    "BNEG",
	BloodTypeABPos:   "ABPOS",
	BloodTypeABNeg:   "ABNEG",
	BloodTypeOPos:    "OPOS",
	BloodTypeONeg:    "ONEG",
	BloodTypeUnknown: "UNK",
}

// ParseBloodType accepts the display form ("AB-"), the id token ("ABNEG")
// or "unknown" in any case.
func ParseBloodType(s string) (BloodType, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	for bt, token := range bloodTypeTokens {
		if v == strings.ToUpper(string(bt)) || v == token {
			return bt, nil
		}
	}
	return "", invalid("blood_type", "unknown blood type %q", s)
}

// Token is the identifier-safe form used inside unit ids.
func (b BloodType) Token() string {
	if t, ok := bloodTypeTokens[b]; ok {
		return t
	}
	return bloodTypeTokens[BloodTypeUnknown]
}

// Transfusable reports whether the type is confirmed; Unknown units never
// count toward stock alerts.
func (b BloodType) Transfusable() bool {
	_, ok := bloodTypeTokens[b]
	return ok && b != BloodTypeUnknown
}

type Status string

const (
	StatusAvailable   Status = "available"
	StatusUsed        Status = "used"
	StatusExpired     Status = "expired"
	StatusQuarantined Status = "quarantined"
)

var Statuses = []Status{StatusAvailable, StatusUsed, StatusExpired, StatusQuarantined}

func ParseStatus(s string) (Status, error) {
	v := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, st := range Statuses {
		if v == st {
			return st, nil
		}
	}
	return "", invalid("status", "unknown status %q", s)
}

type ScreeningStatus string

const (
	ScreeningPending ScreeningStatus = "pending"
	ScreeningPassed  ScreeningStatus = "passed"
	ScreeningFailed  ScreeningStatus = "failed"
)

func ParseScreeningStatus(s string) (ScreeningStatus, error) {
	switch v := ScreeningStatus(strings.ToLower(strings.TrimSpace(s))); v {
	case ScreeningPending, ScreeningPassed, ScreeningFailed:
		return v, nil
	}
	return "", invalid("screening_status", "unknown screening status %q", s)
}

type Urgency string

const (
	UrgencyGood         Urgency = "good"
	UrgencyExpiringSoon Urgency = "expiring_soon"
	UrgencyExpired      Urgency = "expired"
)

func ParseUrgency(s string) (Urgency, error) {
	switch v := Urgency(strings.ToLower(strings.TrimSpace(s))); v {
	case UrgencyGood, UrgencyExpiringSoon, UrgencyExpired:
		return v, nil
	}
	return "", invalid("urgency", "unknown urgency %q", s)
}

const DefaultVolumeML = 450

// BloodUnit maps to the blood_unit table. DaysToExpiry and Urgency are
// derived on read and never stored.
type BloodUnit struct {
	ID              uuid.UUID       `json:"id"`
	UnitID          string          `json:"unit_id"`
	DonorID         int64           `json:"donor_id"`
	DonorName       string          `json:"donor_name,omitempty"`
	DonorReference  string          `json:"donor_reference,omitempty"`
	BloodType       BloodType       `json:"blood_type"`
	CollectionDate  time.Time       `json:"collection_date"`
	ExpiryDate      time.Time       `json:"expiry_date"`
	Status          Status          `json:"status"`
	VolumeML        int             `json:"volume_ml"`
	ScreeningStatus ScreeningStatus `json:"screening_status"`
	CollectionSite  string          `json:"collection_site"`
	StorageLocation string          `json:"storage_location"`
	Notes           string          `json:"notes,omitempty"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty"`
	DeletedBy       *string         `json:"deleted_by,omitempty"`
	DeleteReason    *string         `json:"delete_reason,omitempty"`

	DaysToExpiry int     `json:"days_to_expiry"`
	Urgency      Urgency `json:"urgency"`
}

// Deleted reports whether the unit has been soft-deleted.
func (u *BloodUnit) Deleted() bool { return u.DeletedAt != nil }

// Snapshot returns the audited view of a unit, used as the "after" value of
// a create and the "before" value of a delete.
func (u *BloodUnit) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"unit_id":          u.UnitID,
		"donor_id":         u.DonorID,
		"blood_type":       string(u.BloodType),
		"collection_date":  u.CollectionDate.Format(DateLayout),
		"expiry_date":      u.ExpiryDate.Format(DateLayout),
		"status":           string(u.Status),
		"volume_ml":        u.VolumeML,
		"screening_status": string(u.ScreeningStatus),
		"collection_site":  u.CollectionSite,
		"storage_location": u.StorageLocation,
	}
}

// Clone returns a shallow copy safe to mutate without touching u.
func (u *BloodUnit) Clone() *BloodUnit {
	c := *u
	return &c
}

// AddUnitInput carries the fields an operator supplies for a new unit.
// Zero VolumeML means the default; a nil ExpiryDate means the standard shelf
// life from CollectionDate.
type AddUnitInput struct {
	DonorID         int64
	CollectionDate  time.Time
	CollectionSite  string
	StorageLocation string
	VolumeML        int
	ExpiryDate      *time.Time
	Notes           string
}
