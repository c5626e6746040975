package inventory

import "time"

const (
	DefaultShelfLifeDays    = 42
	DefaultExpiringSoonDays = 7

	DateLayout = "2006-01-02"
)

// Classification is the derived expiry view of a unit.
type Classification struct {
	DaysToExpiry int
	Urgency      Urgency
}

// Classifier buckets units by whole calendar days left before expiry.
type Classifier struct {
	ExpiringSoonDays int
}

func NewClassifier(expiringSoonDays int) Classifier {
	if expiringSoonDays < 0 {
		expiringSoonDays = DefaultExpiringSoonDays
	}
	return Classifier{ExpiringSoonDays: expiringSoonDays}
}

// Classify is pure: the same dates always give the same result. A zero
// expiryDate is derived from collectionDate with the standard shelf life.
// A unit stays usable through the end of its expiry date: on that day it has
// 0 days left and is expiring_soon, and it is expired from the next day.
func (c Classifier) Classify(collectionDate, expiryDate, now time.Time) Classification {
	if expiryDate.IsZero() {
		expiryDate = ExpiryFor(collectionDate, DefaultShelfLifeDays)
	}
	days := DaysBetween(now, expiryDate)
	switch {
	case days < 0:
		return Classification{DaysToExpiry: days, Urgency: UrgencyExpired}
	case days <= c.ExpiringSoonDays:
		return Classification{DaysToExpiry: days, Urgency: UrgencyExpiringSoon}
	default:
		return Classification{DaysToExpiry: days, Urgency: UrgencyGood}
	}
}

// Apply fills the derived fields of u.
func (c Classifier) Apply(u *BloodUnit, now time.Time) {
	cl := c.Classify(u.CollectionDate, u.ExpiryDate, now)
	u.DaysToExpiry = cl.DaysToExpiry
	u.Urgency = cl.Urgency
}

// ExpiryWindow returns the inclusive expiry-date range that maps to urgency
// on day now. An unbounded end is returned as the zero time.
func (c Classifier) ExpiryWindow(urgency Urgency, now time.Time) (from, to time.Time) {
	today := DateOnly(now)
	switch urgency {
	case UrgencyExpired:
		return time.Time{}, today.AddDate(0, 0, -1)
	case UrgencyExpiringSoon:
		return today, today.AddDate(0, 0, c.ExpiringSoonDays)
	case UrgencyGood:
		return today.AddDate(0, 0, c.ExpiringSoonDays+1), time.Time{}
	}
	return time.Time{}, time.Time{}
}

// ExpiryFor returns the expiry date of blood collected on collectionDate.
func ExpiryFor(collectionDate time.Time, shelfLifeDays int) time.Time {
	return DateOnly(collectionDate).AddDate(0, 0, shelfLifeDays)
}

// DateOnly returns the UTC calendar date of t, at midnight.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts calendar days from from's date to to's date. Time of day
// is ignored, so the result is exact across DST changes.
func DaysBetween(from, to time.Time) int {
	return int(DateOnly(to).Sub(DateOnly(from)).Hours() / 24)
}
