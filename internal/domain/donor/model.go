package donor

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("donor not found")

// Donor is the read-only view of a donor owned by the donor management
// system. BloodType is the raw recorded value; inventory parses it.
type Donor struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	BloodType     string `json:"blood_type"`
	ReferenceCode string `json:"reference_code"`
}

// Directory resolves donors for inventory. It returns ErrNotFound for an
// unknown id.
type Directory interface {
	LookupDonor(ctx context.Context, id int64) (*Donor, error)
}
