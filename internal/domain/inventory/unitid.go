package inventory

import (
	"fmt"
	"regexp"
	"time"
)

const DefaultUnitIDPrefix = "BU"

var unitIDPattern = regexp.MustCompile(`^[A-Za-z0-9]+-(APOS|ANEG|BPOS|BNEG|ABPOS|ABNEG|OPOS|ONEG|UNK)-\d{8}-\d{4,}$`)

// Generator builds unit ids of the form PREFIX-TOKEN-YYYYMMDD-NNNN, for
// example BU-OPOS-20261016-0001. Ids with the same prefix sort by blood type,
// then collection day, then sequence. Uniqueness is enforced by the
// repository, not here.
type Generator struct {
	Prefix string
}

func NewGenerator(prefix string) Generator {
	if prefix == "" {
		prefix = DefaultUnitIDPrefix
	}
	return Generator{Prefix: prefix}
}

func (g Generator) Generate(bt BloodType, sequence int, date time.Time) string {
	prefix := g.Prefix
	if prefix == "" {
		prefix = DefaultUnitIDPrefix
	}
	return fmt.Sprintf("%s-%s-%s-%04d", prefix, bt.Token(), date.Format("20060102"), sequence)
}

// ValidUnitID reports whether s has the shape produced by Generate. Handlers
// use it to answer not found without a database round trip.
func ValidUnitID(s string) bool {
	return unitIDPattern.MatchString(s)
}
