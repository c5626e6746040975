package inventory

import "strings"

// Normal lifecycle moves. used and expired have no outgoing entries.
var transitions = map[Status][]Status{
	StatusAvailable:   {StatusUsed, StatusExpired, StatusQuarantined},
	StatusQuarantined: {StatusAvailable, StatusExpired},
}

// Administrative corrections out of expired, audited as status.correct.
var corrections = map[Status][]Status{
	StatusExpired: {StatusAvailable, StatusQuarantined},
}

// AllowedTransitions returns the statuses reachable from from by a normal
// transition.
func AllowedTransitions(from Status) []Status {
	return append([]Status(nil), transitions[from]...)
}

// AllowedCorrections returns the statuses reachable from from by an
// administrative correction.
func AllowedCorrections(from Status) []Status {
	return append([]Status(nil), corrections[from]...)
}

func CanTransition(from, to Status) bool { return contains(transitions[from], to) }

func CanCorrect(from, to Status) bool { return contains(corrections[from], to) }

func contains(set []Status, s Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Transition returns a copy of u moved to status to. The reason may be
// empty only for the automatic, time-based available -> expired move.
// u itself is never modified.
func Transition(u *BloodUnit, to Status, reason string, automatic bool) (*BloodUnit, error) {
	if _, err := ParseStatus(string(to)); err != nil {
		return nil, err
	}
	if !CanTransition(u.Status, to) {
		return nil, &TransitionError{UnitID: u.UnitID, From: u.Status, To: to, Allowed: AllowedTransitions(u.Status)}
	}
	exempt := automatic && u.Status == StatusAvailable && to == StatusExpired
	if strings.TrimSpace(reason) == "" && !exempt {
		return nil, invalid("reason", "a reason is required to move a unit to %s", to)
	}
	next := u.Clone()
	next.Status = to
	return next, nil
}

// Correct returns a copy of u moved out of a terminal status by an
// administrative override. A reason is always required.
func Correct(u *BloodUnit, to Status, reason string) (*BloodUnit, error) {
	if _, err := ParseStatus(string(to)); err != nil {
		return nil, err
	}
	if !CanCorrect(u.Status, to) {
		return nil, &TransitionError{UnitID: u.UnitID, From: u.Status, To: to, Allowed: AllowedCorrections(u.Status)}
	}
	if strings.TrimSpace(reason) == "" {
		return nil, invalid("reason", "a reason is required for a status correction")
	}
	next := u.Clone()
	next.Status = to
	return next, nil
}
