// Package legal governs the legal status of a clinical session: which
// status changes are allowed and which edits a status still permits.
package legal

import (
	"fmt"
	"strings"
)

// Status is the legal lifecycle stage of a clinical session.
type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusSigned        Status = "SIGNED"
	StatusAmended       Status = "AMENDED"
	StatusVoided        Status = "VOIDED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusDraft, StatusPendingReview, StatusSigned, StatusAmended, StatusVoided}

var transitions = map[Status][]Status{
	StatusDraft:         {StatusPendingReview, StatusSigned},
	StatusPendingReview: {StatusSigned},
	StatusSigned:        {StatusAmended, StatusVoided},
	StatusAmended:       {StatusAmended, StatusVoided},
	StatusVoided:        {},
}

// ParseStatus converts s into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown legal status %q", s)
	}
	return st, nil
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// AllowedTransitions returns the explicit outgoing edges of from. The
// implicit self-transition is only included where it is a real edge.
func AllowedTransitions(from Status) []Status {
	return append([]Status(nil), transitions[from]...)
}

func hasEdge(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransition reports whether from may move to to. Staying in the same
// status is always permitted and changes nothing.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	return hasEdge(from, to)
}

// IsTerminal reports whether s admits no further status changes.
func IsTerminal(s Status) bool {
	return s == StatusVoided
}

// IsImmutable reports whether ordinary field edits are rejected in s.
func IsImmutable(s Status) bool {
	switch s {
	case StatusSigned, StatusAmended, StatusVoided:
		return true
	}
	return false
}

// CanAmend reports whether a session in s may receive an addendum.
func CanAmend(s Status) bool {
	return hasEdge(s, StatusAmended)
}

// CanVoid reports whether a session in s may be voided.
func CanVoid(s Status) bool {
	return hasEdge(s, StatusVoided)
}

// ValidateTransition returns nil when from may move to to.
func ValidateTransition(from, to Status, sessionID string) error {
	if from == to && from.Valid() {
		return nil
	}
	if IsTerminal(from) {
		return &Error{Code: ErrFinalState, SessionID: sessionID, From: from, To: to}
	}
	if !hasEdge(from, to) {
		return &Error{Code: ErrInvalidTransition, SessionID: sessionID, From: from, To: to, Allowed: AllowedTransitions(from)}
	}
	return nil
}

// ValidateCanUpdate rejects ordinary content edits to locked or signed
// sessions. Corrections to those go through addenda.
func ValidateCanUpdate(status Status, isLocked bool, sessionID string) error {
	if isLocked {
		return &Error{Code: ErrSessionLocked, SessionID: sessionID, From: status}
	}
	if IsImmutable(status) {
		return &Error{Code: ErrImmutableState, SessionID: sessionID, From: status}
	}
	return nil
}

// ValidateCanDelete rejects deletion while a legal hold exists, whatever
// the status.
func ValidateCanDelete(hasLegalHold bool, sessionID string) error {
	if hasLegalHold {
		return &Error{Code: ErrLegalHoldActive, SessionID: sessionID}
	}
	return nil
}
