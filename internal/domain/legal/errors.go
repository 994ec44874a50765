package legal

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTransition = errors.New("invalid legal status transition")
	ErrFinalState        = errors.New("session is in a final legal state")
	ErrSessionLocked     = errors.New("session is locked")
	ErrImmutableState    = errors.New("session legal status does not allow edits")
	ErrLegalHoldActive   = errors.New("session is under legal hold")
)

// Error is a policy rejection from the state machine. Code is one of the
// sentinels above and is matched by errors.Is.
type Error struct {
	Code      error
	SessionID string
	From      Status
	To        Status
	// Allowed is set for ErrInvalidTransition.
	Allowed []Status
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.Error())
	if e.SessionID != "" {
		fmt.Fprintf(&b, " (session %s)", e.SessionID)
	}
	switch {
	case e.Code == ErrInvalidTransition:
		allowed := make([]string, len(e.Allowed))
		for i, s := range e.Allowed {
			allowed[i] = string(s)
		}
		fmt.Fprintf(&b, ": %s -> %s, allowed from %s: [%s]", e.From, e.To, e.From, strings.Join(allowed, ", "))
	case e.To != "":
		fmt.Fprintf(&b, ": %s -> %s", e.From, e.To)
	case e.From != "":
		fmt.Fprintf(&b, ": status %s", e.From)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Code }
