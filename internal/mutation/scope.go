package mutation

import (
	"strings"

	"google.golang.org/api/calendar/v3"

	"github.com/beekhof/calsync/internal/syncerr"
)

// Scope is the breadth of a recurring-event mutation.
type Scope string

const (
	ScopeThis      Scope = "this"
	ScopeAll       Scope = "all"
	ScopeFollowing Scope = "following"
)

// ParseScope accepts "this", "all" or "following" in any case.
func ParseScope(s string) (Scope, error) {
	switch scope := Scope(strings.ToLower(strings.TrimSpace(s))); scope {
	case ScopeThis, ScopeAll, ScopeFollowing:
		return scope, nil
	default:
		return "", syncerr.Validation("mutation.scope", "unknown scope %q", s)
	}
}

// Operation is the kind of mutation requested.
type Operation string

const (
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationMove   Operation = "move"
)

// ParseOperation accepts "update", "delete" or "move" in any case.
func ParseOperation(s string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(s))); op {
	case OperationUpdate, OperationDelete, OperationMove:
		return op, nil
	default:
		return "", syncerr.Validation("mutation.operation", "unknown operation %q", s)
	}
}

// Request is a single mutateEvent call.
type Request struct {
	CalendarID            string
	EventID               string
	DestinationCalendarID string
	Scope                 Scope
	Operation             Operation
	Payload               *calendar.Event
}

// normalize validates r and returns it with scope and operation in their
// canonical form.
func (r Request) normalize() (Request, error) {
	const op = "mutation.request"
	if r.CalendarID == "" || r.EventID == "" {
		return r, syncerr.Validation(op, "calendarId and eventId are required")
	}
	scope, err := ParseScope(string(r.Scope))
	if err != nil {
		return r, err
	}
	operation, err := ParseOperation(string(r.Operation))
	if err != nil {
		return r, err
	}
	r.Scope, r.Operation = scope, operation

	switch r.Operation {
	case OperationUpdate:
		if r.Payload == nil {
			return r, syncerr.Validation(op, "update requires a payload")
		}
	case OperationMove:
		if r.DestinationCalendarID == "" {
			return r, syncerr.Validation(op, "move requires a destination calendar")
		}
	}
	return r, nil
}
