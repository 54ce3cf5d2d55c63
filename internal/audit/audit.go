// Package audit provides the append-only decision journal. Every policy
// decision and shadow state transition produces exactly one event; sink
// failures are logged by callers and never block progress.
package audit

import (
	"fmt"
	"time"

	"github.com/coworkany/coworkany/internal/policy"
)

// Event is one journaled decision or state transition.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp string                 `json:"timestamp"`
	EventType string                 `json:"event_type"`
	Request   *policy.EffectRequest  `json:"request,omitempty"`
	Response  *policy.EffectResponse `json:"response,omitempty"`
	Note      string                 `json:"note,omitempty"`
}

// Sink consumes audit events. Implementations must be safe for use from
// multiple goroutines.
type Sink interface {
	Log(event Event) error
}

// RequestEvent records the initial policy decision for a request.
func RequestEvent(request *policy.EffectRequest, outcome *policy.Outcome) Event {
	return Event{
		ID:        "audit-" + request.ID,
		Timestamp: now(),
		EventType: "request",
		Request:   request,
		Note:      fmt.Sprintf("Policy decision: %s", outcome.Decision),
	}
}

// ConfirmedEvent records a user confirmation.
func ConfirmedEvent(request *policy.EffectRequest, remember bool) Event {
	return Event{
		ID:        "audit-confirm-" + request.ID,
		Timestamp: now(),
		EventType: "confirmed",
		Request:   request,
		Note:      fmt.Sprintf("User confirmed (remember: %v)", remember),
	}
}

// DeniedEvent records a user denial.
func DeniedEvent(request *policy.EffectRequest, reason string) Event {
	return Event{
		ID:        "audit-denied-" + request.ID,
		Timestamp: now(),
		EventType: "denied",
		Request:   request,
		Note:      reason,
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
