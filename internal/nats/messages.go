package nats

import "github.com/coordinationcore/coordination-core/internal/events"

// Subject pattern constants for NATS messaging. Subjects mirror the
// event taxonomy's colon-delimited names with dots, so a NATS wildcard
// subscription ("session.>") maps directly onto one event family.
const (
	SubjectSessionAll     = "session.>"
	SubjectLockAll        = "lock.>"
	SubjectChangeAll      = "change.>"
	SubjectConflictAll    = "conflict.>"
	SubjectStateAll       = "state.>"
	SubjectAgentAll       = "agent.>"
	SubjectDelegationAll  = "delegation.>"
	SubjectMetricsAll     = "metrics.>"
	SubjectPersistenceAll = "persistence.>"

	// SubjectEventRequest is used by coordctl to request a point-in-time
	// snapshot over NATS request/reply instead of the HTTP dashboard feed.
	SubjectEventRequest = "coordination.snapshot.request"
)

// RelayedEvent is the wire envelope for an events.Event forwarded over
// NATS, so a remote subscriber reconstructs the same structure the
// in-process event bus delivers.
type RelayedEvent struct {
	Type      events.EventType       `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target,omitempty"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// subjectForEvent maps an event type onto its dot-delimited NATS
// subject, e.g. "session:registered" -> "session.registered".
func subjectForEvent(t events.EventType) string {
	s := string(t)
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			out[i] = '.'
		} else {
			out[i] = s[i]
		}
	}
	return string(out)
}
