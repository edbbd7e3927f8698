package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of a coordination-core event. Names are the
// wire contract consumed by the dashboard feed and the NATS relay.
type EventType string

const (
	EventSessionRegistered    EventType = "session:registered"
	EventSessionHeartbeat     EventType = "session:heartbeat"
	EventSessionDeregistered  EventType = "session:deregistered"
	EventSessionExpired       EventType = "session:expired"
	EventSessionChildAdded    EventType = "session:childAdded"
	EventSessionRollupUpdated EventType = "session:rollupUpdated"

	EventLockAcquired  EventType = "lock:acquired"
	EventLockExtended  EventType = "lock:extended"
	EventLockRefreshed EventType = "lock:refreshed"
	EventLockReleased  EventType = "lock:released"
	EventLockExpired   EventType = "lock:expired"
	EventLocksCleanup  EventType = "locks:cleanup"

	EventChangeRecorded EventType = "change:recorded"
	EventChangeApplied  EventType = "change:applied"
	EventJournalPruned  EventType = "journal:pruned"

	EventConflictDetected EventType = "conflict:detected"
	EventConflictResolved EventType = "conflict:resolved"
	EventConflictsPruned  EventType = "conflicts:pruned"

	EventStateChanged EventType = "state:changed"

	EventAgentRegistered   EventType = "agent:registered"
	EventAgentUnregistered EventType = "agent:unregistered"

	EventDelegationAdded     EventType = "delegation:added"
	EventDelegationUpdated   EventType = "delegation:updated"
	EventDelegationRetry     EventType = "delegation:retry"
	EventDelegationTimeout   EventType = "delegation:timeout"
	EventDelegationStarted   EventType = "delegation:started"
	EventDelegationCompleted EventType = "delegation:completed"

	EventMetricsSnapshot EventType = "metrics:snapshot"
	EventMetricsReset    EventType = "metrics:reset"
	EventMetricsPersist  EventType = "metrics:persist"
	EventMetricsClosed   EventType = "metrics:closed"

	EventPersistenceFallback        EventType = "persistence:fallback"
	EventPersistenceReconnected     EventType = "persistence:reconnected"
	EventPersistenceRecoveryAttempt EventType = "persistence:recoveryAttempt"
	EventPersistenceRecoveryExhaust EventType = "persistence:recoveryExhausted"

	EventShadowEnabled  EventType = "shadow:enabled"
	EventShadowDisabled EventType = "shadow:disabled"
)

// Priority constants for events. Lower values sort first in the durable
// outbox (events.SQLiteStore orders by priority ascending).
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Event represents a coordination-core event that can be published and
// subscribed to across the registry, state machine, store, and governor.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewEvent creates a new event with auto-generated ID and timestamp.
func NewEvent(eventType EventType, source, target string, priority int, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Target:    target,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// AllEventTypes returns every event type the core is contracted to emit.
func AllEventTypes() []EventType {
	return []EventType{
		EventSessionRegistered, EventSessionHeartbeat, EventSessionDeregistered,
		EventSessionExpired, EventSessionChildAdded, EventSessionRollupUpdated,
		EventLockAcquired, EventLockExtended, EventLockRefreshed, EventLockReleased,
		EventLockExpired, EventLocksCleanup,
		EventChangeRecorded, EventChangeApplied, EventJournalPruned,
		EventConflictDetected, EventConflictResolved, EventConflictsPruned,
		EventStateChanged,
		EventAgentRegistered, EventAgentUnregistered,
		EventDelegationAdded, EventDelegationUpdated, EventDelegationRetry,
		EventDelegationTimeout, EventDelegationStarted, EventDelegationCompleted,
		EventMetricsSnapshot, EventMetricsReset, EventMetricsPersist, EventMetricsClosed,
		EventPersistenceFallback, EventPersistenceReconnected,
		EventPersistenceRecoveryAttempt, EventPersistenceRecoveryExhaust,
		EventShadowEnabled, EventShadowDisabled,
	}
}
