package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEventType_String(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		expected  string
	}{
		{"session registered", EventSessionRegistered, "session:registered"},
		{"lock acquired", EventLockAcquired, "lock:acquired"},
		{"lock extended", EventLockExtended, "lock:extended"},
		{"state changed", EventStateChanged, "state:changed"},
		{"delegation added", EventDelegationAdded, "delegation:added"},
		{"persistence fallback", EventPersistenceFallback, "persistence:fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.eventType) != tt.expected {
				t.Errorf("EventType = %v, want %v", tt.eventType, tt.expected)
			}
		})
	}
}

func TestPriorityConstants(t *testing.T) {
	if PriorityCritical != 1 {
		t.Errorf("PriorityCritical = %d, want 1", PriorityCritical)
	}
	if PriorityHigh != 2 {
		t.Errorf("PriorityHigh = %d, want 2", PriorityHigh)
	}
	if PriorityNormal != 3 {
		t.Errorf("PriorityNormal = %d, want 3", PriorityNormal)
	}
	if PriorityLow != 4 {
		t.Errorf("PriorityLow = %d, want 4", PriorityLow)
	}
}

func TestEvent_JSON(t *testing.T) {
	original := &Event{
		ID:       "test-id-123",
		Type:     EventSessionHeartbeat,
		Source:   "registry",
		Target:   "session-1",
		Priority: PriorityHigh,
		Payload: map[string]interface{}{
			"sessionId": "session-1",
			"count":     42,
		},
		CreatedAt: time.Date(2025, 12, 8, 10, 0, 0, 0, time.UTC),
	}

	jsonData, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Failed to marshal event: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(jsonData, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal event: %v", err)
	}

	if decoded.ID != original.ID {
		t.Errorf("ID = %v, want %v", decoded.ID, original.ID)
	}
	if decoded.Type != original.Type {
		t.Errorf("Type = %v, want %v", decoded.Type, original.Type)
	}
	if decoded.Source != original.Source {
		t.Errorf("Source = %v, want %v", decoded.Source, original.Source)
	}
	if decoded.Target != original.Target {
		t.Errorf("Target = %v, want %v", decoded.Target, original.Target)
	}
	if decoded.Priority != original.Priority {
		t.Errorf("Priority = %v, want %v", decoded.Priority, original.Priority)
	}
	if !decoded.CreatedAt.Equal(original.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", decoded.CreatedAt, original.CreatedAt)
	}
	if decoded.Payload["sessionId"] != "session-1" {
		t.Errorf("Payload.sessionId = %v, want 'session-1'", decoded.Payload["sessionId"])
	}
	if int(decoded.Payload["count"].(float64)) != 42 {
		t.Errorf("Payload.count = %v, want 42", decoded.Payload["count"])
	}
}

func TestNewEvent(t *testing.T) {
	beforeCreate := time.Now()

	event := NewEvent(EventDelegationAdded, "registry", "session-1", PriorityNormal, map[string]interface{}{
		"delegationId": "d-123",
	})

	afterCreate := time.Now()

	if event.ID == "" {
		t.Error("NewEvent did not generate ID")
	}
	if len(event.ID) != 36 {
		t.Errorf("Generated ID has unexpected length: %d, want 36", len(event.ID))
	}

	if event.CreatedAt.IsZero() {
		t.Error("NewEvent did not set CreatedAt timestamp")
	}
	if event.CreatedAt.Before(beforeCreate) || event.CreatedAt.After(afterCreate) {
		t.Errorf("CreatedAt timestamp %v is outside expected range [%v, %v]",
			event.CreatedAt, beforeCreate, afterCreate)
	}

	if event.Type != EventDelegationAdded {
		t.Errorf("Type = %v, want %v", event.Type, EventDelegationAdded)
	}
	if event.Source != "registry" {
		t.Errorf("Source = %v, want 'registry'", event.Source)
	}
	if event.Target != "session-1" {
		t.Errorf("Target = %v, want 'session-1'", event.Target)
	}
	if event.Priority != PriorityNormal {
		t.Errorf("Priority = %v, want %v", event.Priority, PriorityNormal)
	}
	if event.Payload["delegationId"] != "d-123" {
		t.Errorf("Payload.delegationId = %v, want 'd-123'", event.Payload["delegationId"])
	}
}

func TestAllEventTypes(t *testing.T) {
	types := AllEventTypes()

	expectedCount := 37
	if len(types) != expectedCount {
		t.Errorf("AllEventTypes returned %d types, want %d", len(types), expectedCount)
	}

	typeMap := make(map[EventType]bool)
	for _, et := range types {
		typeMap[et] = true
	}

	mustHave := []EventType{
		EventSessionRegistered, EventLockAcquired, EventChangeRecorded,
		EventConflictDetected, EventStateChanged, EventDelegationAdded,
		EventMetricsSnapshot, EventPersistenceFallback, EventShadowEnabled,
	}

	for _, expected := range mustHave {
		if !typeMap[expected] {
			t.Errorf("AllEventTypes missing event type: %v", expected)
		}
	}
}
