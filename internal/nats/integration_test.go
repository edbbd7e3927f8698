package nats

import (
	"sync"
	"testing"
	"time"

	"github.com/coordinationcore/coordination-core/internal/events"
)

// TestNATSIntegration_SessionEventRelayFlow exercises the full relay path:
// one process publishes session heartbeat events, another observes them
// over NATS via a wildcard subscription.
func TestNATSIntegration_SessionEventRelayFlow(t *testing.T) {
	server, err := NewEmbeddedServer(EmbeddedServerConfig{Port: 14300})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Shutdown()

	producerClient, err := NewClient(server.URL())
	if err != nil {
		t.Fatalf("Failed to create producer client: %v", err)
	}
	defer producerClient.Close()
	producer := NewRelay(producerClient)

	observerClient, err := NewClient(server.URL())
	if err != nil {
		t.Fatalf("Failed to create observer client: %v", err)
	}
	defer observerClient.Close()
	observer := NewRelay(observerClient)

	var received []RelayedEvent
	var mu sync.Mutex
	if err := observer.Subscribe([]string{SubjectSessionAll}, func(e RelayedEvent) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer observer.Stop()

	for i := 0; i < 3; i++ {
		e := events.NewEvent(events.EventSessionHeartbeat, "registry", "sess-1", events.PriorityNormal, map[string]interface{}{"n": i})
		producer.PublishLocal(e)
		time.Sleep(50 * time.Millisecond)
	}

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	count := len(received)
	mu.Unlock()
	if count != 3 {
		t.Errorf("Expected 3 relayed events, got %d", count)
	}
}

// TestNATSIntegration_SubjectMappingSeparatesEventFamilies verifies a
// subscriber watching one event family's subject never receives
// another family's relayed events.
func TestNATSIntegration_SubjectMappingSeparatesEventFamilies(t *testing.T) {
	server, err := NewEmbeddedServer(EmbeddedServerConfig{Port: 14301})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Shutdown()

	producerClient, err := NewClient(server.URL())
	if err != nil {
		t.Fatalf("Failed to create producer client: %v", err)
	}
	defer producerClient.Close()
	producer := NewRelay(producerClient)

	observerClient, err := NewClient(server.URL())
	if err != nil {
		t.Fatalf("Failed to create observer client: %v", err)
	}
	defer observerClient.Close()
	observer := NewRelay(observerClient)

	var lockEvents, sessionEvents int
	var mu sync.Mutex
	if err := observer.Subscribe([]string{SubjectLockAll}, func(e RelayedEvent) {
		mu.Lock()
		if e.Type == events.EventSessionRegistered {
			sessionEvents++
		} else {
			lockEvents++
		}
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer observer.Stop()

	producer.PublishLocal(events.NewEvent(events.EventSessionRegistered, "registry", "", events.PriorityNormal, nil))
	producer.PublishLocal(events.NewEvent(events.EventLockAcquired, "coordstore", "res-1", events.PriorityHigh, nil))
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if lockEvents != 1 {
		t.Errorf("Expected 1 lock event observed, got %d", lockEvents)
	}
	if sessionEvents != 0 {
		t.Errorf("Expected 0 session events observed on the lock subject, got %d", sessionEvents)
	}
}

// TestNATSIntegration_MultipleProducersShareQueueGroup verifies several
// concurrent event producers all land at a single queue-grouped relay.
func TestNATSIntegration_MultipleProducersShareQueueGroup(t *testing.T) {
	server, err := NewEmbeddedServer(EmbeddedServerConfig{Port: 14302})
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	defer server.Shutdown()

	observerClient, err := NewClient(server.URL())
	if err != nil {
		t.Fatalf("Failed to create observer client: %v", err)
	}
	defer observerClient.Close()
	observer := NewRelay(observerClient)

	var total int
	var mu sync.Mutex
	if err := observer.Subscribe([]string{SubjectMetricsAll}, func(e RelayedEvent) {
		mu.Lock()
		total++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	defer observer.Stop()

	producerCount := 5
	eventsPerProducer := 10
	var wg sync.WaitGroup
	for i := 0; i < producerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client, err := NewClient(server.URL())
			if err != nil {
				t.Errorf("Failed to create producer client: %v", err)
				return
			}
			defer client.Close()
			relay := NewRelay(client)
			for j := 0; j < eventsPerProducer; j++ {
				relay.PublishLocal(events.NewEvent(events.EventMetricsSnapshot, "metrics", "", events.PriorityLow, nil))
				time.Sleep(5 * time.Millisecond)
			}
		}()
	}
	wg.Wait()
	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	got := total
	mu.Unlock()
	want := producerCount * eventsPerProducer
	if got != want {
		t.Errorf("Expected %d total relayed events, got %d", want, got)
	}
}
