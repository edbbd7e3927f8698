package nats

import (
	"log"
	"sync"

	natsgo "github.com/nats-io/nats.go"

	"github.com/coordinationcore/coordination-core/internal/events"
)

// relayQueueGroup is the NATS queue group relay subscribers share, so
// multiple core instances attached to the same deployment split the
// load of a relayed subject rather than each receiving every message.
const relayQueueGroup = "relay-workers"

// Relay bridges the in-process event bus to NATS: every event published
// locally is forwarded to its subject via Client.PublishEvent, and a
// Relay running in another process can subscribe to the same subjects
// to observe coordination activity without touching the coordination
// store directly. Grounded on the teacher's Handler (subscription
// lifecycle, queue-group dispatch for load-shared consumers),
// generalized from agent/Captain message types to the event taxonomy's
// RelayedEvent envelope.
type Relay struct {
	client *Client

	subs   []*natsgo.Subscription
	subsMu sync.Mutex

	running bool
}

// NewRelay creates a new event relay over an existing NATS client.
func NewRelay(client *Client) *Relay {
	return &Relay{client: client}
}

// PublishLocal forwards one locally-observed event onto NATS. Drain an
// events.Bus subscription channel into it, e.g.:
//
//	ch := bus.Subscribe("all", nil)
//	go func() {
//		for e := range ch {
//			relay.PublishLocal(&e)
//		}
//	}()
//
// so every process running a core attached to the same NATS deployment
// can observe the others' activity.
func (r *Relay) PublishLocal(e *events.Event) {
	if err := r.client.PublishEvent(e); err != nil {
		log.Printf("[NATS-RELAY] failed to publish %s: %v", e.Type, err)
	}
}

// Subscribe subscribes to one or more wildcard subjects and invokes fn
// for each relayed event received, queue-grouped so multiple core
// instances share the load rather than each receiving every message.
func (r *Relay) Subscribe(subjects []string, fn func(RelayedEvent)) error {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	subs, err := r.client.SubscribeEvents(subjects, relayQueueGroup, fn)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, subs...)
	r.running = true
	return nil
}

// Stop unsubscribes from every subject the relay is currently watching.
func (r *Relay) Stop() {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
	r.subs = nil
	r.running = false
}

// Running reports whether the relay currently holds any subscriptions.
func (r *Relay) Running() bool {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	return r.running
}
