package nats

import (
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamManager manages JetStream streams for the application
type StreamManager struct {
	js nats.JetStreamContext
}

// NewStreamManager creates a new StreamManager with JetStream context
func NewStreamManager(nc *nats.Conn) (*StreamManager, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	return &StreamManager{
		js: js,
	}, nil
}

// SetupStreams creates or updates all required JetStream streams. Each
// stream holds one or more event families from the coordination core's
// emitted event taxonomy, so a relayed event is durable for as long as
// its stream's retention allows; shadow:* events fall in no stream.
func (sm *StreamManager) SetupStreams() error {
	streams := []nats.StreamConfig{
		{
			Name:        "SESSIONS",
			Description: "session:registered|heartbeat|deregistered|expired|childAdded|rollupUpdated",
			Subjects:    []string{"session.>"},
			Storage:     nats.FileStorage,
			MaxAge:      7 * 24 * time.Hour,
			Retention:   nats.LimitsPolicy,
		},
		{
			Name:        "LOCKS",
			Description: "lock:acquired|extended|refreshed|released|expired, locks:cleanup",
			Subjects:    []string{"lock.>", "locks.>"},
			Storage:     nats.MemoryStorage,
			MaxAge:      1 * time.Hour,
			Retention:   nats.LimitsPolicy,
		},
		{
			Name:        "JOURNAL",
			Description: "change:recorded|applied, journal:pruned",
			Subjects:    []string{"change.>", "journal.>"},
			Storage:     nats.FileStorage,
			MaxAge:      7 * 24 * time.Hour,
			Retention:   nats.LimitsPolicy,
		},
		{
			Name:        "CONFLICTS",
			Description: "conflict:detected|resolved, conflicts:pruned",
			Subjects:    []string{"conflict.>", "conflicts.>"},
			Storage:     nats.FileStorage,
			MaxAge:      7 * 24 * time.Hour,
			Retention:   nats.LimitsPolicy,
		},
		{
			Name:        "AGENTS",
			Description: "state:changed, agent:registered|unregistered, delegation:*",
			Subjects:    []string{"state.>", "agent.>", "delegation.>"},
			Storage:     nats.MemoryStorage,
			MaxAge:      24 * time.Hour,
			Retention:   nats.LimitsPolicy,
		},
		{
			Name:        "METRICS",
			Description: "metrics:snapshot|reset|persist|closed, persistence:*",
			Subjects:    []string{"metrics.>", "persistence.>"},
			Storage:     nats.MemoryStorage,
			MaxAge:      1 * time.Hour,
			Retention:   nats.LimitsPolicy,
		},
	}

	// Create or update each stream
	for _, streamCfg := range streams {
		if err := sm.createOrUpdateStream(streamCfg); err != nil {
			return err
		}
	}

	log.Println("[NATS-STREAMS] All streams configured successfully")
	return nil
}

// createOrUpdateStream creates a new stream or updates an existing one
func (sm *StreamManager) createOrUpdateStream(cfg nats.StreamConfig) error {
	// Try to get existing stream info
	info, err := sm.js.StreamInfo(cfg.Name)

	if err != nil {
		// Stream doesn't exist, create it
		if err == nats.ErrStreamNotFound {
			log.Printf("[NATS-STREAMS] Creating stream %s with subjects %v", cfg.Name, cfg.Subjects)
			_, err := sm.js.AddStream(&cfg)
			if err != nil {
				log.Printf("[NATS-STREAMS] Error creating stream %s: %v", cfg.Name, err)
				return err
			}
			log.Printf("[NATS-STREAMS] Stream %s created successfully", cfg.Name)
			return nil
		}

		// Other error occurred
		log.Printf("[NATS-STREAMS] Error getting stream info for %s: %v", cfg.Name, err)
		return err
	}

	// Stream exists, update it if needed
	log.Printf("[NATS-STREAMS] Stream %s already exists, updating configuration", cfg.Name)
	_, err = sm.js.UpdateStream(&cfg)
	if err != nil {
		log.Printf("[NATS-STREAMS] Error updating stream %s: %v", cfg.Name, err)
		return err
	}

	log.Printf("[NATS-STREAMS] Stream %s updated successfully (messages: %d)", cfg.Name, info.State.Msgs)
	return nil
}

// DeleteStream deletes a stream by name (useful for cleanup/testing)
func (sm *StreamManager) DeleteStream(name string) error {
	log.Printf("[NATS-STREAMS] Deleting stream %s", name)
	err := sm.js.DeleteStream(name)
	if err != nil {
		log.Printf("[NATS-STREAMS] Error deleting stream %s: %v", name, err)
		return err
	}
	log.Printf("[NATS-STREAMS] Stream %s deleted successfully", name)
	return nil
}

// GetStreamInfo returns information about a specific stream
func (sm *StreamManager) GetStreamInfo(name string) (*nats.StreamInfo, error) {
	return sm.js.StreamInfo(name)
}
