// Package agentstate implements the Hierarchical Agent State Machine
// (component C): optimistic-versioned per-agent state with legal-
// transition enforcement and atomic family (parent + children)
// transitions. No direct teacher analogue exists for this component (the
// teacher tracks agent Status as a flat enum with no version or
// transition table); it is grounded instead on the optimistic-versioning
// shape of other_examples' coordination.go (SharedState.Version,
// ErrStateConflict) and on the teacher's metrics.AlertChecker bounded
// ring-buffer style for state history/event log.
package agentstate

import (
	"sort"
	"sync"
	"time"

	"github.com/coordinationcore/coordination-core/internal/events"
	"github.com/coordinationcore/coordination-core/internal/logging"
	"github.com/coordinationcore/coordination-core/internal/types"
)

var log = logging.New("AGENTSTATE")

const (
	maxStateHistory = 50
	maxEventLog     = 100
)

// Transitions is the allowed-transition table from spec.md §4.3. All
// transitions not listed here fail with ErrInvalidTransition.
var Transitions = map[types.AgentState][]types.AgentState{
	types.StateIdle:         {types.StateInitializing, types.StateTerminated},
	types.StateInitializing: {types.StateActive, types.StateFailed, types.StateTerminated},
	types.StateActive:       {types.StateDelegating, types.StateWaiting, types.StateCompleting, types.StateFailed, types.StateTerminated},
	types.StateDelegating:   {types.StateWaiting, types.StateActive, types.StateFailed, types.StateTerminated},
	types.StateWaiting:      {types.StateActive, types.StateCompleting, types.StateFailed, types.StateTerminated},
	types.StateCompleting:   {types.StateCompleted, types.StateFailed},
	types.StateCompleted:    {types.StateIdle, types.StateTerminated},
	types.StateFailed:       {types.StateIdle, types.StateTerminated},
	types.StateTerminated:   {},
}

func isAllowed(from, to types.AgentState) bool {
	for _, s := range Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine is the single-writer, in-process state machine for every
// tracked agent. One sync.RWMutex serializes it, matching every teacher
// in-memory service (persistence.JSONStore.mu, metrics.MetricsCollector.mu).
type Machine struct {
	mu      sync.RWMutex
	entries map[string]*types.AgentStateEntry
	bus     *events.Bus

	familyMu sync.Map // parentID -> *sync.Mutex, the per-parent family lock
}

func New(bus *events.Bus) *Machine {
	return &Machine{
		entries: make(map[string]*types.AgentStateEntry),
		bus:     bus,
	}
}

// Register opens a new agent entry in state idle, version 1.
func (m *Machine) Register(agentID, parentID string) *types.AgentStateEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &types.AgentStateEntry{
		AgentID:   agentID,
		State:     types.StateIdle,
		Version:   1,
		ParentID:  parentID,
		Metadata:  map[string]interface{}{},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.entries[agentID] = entry
	m.emit(events.EventAgentRegistered, agentID, map[string]interface{}{"parentId": parentID})
	return entry
}

func (m *Machine) Unregister(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, agentID)
	m.emit(events.EventAgentUnregistered, agentID, nil)
}

func (m *Machine) Get(agentID string) (types.AgentStateEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[agentID]
	if !ok {
		return types.AgentStateEntry{}, false
	}
	return *e, true
}

// UpdateOptions carries updateState's optional expectedVersion/metadata.
type UpdateOptions struct {
	ExpectedVersion *int64
	Metadata        map[string]interface{}
}

// UpdateState validates and applies a transition per spec.md §4.3: an
// optimistic-lock check if ExpectedVersion is supplied, then the
// transition-table check, then version increment, bounded history
// append, metadata merge, event log append, and state:changed emission.
func (m *Machine) UpdateState(agentID string, newState types.AgentState, opts UpdateOptions) (types.AgentStateEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[agentID]
	if !ok {
		return types.AgentStateEntry{}, types.NewCoordError(types.KindSessionNotFound, agentID, "no such agent", nil)
	}

	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != entry.Version {
		return types.AgentStateEntry{}, types.ErrOptimisticLock(agentID, *opts.ExpectedVersion, entry.Version)
	}

	if !isAllowed(entry.State, newState) {
		return types.AgentStateEntry{}, types.NewCoordError(types.KindInvalidTransition, agentID,
			string(entry.State)+" -> "+string(newState), nil)
	}

	prior := entry.State
	applyTransition(entry, newState, opts.Metadata)
	m.emit(events.EventStateChanged, agentID, map[string]interface{}{
		"from": string(prior), "to": string(newState), "version": entry.Version,
	})

	return *entry, nil
}

func applyTransition(entry *types.AgentStateEntry, newState types.AgentState, metadata map[string]interface{}) {
	from := entry.State
	entry.State = newState
	entry.Version++
	entry.UpdatedAt = time.Now()

	entry.StateHistory = append(entry.StateHistory, types.StateHistoryEntry{
		FromState: from, ToState: newState, Version: entry.Version, At: entry.UpdatedAt,
	})
	if len(entry.StateHistory) > maxStateHistory {
		entry.StateHistory = entry.StateHistory[len(entry.StateHistory)-maxStateHistory:]
	}

	for k, v := range metadata {
		entry.Metadata[k] = v
	}

	entry.EventLog = append(entry.EventLog, types.AgentEvent{
		AgentID: entry.AgentID, Kind: "state:changed",
		Detail: map[string]interface{}{"from": string(from), "to": string(newState)},
		At:     entry.UpdatedAt,
	})
	if len(entry.EventLog) > maxEventLog {
		entry.EventLog = entry.EventLog[len(entry.EventLog)-maxEventLog:]
	}
}

// FamilyTransitionRequest describes one family member's desired move.
type FamilyTransitionRequest struct {
	AgentID  string
	ToState  types.AgentState
	Metadata map[string]interface{}
}

// AtomicFamilyTransition acquires a per-parent lock (timeout >= 5s per
// spec.md §5), validates the parent and every child transition before
// applying any of them, then applies parent first followed by children.
// If any validation fails, nothing is mutated.
func (m *Machine) AtomicFamilyTransition(parentID string, parent FamilyTransitionRequest, children []FamilyTransitionRequest, timeout time.Duration) error {
	if timeout < 5*time.Second {
		timeout = 5 * time.Second
	}

	lockIface, _ := m.familyMu.LoadOrStore(parentID, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)

	acquired := make(chan struct{})
	go func() { lock.Lock(); close(acquired) }()

	select {
	case <-acquired:
		defer lock.Unlock()
	case <-time.After(timeout):
		return types.NewCoordError(types.KindLockTimeout, parentID, "atomicFamilyTransition: family lock timeout", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	parentEntry, ok := m.entries[parent.AgentID]
	if !ok {
		return types.NewCoordError(types.KindParentNotFound, parent.AgentID, "no such parent", nil)
	}
	if !isAllowed(parentEntry.State, parent.ToState) {
		return types.NewCoordError(types.KindInvalidTransition, parent.AgentID,
			string(parentEntry.State)+" -> "+string(parent.ToState), nil)
	}

	childEntries := make([]*types.AgentStateEntry, 0, len(children))
	for _, c := range children {
		ce, ok := m.entries[c.AgentID]
		if !ok {
			return types.NewCoordError(types.KindSessionNotFound, c.AgentID, "no such child", nil)
		}
		if !isAllowed(ce.State, c.ToState) {
			return types.NewCoordError(types.KindInvalidTransition, c.AgentID,
				string(ce.State)+" -> "+string(c.ToState), nil)
		}
		childEntries = append(childEntries, ce)
	}

	// All validated: apply parent then each child.
	parentPrior := parentEntry.State
	applyTransition(parentEntry, parent.ToState, parent.Metadata)
	m.emit(events.EventStateChanged, parent.AgentID, map[string]interface{}{
		"from": string(parentPrior), "to": string(parent.ToState), "version": parentEntry.Version, "family": true,
	})

	for i, ce := range childEntries {
		childPrior := ce.State
		applyTransition(ce, children[i].ToState, children[i].Metadata)
		m.emit(events.EventStateChanged, children[i].AgentID, map[string]interface{}{
			"from": string(childPrior), "to": string(children[i].ToState), "version": ce.Version, "family": true,
		})
	}

	return nil
}

// AggregateState is getAggregateState's result per spec.md §4.3.
type AggregateState struct {
	StateCounts     map[types.AgentState]int
	DescendantCount int
	ActiveCount     int
	HasFailures     bool
	IsFullyComplete bool
}

// GetAggregateState counts self and transitively all descendants, using
// a visited set to make accidental cycles non-fatal per spec.md §9.
func (m *Machine) GetAggregateState(agentID string, childrenOf func(string) []string) AggregateState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := AggregateState{StateCounts: make(map[types.AgentState]int), IsFullyComplete: true}
	visited := make(map[string]bool)

	var walk func(id string)
	walk = func(id string) {
		if visited[id] {
			log.Warnf("cycle detected while aggregating state at agent %s", id)
			return
		}
		visited[id] = true

		entry, ok := m.entries[id]
		if !ok {
			return
		}
		agg.StateCounts[entry.State]++
		agg.DescendantCount++
		if entry.State == types.StateActive || entry.State == types.StateDelegating || entry.State == types.StateWaiting {
			agg.ActiveCount++
		}
		if entry.State == types.StateFailed {
			agg.HasFailures = true
		}
		if entry.State != types.StateCompleted && entry.State != types.StateTerminated {
			agg.IsFullyComplete = false
		}

		for _, childID := range childrenOf(id) {
			walk(childID)
		}
	}
	walk(agentID)

	return agg
}

// AllEvents returns every agent's event log, globally merged and sorted
// by timestamp, per spec.md §4.3.
func (m *Machine) AllEvents() []types.AgentEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []types.AgentEvent
	for _, entry := range m.entries {
		all = append(all, entry.EventLog...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].At.Before(all[j].At) })
	return all
}

func (m *Machine) emit(eventType events.EventType, agentID string, payload map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.NewEvent(eventType, "agentstate", agentID, events.PriorityNormal, payload))
}
