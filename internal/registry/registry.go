// Package registry implements the Session Registry (component D): the
// in-process authoritative view of active sessions and their delegation
// hierarchy, rollup metric aggregation, and the persistence fallback state
// machine for the underlying coordination store. Grounded on the teacher's
// persistence.JSONStore (mutex-guarded in-memory state, debounced saves,
// bounded history rings, process-liveness stale cleanup) generalized from a
// single flat JSON document to a hierarchical, SQLite-backed session tree.
package registry

import (
	"context"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coordinationcore/coordination-core/internal/events"
	"github.com/coordinationcore/coordination-core/internal/types"
)

const maxCompletedDelegations = 50

const systemInfoNextIDKey = "session_registry_next_id"

// Registry is the single-writer, in-memory session directory. All mutating
// operations hold mu; getRollupMetrics/getHierarchy take the read lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	nextID   int64

	fallback *fallbackController
	bus      *events.Bus
	cfg      types.Config
}

// New creates a Registry backed by a coordination store at storePath. The
// store connection is attempted immediately; failure drops the registry
// into fallback mode rather than failing New itself (memory-only operation
// continues, per spec.md §4.2).
func New(ctx context.Context, storePath string, bus *events.Bus, cfg types.Config) *Registry {
	r := &Registry{
		sessions: make(map[string]*types.Session),
		bus:      bus,
		cfg:      cfg,
		fallback: newFallbackController(storePath, bus, cfg.HealthCheckInterval(), cfg.MaxRecoveryAttempts),
	}
	r.fallback.open(ctx)
	r.loadNextID()
	return r
}

func (r *Registry) loadNextID() {
	store, ok := r.fallback.get()
	if !ok {
		r.nextID = 1
		return
	}
	raw, found, err := store.GetSystemInfo(systemInfoNextIDKey)
	if err != nil || !found {
		r.nextID = 1
		return
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.nextID = 1
		return
	}
	r.nextID = n
}

func (r *Registry) persistNextID() {
	store, ok := r.fallback.get()
	if !ok {
		return
	}
	_ = store.SetSystemInfo(systemInfoNextIDKey, strconv.FormatInt(r.nextID, 10))
}

// RegisterInput is the caller-supplied portion of a new Session.
type RegisterInput struct {
	ProjectKey string
	ParentID   string
}

// Register allocates the next session id, persists the incremented
// allocator best-effort, records the session (wiring hierarchy fields if a
// parent is given), and emits session:childAdded when applicable.
func (r *Registry) Register(input RegisterInput) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := strconv.FormatInt(r.nextID, 10)
	r.nextID++
	r.persistNextID()

	now := time.Now()
	hierarchy := types.Hierarchy{IsRoot: input.ParentID == "", ParentID: input.ParentID, ChildIDs: nil, RootID: id}

	if input.ParentID != "" {
		if parent, ok := r.sessions[input.ParentID]; ok {
			hierarchy.Depth = parent.Hierarchy.Depth + 1
			hierarchy.RootID = parent.Hierarchy.RootID
			parent.Hierarchy.ChildIDs = append(parent.Hierarchy.ChildIDs, id)
			parent.RollupMetrics.ChildSessionCount = len(parent.Hierarchy.ChildIDs)
			r.emit(events.EventSessionChildAdded, parent.ID, map[string]interface{}{"childId": id})
		}
	}

	sess := &types.Session{
		ID:         id,
		ProjectKey: input.ProjectKey,
		Status:     types.SessionIdle,
		StartTime:  now,
		LastHeartbeat: now,
		Hierarchy:  hierarchy,
	}
	r.sessions[id] = sess
	r.emit(events.EventSessionRegistered, id, map[string]interface{}{"projectKey": input.ProjectKey})
	return id
}

// SessionUpdate carries the mutable subset of fields update() may change.
type SessionUpdate struct {
	Status          *types.SessionStatus
	ContextPercent  *float64
	QualityScore    *int
	ConfidenceScore *int
	Tokens          *int64
	Cost            *float64
}

// Update merges non-nil fields into the session, refreshes LastHeartbeat,
// and evaluates alert predicates (contextHigh, confidenceLow) per
// spec.md §7, returning the names of every predicate that currently holds.
func (r *Registry) Update(id string, u SessionUpdate) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return nil, types.NewCoordError(types.KindSessionNotFound, id, "update: no such session", nil)
	}

	if u.Status != nil {
		sess.Status = *u.Status
	}
	if u.ContextPercent != nil {
		sess.ContextPercent = *u.ContextPercent
	}
	if u.QualityScore != nil {
		sess.QualityScore = *u.QualityScore
	}
	if u.ConfidenceScore != nil {
		sess.ConfidenceScore = *u.ConfidenceScore
	}
	if u.Tokens != nil {
		sess.Tokens = *u.Tokens
	}
	if u.Cost != nil {
		sess.Cost = *u.Cost
	}
	sess.LastHeartbeat = time.Now()

	return evaluateAlerts(sess), nil
}

func evaluateAlerts(sess *types.Session) []string {
	var firing []string
	switch {
	case sess.ContextPercent > 90:
		firing = append(firing, "context_high:critical")
	case sess.ContextPercent > 80:
		firing = append(firing, "context_high:warning")
	}
	switch {
	case sess.ConfidenceScore < 40:
		firing = append(firing, "confidence_low:critical")
	case sess.ConfidenceScore < 60:
		firing = append(firing, "confidence_low:warning")
	}
	return firing
}

// Deregister marks a session ended. The row stays visible for hierarchy
// traversal until stale cleanup removes it (spec.md §9 open question b).
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return types.NewCoordError(types.KindSessionNotFound, id, "deregister: no such session", nil)
	}
	sess.Status = types.SessionEnded
	sess.EndedAt = time.Now()
	r.emit(events.EventSessionDeregistered, id, nil)
	return nil
}

// AddDelegation appends a new active delegation to a session.
func (r *Registry) AddDelegation(sessionID string, d types.Delegation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return types.NewCoordError(types.KindSessionNotFound, sessionID, "addDelegation: no such session", nil)
	}
	sess.ActiveDelegations = append(sess.ActiveDelegations, d)
	r.emit(events.EventDelegationAdded, sessionID, map[string]interface{}{"delegationId": d.DelegationID})
	return nil
}

// DelegationUpdate carries the fields updateDelegation may set.
type DelegationUpdate struct {
	Status types.DelegationStatus
	Result string
	Error  string
}

func isTerminal(s types.DelegationStatus) bool {
	return s == types.DelegationCompleted || s == types.DelegationFailed || s == types.DelegationCancelled
}

// UpdateDelegation moves a delegation into completedDelegations (ring-
// bounded to the last 50) once its status becomes terminal.
func (r *Registry) UpdateDelegation(sessionID, delegationID string, u DelegationUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return types.NewCoordError(types.KindSessionNotFound, sessionID, "updateDelegation: no such session", nil)
	}

	idx := -1
	for i, d := range sess.ActiveDelegations {
		if d.DelegationID == delegationID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return types.NewCoordError(types.KindSessionNotFound, delegationID, "updateDelegation: no such active delegation", nil)
	}

	d := sess.ActiveDelegations[idx]
	d.Status = u.Status
	d.Result = u.Result
	d.Error = u.Error
	d.UpdatedAt = time.Now()

	if isTerminal(u.Status) {
		d.CompletedAt = d.UpdatedAt
		sess.ActiveDelegations = append(sess.ActiveDelegations[:idx], sess.ActiveDelegations[idx+1:]...)
		sess.CompletedDelegation = append(sess.CompletedDelegation, d)
		if len(sess.CompletedDelegation) > maxCompletedDelegations {
			sess.CompletedDelegation = sess.CompletedDelegation[len(sess.CompletedDelegation)-maxCompletedDelegations:]
		}
		r.emit(events.EventDelegationCompleted, sessionID, map[string]interface{}{"delegationId": delegationID, "status": string(u.Status)})
	} else {
		sess.ActiveDelegations[idx] = d
		r.emit(events.EventDelegationUpdated, sessionID, map[string]interface{}{"delegationId": delegationID, "status": string(u.Status)})
	}
	return nil
}

// GetRollupMetrics computes and returns a fresh aggregation for id, per
// spec.md §4.4.
func (r *Registry) GetRollupMetrics(id string) (types.RollupMetrics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.sessions[id]; !ok {
		return types.RollupMetrics{}, types.NewCoordError(types.KindSessionNotFound, id, "getRollupMetrics: no such session", nil)
	}
	return r.rollup(id, make(map[string]bool)), nil
}

func (r *Registry) rollup(id string, visited map[string]bool) types.RollupMetrics {
	if visited[id] {
		log.Warnf("cycle detected while computing rollup at session %s", id)
		return types.RollupMetrics{}
	}
	visited[id] = true

	sess, ok := r.sessions[id]
	if !ok {
		return types.RollupMetrics{}
	}

	agg := types.RollupMetrics{
		TotalTokens:       sess.Tokens,
		TotalCost:         sess.Cost,
		TotalAgentCount:   1,
		MaxDelegationDepth: sess.Hierarchy.Depth,
		ChildSessionCount: len(sess.Hierarchy.ChildIDs),
	}
	if sess.Status == types.SessionActive {
		agg.ActiveAgentCount = 1
	}

	qualitySum := float64(sess.QualityScore)
	qualityWeight := 1

	for _, childID := range sess.Hierarchy.ChildIDs {
		child := r.rollup(childID, visited)
		agg.TotalTokens += child.TotalTokens
		agg.TotalCost += child.TotalCost
		agg.ActiveAgentCount += child.ActiveAgentCount
		agg.TotalAgentCount += child.TotalAgentCount
		if child.MaxDelegationDepth > agg.MaxDelegationDepth {
			agg.MaxDelegationDepth = child.MaxDelegationDepth
		}
		agg.ChildSessionCount += child.ChildSessionCount
		qualitySum += child.AvgQuality * float64(child.TotalAgentCount)
		qualityWeight += child.TotalAgentCount
	}

	agg.TotalCost = math.Round(agg.TotalCost*100) / 100
	if qualityWeight > 0 {
		agg.AvgQuality = int(math.Round(qualitySum / float64(qualityWeight)))
	}

	sess.RollupMetrics = agg
	return agg
}

// PropagateMetricUpdate walks parentId links to root, recomputing rollups
// and emitting session:rollupUpdated at each ancestor, per spec.md §4.2.
func (r *Registry) PropagateMetricUpdate(id string, metricType string, delta int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[id]
	if !ok {
		return types.NewCoordError(types.KindSessionNotFound, id, "propagateMetricUpdate: no such session", nil)
	}

	switch metricType {
	case "tokens":
		sess.Tokens += delta
	case "cost":
		// cost deltas are carried as integer cents to reuse the int64 signature
		sess.Cost += float64(delta) / 100
	}

	visited := make(map[string]bool)
	current := id
	for current != "" {
		r.rollup(current, visited)
		visited = make(map[string]bool) // each ancestor re-walks its own subtree fresh
		cur, ok := r.sessions[current]
		if !ok {
			break
		}
		r.emit(events.EventSessionRollupUpdated, current, map[string]interface{}{"metricType": metricType, "delta": delta})
		current = cur.Hierarchy.ParentID
	}
	return nil
}

// HierarchyNode is getHierarchy's recursive result shape.
type HierarchyNode struct {
	SessionID             string
	Project               string
	Status                types.SessionStatus
	Depth                 int
	IsRoot                bool
	ActiveDelegationCount int
	Metrics               types.RollupMetrics
	Children              []HierarchyNode
}

// GetHierarchy returns the subtree rooted at id, with a visited-set cycle
// guard per spec.md §9.
func (r *Registry) GetHierarchy(id string) (HierarchyNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.sessions[id]; !ok {
		return HierarchyNode{}, types.NewCoordError(types.KindSessionNotFound, id, "getHierarchy: no such session", nil)
	}
	return r.hierarchyNode(id, make(map[string]bool)), nil
}

func (r *Registry) hierarchyNode(id string, visited map[string]bool) HierarchyNode {
	if visited[id] {
		log.Warnf("cycle detected while building hierarchy at session %s", id)
		return HierarchyNode{SessionID: id}
	}
	visited[id] = true

	sess, ok := r.sessions[id]
	if !ok {
		return HierarchyNode{SessionID: id}
	}

	node := HierarchyNode{
		SessionID:             id,
		Project:               sess.ProjectKey,
		Status:                sess.Status,
		Depth:                 sess.Hierarchy.Depth,
		IsRoot:                sess.Hierarchy.IsRoot,
		ActiveDelegationCount: len(sess.ActiveDelegations),
		Metrics:               sess.RollupMetrics,
	}
	for _, childID := range sess.Hierarchy.ChildIDs {
		node.Children = append(node.Children, r.hierarchyNode(childID, visited))
	}
	return node
}

// CleanupStale removes any session whose LastHeartbeat is older than
// staleTimeout, emitting session:expired for each, per spec.md §4.2.
func (r *Registry) CleanupStale(staleTimeout time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-staleTimeout)
	var expired []string
	for id, sess := range r.sessions {
		if sess.LastHeartbeat.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.sessions, id)
		r.emit(events.EventSessionExpired, id, nil)
	}
	return len(expired)
}

// ForceRecovery bypasses the backoff schedule and attempts an immediate
// store reconnection, then reloads the persisted nextId allocator.
func (r *Registry) ForceRecovery(ctx context.Context) {
	r.fallback.forceRecovery(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadNextID()
}

// ResetFallbackMetrics clears fallback history without touching the live
// connection.
func (r *Registry) ResetFallbackMetrics() {
	r.fallback.resetFallbackMetrics()
}

// FallbackStatus reports the current persistence fallback state.
func (r *Registry) FallbackStatus() FallbackHistory {
	return r.fallback.snapshot()
}

// Close releases the underlying store connection and health-check loop.
func (r *Registry) Close() {
	r.fallback.close()
}

// ListActive returns every non-ended session, sorted by id for determinism.
func (r *Registry) ListActive() []types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.Status != types.SessionEnded {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) emit(t events.EventType, target string, payload map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.NewEvent(t, "registry", target, events.PriorityNormal, payload))
}
