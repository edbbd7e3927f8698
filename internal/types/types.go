// Package types holds the shared data model for the coordination core:
// sessions, locks, the change journal, conflicts, agent state, delegation,
// and rate-limit windows. Every struct here carries json tags because the
// same values cross the SQLite boundary (coordstore) and the event bus.
package types

import "time"

// SessionStatus is the lifecycle status of a Session.
type SessionStatus string

const (
	SessionIdle   SessionStatus = "idle"
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Hierarchy carries a session's position in the delegation tree.
type Hierarchy struct {
	IsRoot   bool     `json:"isRoot"`
	ParentID string   `json:"parentId,omitempty"`
	ChildIDs []string `json:"childIds"`
	Depth    int      `json:"depth"`
	RootID   string   `json:"rootId"`
}

// RollupMetrics is the recursive aggregation described by §4.4: a
// session's own metrics combined with those of all registered descendants.
type RollupMetrics struct {
	TotalTokens        int64   `json:"totalTokens"`
	TotalCost          float64 `json:"totalCost"`
	ActiveAgentCount   int     `json:"activeAgentCount"`
	TotalAgentCount    int     `json:"totalAgentCount"`
	MaxDelegationDepth int     `json:"maxDelegationDepth"`
	ChildSessionCount  int     `json:"childSessionCount"`
	AvgQuality         int     `json:"avgQuality"`
}

// Session is a top-level or delegated execution context tracked by the
// Session Registry, with hierarchy, delegation bookkeeping, and a rollup.
type Session struct {
	ID                  string              `json:"id"`
	ProjectKey          string              `json:"projectKey"`
	Status              SessionStatus       `json:"status"`
	StartTime           time.Time           `json:"startTime"`
	LastHeartbeat       time.Time           `json:"lastHeartbeat"`
	EndedAt             time.Time           `json:"endedAt,omitempty"`
	ContextPercent      float64             `json:"contextPercent"`
	QualityScore        int                 `json:"qualityScore"`
	ConfidenceScore     int                 `json:"confidenceScore"`
	Tokens              int64               `json:"tokens"`
	Cost                float64             `json:"cost"`
	Hierarchy           Hierarchy           `json:"hierarchy"`
	ActiveDelegations   []Delegation        `json:"activeDelegations"`
	CompletedDelegation []Delegation        `json:"completedDelegations"`
	RollupMetrics       RollupMetrics       `json:"rollupMetrics"`
}

// Runtime returns the elapsed wall-clock duration since StartTime.
func (s *Session) Runtime() time.Duration {
	return time.Since(s.StartTime)
}

// LockType enumerates the kinds of lock the store can hold. Only
// exclusive locks exist today; the field is kept so the schema can grow.
type LockType string

const (
	LockExclusive LockType = "exclusive"
)

// Lock is a cross-process, TTL-bounded distributed lock row.
type Lock struct {
	Resource      string    `json:"resource"`
	HolderSession string    `json:"holderSessionId"`
	AcquiredAt    time.Time `json:"acquiredAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
	LockType      LockType  `json:"lockType"`
	RefreshCount  int       `json:"refreshCount"`
}

// LockResult is the return value of acquireLock per spec.md §4.1.
type LockResult struct {
	Acquired     bool      `json:"acquired"`
	Holder       string    `json:"holder,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	Extended     bool      `json:"extended,omitempty"`
	RefreshCount int       `json:"refreshCount,omitempty"`
	RemainingMs  int64     `json:"remainingMs,omitempty"`
}

// ChangeJournalEntry is an append-only record of a mutation applied
// against a resource, checksummed for tamper/corruption detection.
type ChangeJournalEntry struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"sessionId"`
	Resource   string    `json:"resource"`
	Operation  string    `json:"operation"`
	ChangeData []byte    `json:"changeData"`
	CreatedAt  time.Time `json:"createdAt"`
	Applied    bool      `json:"applied"`
	Checksum   string    `json:"checksum"`
}

// ConflictType enumerates the kinds of conflict the store can record.
type ConflictType string

const (
	ConflictVersion       ConflictType = "VERSION_CONFLICT"
	ConflictConcurrentEdit ConflictType = "CONCURRENT_EDIT"
	ConflictStaleLock     ConflictType = "STALE_LOCK"
	ConflictMergeFailure  ConflictType = "MERGE_FAILURE"
)

// ConflictSeverity is the urgency level attached to a conflict record.
type ConflictSeverity string

const (
	SeverityInfo     ConflictSeverity = "info"
	SeverityWarning  ConflictSeverity = "warning"
	SeverityCritical ConflictSeverity = "critical"
)

// ConflictStatus tracks whether a conflict still needs resolution.
type ConflictStatus string

const (
	ConflictPending      ConflictStatus = "pending"
	ConflictResolved     ConflictStatus = "resolved"
	ConflictAutoResolved ConflictStatus = "auto-resolved"
	ConflictEscalated    ConflictStatus = "escalated"
)

// Resolution describes how a conflict was settled.
type Resolution string

const (
	ResolutionVersionA  Resolution = "version_a"
	ResolutionVersionB  Resolution = "version_b"
	ResolutionMerged    Resolution = "merged"
	ResolutionManual    Resolution = "manual"
	ResolutionDiscarded Resolution = "discarded"
)

// ConflictSide captures one party's view of the contested resource.
type ConflictSide struct {
	SessionID string    `json:"id"`
	Data      []byte    `json:"data"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Conflict is a detected disagreement between two sessions over a
// resource, created by detection and closed out by resolve.
type Conflict struct {
	ID              string           `json:"id"`
	Type            ConflictType     `json:"type"`
	Resource        string           `json:"resource"`
	DetectedAt      time.Time        `json:"detectedAt"`
	Severity        ConflictSeverity `json:"severity"`
	SessionA        ConflictSide     `json:"sessionA"`
	SessionB        ConflictSide     `json:"sessionB"`
	AffectedIDs     []string         `json:"affectedIds"`
	FieldConflicts  []string         `json:"fieldConflicts"`
	Status          ConflictStatus   `json:"status"`
	Resolution      Resolution       `json:"resolution,omitempty"`
	ResolvedAt      time.Time        `json:"resolvedAt,omitempty"`
	ResolvedBy      string           `json:"resolvedBy,omitempty"`
	ResolutionNotes string           `json:"resolutionNotes,omitempty"`
}

// AgentState is a node in the hierarchical agent state machine's
// transition table (see agentstate.Transitions).
type AgentState string

const (
	StateIdle         AgentState = "idle"
	StateInitializing AgentState = "initializing"
	StateActive       AgentState = "active"
	StateDelegating   AgentState = "delegating"
	StateWaiting      AgentState = "waiting"
	StateCompleting   AgentState = "completing"
	StateCompleted    AgentState = "completed"
	StateFailed       AgentState = "failed"
	StateTerminated   AgentState = "terminated"
)

// StateHistoryEntry is one row in an agent's bounded state-transition ring.
type StateHistoryEntry struct {
	FromState AgentState `json:"fromState"`
	ToState   AgentState `json:"toState"`
	Version   int64      `json:"version"`
	At        time.Time  `json:"at"`
}

// AgentEvent is one row in an agent's bounded event log ring.
type AgentEvent struct {
	AgentID string                 `json:"agentId"`
	Kind    string                 `json:"kind"`
	Detail  map[string]interface{} `json:"detail,omitempty"`
	At      time.Time              `json:"at"`
}

// AgentStateEntry is the versioned, optimistically-locked state record
// for one agent, per spec.md §4.3.
type AgentStateEntry struct {
	AgentID      string                 `json:"agentId"`
	State        AgentState             `json:"state"`
	Version      int64                  `json:"version"`
	ParentID     string                 `json:"parentId,omitempty"`
	Metadata     map[string]interface{} `json:"metadata"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
	StateHistory []StateHistoryEntry    `json:"stateHistory"`
	EventLog     []AgentEvent           `json:"eventLog"`
}

// DelegationStatus tracks a delegation's lifecycle.
type DelegationStatus string

const (
	DelegationPending   DelegationStatus = "pending"
	DelegationActive    DelegationStatus = "active"
	DelegationCompleted DelegationStatus = "completed"
	DelegationFailed    DelegationStatus = "failed"
	DelegationCancelled DelegationStatus = "cancelled"
)

// Delegation is the assignment of a subtask from a parent session to a
// child agent, along with its outcome once terminal.
type Delegation struct {
	DelegationID    string                 `json:"delegationId"`
	ParentSessionID string                 `json:"parentSessionId"`
	TargetAgentID   string                 `json:"targetAgentId"`
	TaskID          string                 `json:"taskId"`
	Status          DelegationStatus       `json:"status"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
	CompletedAt     time.Time              `json:"completedAt,omitempty"`
	Result          string                 `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// DelegationFactors is the set of normalized (0-100) scoring inputs used
// by the Delegation Decider, per spec.md §4.5.
type DelegationFactors struct {
	Complexity         float64 `json:"complexity"`
	ContextUtilization float64 `json:"contextUtilization"`
	SubtaskCount       float64 `json:"subtaskCount"`
	AgentConfidence    float64 `json:"agentConfidence"`
	AgentLoad          float64 `json:"agentLoad"`
	DepthRemaining     float64 `json:"depthRemaining"`
}

// DelegationDecision is the output of the Delegation Decider: whether to
// delegate, the winning pattern, and the reasoning behind both.
type DelegationDecision struct {
	ShouldDelegate      bool                `json:"shouldDelegate"`
	Confidence          int                 `json:"confidence"`
	Score               int                 `json:"score"`
	Factors             DelegationFactors   `json:"factors"`
	FactorContributions map[string]float64  `json:"factorContributions"`
	SuggestedPattern    string              `json:"suggestedPattern"`
	Reasoning           string              `json:"reasoning"`
	Hints               []string            `json:"hints,omitempty"`
	CachedUntil         time.Time           `json:"cachedUntil,omitempty"`
}

// RateLimitWindow is one rolling accounting window (minute/hour/day)
// tracked by the Rate-Limit Governor.
type RateLimitWindow struct {
	Calls   int64     `json:"calls"`
	Tokens  int64     `json:"tokens"`
	ResetAt time.Time `json:"resetAt"`
}
