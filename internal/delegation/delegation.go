// Package delegation implements the Delegation Decider and Pattern
// Selector (component E): given a task and an agent's current view of
// itself, decide whether the task should be delegated to sub-agents and,
// if so, in which coordination pattern. Directly grounded on the teacher's
// internal/supervisor/decision.go StandardDecisionEngine: its
// assessPriority/estimateEffort/SelectMode/RequiresEscalation keyword-
// matching style (bucketed scoring constants, a containsKeyword helper,
// a Rationale/reasoning string builder) is generalized here from "recon
// report -> action plan" into "task + agent view -> delegate decision +
// pattern".
package delegation

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coordinationcore/coordination-core/internal/logging"
	"github.com/coordinationcore/coordination-core/internal/types"
)

var log = logging.New("DELEGATION")

// TaskInput is the task-shaped half of the decider's input, per spec.md §4.5.
type TaskInput struct {
	ID                 string
	Title              string
	Description        string
	Phase              string
	DependsOn          []string
	AcceptanceCriteria []string
	EstimateHours      float64
	HasChildren        bool
}

// AgentView is the agent-shaped half of the decider's input.
type AgentView struct {
	ID                   string
	Capabilities         []string
	RequiredCapabilities []string
	ReportedConfidence   *float64 // nil if the agent hasn't reported one
	TokensUsed           int64
	MaxTokens            int64 // 0 => contextUtilization defaults to 50
	QueueDepth           int
	MaxQueueDepth        int
	ChildCount           int
	MaxChildren          int
	CurrentDepth         int
}

var technicalKeywords = []string{
	"algorithm", "concurrency", "race", "mutex", "transaction", "migration",
	"schema", "protocol", "cache", "index", "async", "thread", "encryption",
}

var scopeKeywords = []string{
	"refactor", "rewrite", "architecture", "redesign", "cross-cutting", "system-wide",
}

func containsKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func countKeywordHits(text string, keywords []string, cap int) int {
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			hits++
		}
	}
	if hits > cap {
		hits = cap
	}
	return hits
}

func clip100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// computeComplexity buckets description length, keyword density, scope
// terms, dependency count, acceptance criteria count, and estimated
// effort into a 0-100 score, per spec.md §4.5.
func computeComplexity(t TaskInput) float64 {
	score := 0.0

	switch n := len(t.Description); {
	case n <= 50:
		score += 5
	case n <= 200:
		score += 10
	case n <= 500:
		score += 20
	default:
		score += 25
	}

	score += float64(countKeywordHits(t.Description, technicalKeywords, 5)) * 5
	score += float64(countKeywordHits(t.Description, scopeKeywords, 3)) * 5

	depCount := len(t.DependsOn)
	if depCount > 5 {
		depCount = 5
	}
	score += float64(depCount) * 3

	acCount := len(t.AcceptanceCriteria)
	if acCount > 7 {
		acCount = 7
	}
	score += float64(acCount) * 2

	switch {
	case t.EstimateHours >= 8:
		score += 15
	case t.EstimateHours >= 4:
		score += 10
	case t.EstimateHours >= 2:
		score += 5
	}

	return clip100(score)
}

func computeContextUtilization(a AgentView) float64 {
	if a.MaxTokens <= 0 {
		return 50
	}
	return clip100(float64(a.TokensUsed) / float64(a.MaxTokens) * 100)
}

var bulletPrefixes = []string{"-", "*", "•"}

// countDescriptionItems counts explicit numbered or bulleted lines in a
// description, used as one of subtaskCount's two sources.
func countDescriptionItems(description string) int {
	count := 0
	for _, line := range strings.Split(description, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for _, p := range bulletPrefixes {
			if strings.HasPrefix(trimmed, p) {
				count++
				break
			}
		}
		if len(trimmed) > 1 && trimmed[0] >= '0' && trimmed[0] <= '9' {
			if idx := strings.IndexAny(trimmed, ".)"); idx > 0 && idx <= 3 {
				count++
			}
		}
	}
	return count
}

// computeSubtaskCount takes the max of acceptance-criteria count and
// description item count, per spec.md §4.5.
func computeSubtaskCount(t TaskInput) int {
	fromAC := len(t.AcceptanceCriteria)
	fromDesc := countDescriptionItems(t.Description)
	if fromDesc > fromAC {
		return fromDesc
	}
	return fromAC
}

func computeAgentConfidence(t TaskInput, a AgentView) float64 {
	if a.ReportedConfidence != nil {
		return clip100(*a.ReportedConfidence)
	}

	if len(a.RequiredCapabilities) > 0 {
		have := 0
		required := make(map[string]bool, len(a.RequiredCapabilities))
		for _, c := range a.RequiredCapabilities {
			required[strings.ToLower(c)] = true
		}
		for _, c := range a.Capabilities {
			if required[strings.ToLower(c)] {
				have++
			}
		}
		return clip100(float64(have) / float64(len(a.RequiredCapabilities)) * 100)
	}

	if t.Phase != "" {
		if containsKeyword(t.Phase, []string{"implementation", "coding", "build"}) {
			return 85
		}
		return 60
	}

	return 75
}

func computeAgentLoad(a AgentView) float64 {
	if a.MaxQueueDepth > 0 {
		return clip100(float64(a.QueueDepth) / float64(a.MaxQueueDepth) * 100)
	}
	if a.MaxChildren > 0 {
		return clip100(float64(a.ChildCount) / float64(a.MaxChildren) * 100)
	}
	return 0
}

func computeDepthRemaining(a AgentView, maxDepth int) float64 {
	remaining := maxDepth - a.CurrentDepth
	if remaining < 0 {
		remaining = 0
	}
	return float64(remaining)
}

const (
	weightComplexity  = 0.30
	weightContext     = 0.20
	weightSubtask     = 0.15
	weightConfidence  = 0.15 // applied inverted: lower confidence raises score
	weightLoad        = 0.10
	weightDepth       = 0.10
)

// linearize normalizes a raw subtaskCount/depthRemaining value (not
// already 0-100) against a threshold, clipped to 100.
func linearize(value, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	return clip100(value / threshold * 100)
}

// Decider evaluates delegate-or-not decisions and caches them per
// (taskId, agentId) for cfg.CacheMaxAge, per spec.md §4.5.
type Decider struct {
	mu    sync.Mutex
	cfg   types.Config
	cache map[string]cacheEntry
}

type cacheEntry struct {
	decision  types.DelegationDecision
	expiresAt time.Time
}

func New(cfg types.Config) *Decider {
	return &Decider{cfg: cfg, cache: make(map[string]cacheEntry)}
}

// UpdateConfig replaces the active config and flushes the decision cache,
// per spec.md §4.5's caching rule.
func (d *Decider) UpdateConfig(cfg types.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.cache = make(map[string]cacheEntry)
}

func cacheKey(taskID, agentID string) string { return taskID + "\x00" + agentID }

// Decide evaluates (or returns the cached) delegation decision for a
// (task, agent) pair. skipCache bypasses both read and write.
func (d *Decider) Decide(t TaskInput, a AgentView, skipCache bool) types.DelegationDecision {
	key := cacheKey(t.ID, a.ID)

	d.mu.Lock()
	if !skipCache {
		if entry, ok := d.cache[key]; ok && time.Now().Before(entry.expiresAt) {
			d.mu.Unlock()
			return entry.decision
		}
	}
	cfg := d.cfg
	d.mu.Unlock()

	decision := d.evaluate(t, a, cfg)

	if !skipCache {
		d.mu.Lock()
		d.cache[key] = cacheEntry{decision: decision, expiresAt: time.Now().Add(cfg.CacheMaxAge())}
		if len(d.cache) > 100 {
			d.evictExpiredLocked()
		}
		d.mu.Unlock()
	}

	return decision
}

func (d *Decider) evictExpiredLocked() {
	now := time.Now()
	for k, v := range d.cache {
		if now.After(v.expiresAt) {
			delete(d.cache, k)
		}
	}
}

func (d *Decider) evaluate(t TaskInput, a AgentView, cfg types.Config) types.DelegationDecision {
	maxDepth := cfg.MaxDelegationDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}

	complexity := computeComplexity(t)
	contextUtil := computeContextUtilization(a)
	subtaskCount := computeSubtaskCount(t)
	confidence := computeAgentConfidence(t, a)
	agentLoad := computeAgentLoad(a)
	depthRemaining := computeDepthRemaining(a, maxDepth)

	factors := types.DelegationFactors{
		Complexity:         complexity,
		ContextUtilization: contextUtil,
		SubtaskCount:       float64(subtaskCount),
		AgentConfidence:    confidence,
		AgentLoad:          agentLoad,
		DepthRemaining:     depthRemaining,
	}

	subtaskLinear := linearize(float64(subtaskCount), 15)
	depthLinear := linearize(depthRemaining, float64(maxDepth))

	contributions := map[string]float64{
		"complexity":         complexity * weightComplexity,
		"contextUtilization": contextUtil * weightContext,
		"subtaskCount":       subtaskLinear * weightSubtask,
		"agentConfidence":    (100 - confidence) * weightConfidence,
		"agentLoad":          agentLoad * weightLoad,
		"depthRemaining":     depthLinear * weightDepth,
	}

	score := 0.0
	for _, v := range contributions {
		score += v
	}
	scoreInt := int(score + 0.5)

	minScore := cfg.MinDelegationScore
	if minScore <= 0 {
		minScore = 60
	}
	maxChildren := cfg.MaxChildAgents
	if maxChildren <= 0 {
		maxChildren = 7
	}

	gatesHold := depthRemaining > 0 &&
		!t.HasChildren &&
		subtaskCount >= 2 &&
		a.ChildCount < maxChildren

	shouldDelegate := gatesHold && scoreInt >= minScore
	if !gatesHold && scoreInt >= minScore {
		log.Infof("task %s scored %d but hard gates blocked delegation (depthRemaining=%v hasChildren=%v subtaskCount=%d childCount=%d/%d)",
			t.ID, scoreInt, depthRemaining, t.HasChildren, subtaskCount, a.ChildCount, maxChildren)
	}

	pattern, reasoning := selectPattern(t, factors, confidence)

	conf := decisionConfidence(complexity, float64(subtaskCount), confidence, contextUtil, float64(scoreInt))

	return types.DelegationDecision{
		ShouldDelegate:      shouldDelegate,
		Confidence:          conf,
		Score:               scoreInt,
		Factors:             factors,
		FactorContributions: contributions,
		SuggestedPattern:    pattern,
		Reasoning:           reasoning,
		CachedUntil:         time.Now().Add(d.cfg.CacheMaxAge()),
	}
}

// patternOrder fixes the tie-break order: parallel first.
var patternOrder = []string{"parallel", "sequential", "debate", "review", "ensemble"}

var patternKeywords = map[string][]string{
	"parallel":   {"independent", "in parallel", "concurrently", "separate modules"},
	"sequential": {"step by step", "depends on", "sequence", "then"},
	"debate":     {"tradeoff", "decide between", "compare approaches", "which approach"},
	"review":     {"review", "validate", "audit", "verify"},
	"ensemble":   {"consensus", "multiple opinions", "vote", "aggregate"},
}

func selectPattern(t TaskInput, factors types.DelegationFactors, confidence float64) (string, string) {
	text := t.Title + " " + t.Description
	scores := make(map[string]float64, len(patternOrder))
	for _, p := range patternOrder {
		scores[p] = float64(countKeywordHits(text, patternKeywords[p], len(patternKeywords[p]))) * 2
	}

	if factors.SubtaskCount >= 4 && len(t.DependsOn) == 0 {
		scores["parallel"] += 3
	}
	if len(t.DependsOn) > 0 {
		scores["sequential"] += float64(len(t.DependsOn))
	}
	if confidence < 60 {
		scores["debate"] += 2
		scores["ensemble"] += 1
	}
	switch {
	case containsKeyword(t.Phase, []string{"implementation"}):
		scores["parallel"] += 2
		scores["sequential"] += 1
	case containsKeyword(t.Phase, []string{"research", "planning"}):
		scores["debate"] += 2
	case containsKeyword(t.Phase, []string{"design", "validation"}):
		scores["review"] += 2
	}

	best := patternOrder[0]
	bestScore := scores[best]
	for _, p := range patternOrder[1:] {
		if scores[p] > bestScore {
			best = p
			bestScore = scores[p]
		}
	}

	reasoning := "pattern " + best + " selected with score " + strconv.Itoa(int(bestScore))
	return best, reasoning
}

func decisionConfidence(complexity, subtaskCount, agentConfidence, contextUtil, score float64) int {
	conf := 50.0
	if complexity > 80 || complexity < 20 {
		conf += 15
	}
	if subtaskCount > 10 || subtaskCount < 2 {
		conf += 10
	}
	if agentConfidence > 85 || agentConfidence < 40 {
		conf += 10
	}
	if contextUtil > 80 || contextUtil < 20 {
		conf += 10
	}
	if score > 80 || score < 20 {
		conf += 15
	}
	if conf > 100 {
		conf = 100
	}
	return int(conf)
}

