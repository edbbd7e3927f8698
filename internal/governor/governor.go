// Package governor implements the Rate-Limit Governor (component B):
// rolling-window counters for requests and tokens per minute/hour/day
// with tiered safety thresholds controlling admission. Grounded on the
// teacher's metrics.AlertChecker threshold/severity-tiering pattern
// (shouldAlert, warning/critical severities) generalized to the
// three-window/five-constraint model of spec.md §4.6.
package governor

import (
	"sync"
	"time"

	"github.com/coordinationcore/coordination-core/internal/logging"
	"github.com/coordinationcore/coordination-core/internal/types"
)

var log = logging.New("GOVERNOR")

// Level is the admission tier returned by CanMakeCall.
type Level string

const (
	LevelOK        Level = "OK"
	LevelWarning   Level = "WARNING"
	LevelCritical  Level = "CRITICAL"
	LevelEmergency Level = "EMERGENCY"
)

// Action is the advisory action paired with a Level.
type Action string

const (
	ActionProceed           Action = "proceed"
	ActionProceedWithCaution Action = "proceed-with-caution"
	ActionWrapUpNow         Action = "wrap-up-now"
	ActionHaltImmediately   Action = "halt-immediately"
)

// Limits bounds each of the three windows, per spec.md §4.6.
type Limits struct {
	CallsPerMinute int64
	CallsPerHour   int64
	CallsPerDay    int64
	TokensPerMinute int64
	TokensPerDay    int64
}

// Decision is canMakeCall's return value.
type Decision struct {
	Safe           bool
	Level          Level
	Action         Action
	Utilization    float64
	LimitingFactor string
	TimeToReset    time.Duration
}

// Governor tracks minute/hour/day windows for one logical plan (e.g. one
// model tier). It is a single-writer service behind one mutex, matching
// the teacher's in-memory services.
type Governor struct {
	mu     sync.Mutex
	limits Limits
	cfg    types.Config

	minute types.RateLimitWindow
	hour   types.RateLimitWindow
	day    types.RateLimitWindow
}

func New(limits Limits, cfg types.Config) *Governor {
	now := time.Now()
	return &Governor{
		limits: limits,
		cfg:    cfg,
		minute: types.RateLimitWindow{ResetAt: now.Add(time.Minute)},
		hour:   types.RateLimitWindow{ResetAt: now.Add(time.Hour)},
		day:    types.RateLimitWindow{ResetAt: now.Add(24 * time.Hour)},
	}
}

func (g *Governor) advance(now time.Time) {
	if !now.Before(g.minute.ResetAt) {
		g.minute = types.RateLimitWindow{ResetAt: now.Add(time.Minute)}
	}
	if !now.Before(g.hour.ResetAt) {
		g.hour = types.RateLimitWindow{ResetAt: now.Add(time.Hour)}
	}
	if !now.Before(g.day.ResetAt) {
		g.day = types.RateLimitWindow{ResetAt: now.Add(24 * time.Hour)}
	}
}

// CanMakeCall evaluates the five constraints (requests/minute,
// requests/hour, requests/day, tokens/minute, tokens/day), projecting the
// next call and taking the maximum utilization ratio, per spec.md §4.6.
func (g *Governor) CanMakeCall(estimatedTokens int64) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	g.advance(now)

	type constraint struct {
		name  string
		ratio float64
		reset time.Duration
	}

	constraints := []constraint{
		{"requests/minute", ratio(g.minute.Calls+1, g.limits.CallsPerMinute), g.minute.ResetAt.Sub(now)},
		{"requests/hour", ratio(g.hour.Calls+1, g.limits.CallsPerHour), g.hour.ResetAt.Sub(now)},
		{"requests/day", ratio(g.day.Calls+1, g.limits.CallsPerDay), g.day.ResetAt.Sub(now)},
		{"tokens/minute", ratio(g.minute.Tokens+estimatedTokens, g.limits.TokensPerMinute), g.minute.ResetAt.Sub(now)},
		{"tokens/day", ratio(g.day.Tokens+estimatedTokens, g.limits.TokensPerDay), g.day.ResetAt.Sub(now)},
	}

	worst := constraints[0]
	for _, c := range constraints[1:] {
		if c.ratio > worst.ratio {
			worst = c
		}
	}

	level, action := g.tier(worst.ratio)
	if level == LevelEmergency {
		log.Warnf("rate limit emergency: %s at %.2f utilization", worst.name, worst.ratio)
	}
	safe := level == LevelOK || level == LevelWarning

	timeToReset := time.Duration(0)
	if !safe {
		timeToReset = worst.reset
	}

	return Decision{
		Safe:           safe,
		Level:          level,
		Action:         action,
		Utilization:    worst.ratio,
		LimitingFactor: worst.name,
		TimeToReset:    timeToReset,
	}
}

func (g *Governor) tier(utilization float64) (Level, Action) {
	switch {
	case utilization >= g.cfg.EmergencyThreshold:
		return LevelEmergency, ActionHaltImmediately
	case utilization >= g.cfg.CriticalThreshold:
		return LevelCritical, ActionWrapUpNow
	case utilization >= g.cfg.WarningThreshold:
		return LevelWarning, ActionProceedWithCaution
	default:
		return LevelOK, ActionProceed
	}
}

// RecordCall advances windows then increments all three, per spec.md §4.6.
func (g *Governor) RecordCall(tokens int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	g.advance(now)

	g.minute.Calls++
	g.minute.Tokens += tokens
	g.hour.Calls++
	g.hour.Tokens += tokens
	g.day.Calls++
	g.day.Tokens += tokens
}

// GetTimeUntilAvailable returns 0 when safe, otherwise the reset time of
// the limiting window.
func (g *Governor) GetTimeUntilAvailable() time.Duration {
	d := g.CanMakeCall(0)
	return d.TimeToReset
}

func ratio(value, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(value) / float64(limit)
}
