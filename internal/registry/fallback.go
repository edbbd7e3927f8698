package registry

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coordinationcore/coordination-core/internal/coordstore"
	"github.com/coordinationcore/coordination-core/internal/events"
	"github.com/coordinationcore/coordination-core/internal/logging"
)

// FailureReason classifies why the coordination store became unreachable,
// per spec.md §4.2's persistence fallback state machine.
type FailureReason string

const (
	ReasonModuleMissing    FailureReason = "module_missing"
	ReasonDirectoryFailure FailureReason = "directory_failure"
	ReasonOpenFailure      FailureReason = "open_failure"
	ReasonInitFailure      FailureReason = "init_failure"
	ReasonLocked           FailureReason = "locked"
	ReasonCorrupt          FailureReason = "corrupt"
	ReasonDiskFull         FailureReason = "disk_full"
	ReasonPermissionDenied FailureReason = "permission_denied"
	ReasonUnknown          FailureReason = "unknown"
)

// RecoveryStrategy is the action the scheduler takes for a given reason.
type RecoveryStrategy string

const (
	StrategyRetry      RecoveryStrategy = "retry"
	StrategyUserAction RecoveryStrategy = "user_action"
	StrategyManual     RecoveryStrategy = "manual"
	StrategyNone       RecoveryStrategy = "none"
)

var strategyByReason = map[FailureReason]RecoveryStrategy{
	ReasonModuleMissing:    StrategyManual,
	ReasonDirectoryFailure: StrategyRetry,
	ReasonOpenFailure:      StrategyRetry,
	ReasonInitFailure:      StrategyRetry,
	ReasonLocked:           StrategyRetry,
	ReasonCorrupt:          StrategyUserAction,
	ReasonDiskFull:         StrategyUserAction,
	ReasonPermissionDenied: StrategyUserAction,
	ReasonUnknown:          StrategyManual,
}

// classifyFailure maps a raw error from coordstore.Open (or a health check)
// onto one of the known reasons. Matching is heuristic over error text,
// mirroring the teacher's os.IsNotExist-style error inspection in
// persistence/store.go's Load.
func classifyFailure(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case os.IsPermission(err), strings.Contains(msg, "permission denied"):
		return ReasonPermissionDenied
	case strings.Contains(msg, "no space left"), strings.Contains(msg, "disk full"):
		return ReasonDiskFull
	case strings.Contains(msg, "directory_failure"), strings.Contains(msg, "mkdir"):
		return ReasonDirectoryFailure
	case strings.Contains(msg, "open_failure"), strings.Contains(msg, "unable to open database"):
		return ReasonOpenFailure
	case strings.Contains(msg, "init_failure"):
		return ReasonInitFailure
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "locked"):
		return ReasonLocked
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "corrupt"):
		return ReasonCorrupt
	case strings.Contains(msg, "no such module"), strings.Contains(msg, "module_missing"):
		return ReasonModuleMissing
	default:
		return ReasonUnknown
	}
}

const (
	minRecoveryDelay = 60 * time.Second
	maxRecoveryDelay = 5 * time.Minute
)

// FallbackHistory is a point-in-time snapshot of the fallback state machine,
// returned by Registry for diagnostics and dashboards.
type FallbackHistory struct {
	Active               bool
	Reason               FailureReason
	Strategy             RecoveryStrategy
	ConsecutiveFallbacks int
	CurrentDelay         time.Duration
	LastAttemptAt        time.Time
	ActivatedAt          time.Time
	RecoveryAttempts     int
	RecoveryExhausted    bool
}

// fallbackController owns the coordstore connection lifecycle: it detects
// loss of the store, schedules retries with doubling backoff capped at 5
// minutes, and runs periodic health checks once connected. Grounded on the
// teacher's debounced-save timer pattern in persistence/store.go, adapted
// from "debounce a write" to "schedule a reconnect".
type fallbackController struct {
	mu   sync.Mutex
	path string

	store  *coordstore.Store
	bus    *events.Bus
	active bool

	reason               FailureReason
	consecutiveFallbacks int
	currentDelay         time.Duration
	lastAttemptAt        time.Time
	activatedAt          time.Time
	recoveryAttempts     int
	recoveryExhausted    bool

	healthInterval      time.Duration
	maxRecoveryAttempts int
	cancel              context.CancelFunc
}

func newFallbackController(path string, bus *events.Bus, healthInterval time.Duration, maxRecoveryAttempts int) *fallbackController {
	return &fallbackController{
		path:                path,
		bus:                 bus,
		healthInterval:      healthInterval,
		maxRecoveryAttempts: maxRecoveryAttempts,
		currentDelay:        minRecoveryDelay,
	}
}

// open attempts the initial connection. If it fails, fallback activates
// immediately and a recovery loop is scheduled.
func (f *fallbackController) open(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	store, err := coordstore.Open(f.path)
	if err != nil {
		f.activateLocked(classifyFailure(err))
		f.scheduleRecoveryLocked(ctx)
		return
	}

	f.store = store
	f.startHealthLoopLocked(ctx)
}

func (f *fallbackController) activateLocked(reason FailureReason) {
	wasActive := f.active
	f.active = true
	f.reason = reason
	if !wasActive {
		f.consecutiveFallbacks++
		f.activatedAt = time.Now()
		f.currentDelay = minRecoveryDelay
		f.recoveryAttempts = 0
		f.recoveryExhausted = false
		f.emit(events.EventPersistenceFallback, map[string]interface{}{"reason": string(reason)})
	}
}

// scheduleRecoveryLocked schedules the next reconnect attempt for
// StrategyRetry reasons, unless maxRecoveryAttempts has already been
// reached for this fallback episode — per spec.md §4.2, retries are
// capped and the controller then enters recoveryExhausted to await
// operator action (Registry.ForceRecovery) instead of retrying forever.
func (f *fallbackController) scheduleRecoveryLocked(ctx context.Context) {
	strategy := strategyByReason[f.reason]
	if strategy != StrategyRetry {
		log.Warnf("persistence fallback reason=%s strategy=%s: no automatic retry scheduled", f.reason, strategy)
		return
	}

	if f.maxRecoveryAttempts > 0 && f.recoveryAttempts >= f.maxRecoveryAttempts {
		if !f.recoveryExhausted {
			f.recoveryExhausted = true
			f.emit(events.EventPersistenceRecoveryExhaust, map[string]interface{}{
				"reason":   string(f.reason),
				"attempts": f.recoveryAttempts,
			})
			log.Warnf("persistence recovery exhausted after %d attempts, awaiting operator action", f.recoveryAttempts)
		}
		return
	}

	delay := f.currentDelay
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		f.attemptRecovery(ctx)
	}()
}

func (f *fallbackController) attemptRecovery(ctx context.Context) {
	f.mu.Lock()
	f.lastAttemptAt = time.Now()
	f.recoveryAttempts++
	f.emit(events.EventPersistenceRecoveryAttempt, map[string]interface{}{"reason": string(f.reason), "attempt": f.recoveryAttempts})

	store, err := coordstore.Open(f.path)
	if err != nil {
		f.reason = classifyFailure(err)
		f.currentDelay *= 2
		if f.currentDelay > maxRecoveryDelay {
			f.currentDelay = maxRecoveryDelay
		}
		f.scheduleRecoveryLocked(ctx)
		f.mu.Unlock()
		return
	}

	f.store = store
	f.active = false
	f.consecutiveFallbacks = 0
	f.currentDelay = minRecoveryDelay
	f.recoveryAttempts = 0
	f.recoveryExhausted = false
	f.emit(events.EventPersistenceReconnected, nil)
	f.startHealthLoopLocked(ctx)
	f.mu.Unlock()
}

func (f *fallbackController) startHealthLoopLocked(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	go func() {
		ticker := time.NewTicker(f.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				f.checkHealth(ctx)
			}
		}
	}()
}

func (f *fallbackController) checkHealth(ctx context.Context) {
	f.mu.Lock()
	store := f.store
	f.mu.Unlock()
	if store == nil {
		return
	}

	if err := store.HealthCheck(); err != nil {
		f.mu.Lock()
		wasHealthy := !f.active
		if wasHealthy {
			f.activateLocked(classifyFailure(err))
			if f.cancel != nil {
				f.cancel()
			}
			f.scheduleRecoveryLocked(ctx)
		}
		f.mu.Unlock()
	}
}

// forceRecovery bypasses the backoff schedule and attempts reconnection
// now. It is the operator action spec.md §4.2 expects to follow a
// recoveryExhausted state, so it also clears the exhausted flag and
// attempt counter, giving the controller a fresh set of automatic
// retries if this forced attempt itself fails.
func (f *fallbackController) forceRecovery(ctx context.Context) {
	f.mu.Lock()
	f.recoveryAttempts = 0
	f.recoveryExhausted = false
	f.mu.Unlock()
	f.attemptRecovery(ctx)
}

// resetFallbackMetrics clears consecutive-fallback history without
// affecting the live connection state.
func (f *fallbackController) resetFallbackMetrics() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consecutiveFallbacks = 0
	f.currentDelay = minRecoveryDelay
}

func (f *fallbackController) snapshot() FallbackHistory {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FallbackHistory{
		Active:               f.active,
		Reason:               f.reason,
		Strategy:             strategyByReason[f.reason],
		ConsecutiveFallbacks: f.consecutiveFallbacks,
		CurrentDelay:         f.currentDelay,
		LastAttemptAt:        f.lastAttemptAt,
		ActivatedAt:          f.activatedAt,
		RecoveryAttempts:     f.recoveryAttempts,
		RecoveryExhausted:    f.recoveryExhausted,
	}
}

// get returns the live store, or (nil, false) while in fallback.
func (f *fallbackController) get() (*coordstore.Store, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active || f.store == nil {
		return nil, false
	}
	return f.store, true
}

func (f *fallbackController) emit(t events.EventType, payload map[string]interface{}) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(events.NewEvent(t, "registry", "", events.PriorityHigh, payload))
}

func (f *fallbackController) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	if f.store != nil {
		f.store.Close()
	}
}

var log = logging.New("REGISTRY")
