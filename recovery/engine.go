// Copyright 2026 The BakeBot Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bakebot-ai/realtime/lib/clock"
)

// Engine errors.
var (
	// ErrUnknownError is returned when the referenced error id is not
	// tracked (already resolved, pruned, or never existed).
	ErrUnknownError = errors.New("recovery: unknown error id")
	// ErrCircuitOpen is returned when a category's circuit breaker
	// rejects a recovery attempt.
	ErrCircuitOpen = errors.New("recovery: circuit breaker open")
	// ErrNoSessionRestarter is returned when a restart_session strategy
	// runs with no SessionRestarter configured.
	ErrNoSessionRestarter = errors.New("recovery: no session restarter configured")
)

// RetryFunc re-attempts the operation that originally failed. A nil
// return resolves the error.
type RetryFunc func(ctx context.Context) error

// SessionRestarter tears down and restarts the active session. The
// restart_session strategy delegates to it instead of retrying the
// failed operation.
type SessionRestarter interface {
	RestartSession(ctx context.Context) error
}

const (
	defaultBreakerThreshold = 5
	defaultBreakerTimeout   = 30 * time.Second
	defaultJitterFactor     = 0.2
	defaultRetention        = time.Hour
)

// Options configures an Engine. Zero values get defaults.
type Options struct {
	// Clock drives retry delays, breaker timeouts, and retention
	// pruning. Defaults to clock.Real().
	Clock clock.Clock
	// Logger receives recovery lifecycle logs. Nil discards.
	Logger *slog.Logger
	// Catalog classifies raw errors. Defaults to DefaultCatalog().
	Catalog *Catalog
	// BreakerThreshold is the consecutive-failure count that opens a
	// category's circuit. Defaults to 5.
	BreakerThreshold int
	// BreakerTimeout is how long an open circuit rejects attempts
	// before admitting a half-open probe. Defaults to 30s.
	BreakerTimeout time.Duration
	// JitterFactor spreads exponential backoff delays by ±factor.
	// Defaults to 0.2.
	JitterFactor float64
	// Random supplies jitter in [0, 1). Defaults to math/rand.
	Random func() float64
	// Sessions handles the restart_session strategy. Nil makes that
	// strategy fail with ErrNoSessionRestarter.
	Sessions SessionRestarter
	// PersistPath, when set, stores unresolved permanent and critical
	// errors across restarts.
	PersistPath string
	// RetentionWindow bounds how long resolved or abandoned errors are
	// kept for stats before pruning. Defaults to 1h.
	RetentionWindow time.Duration
}

// record is the engine's internal tracking entry for one error.
type record struct {
	appErr     *AppError
	retry      RetryFunc
	resolved   bool
	resolvedAt time.Time
	cancel     context.CancelFunc
}

// Engine classifies failures, runs recovery strategies against them,
// and trips per-category circuit breakers when a category keeps
// failing. All methods are safe for concurrent use.
type Engine struct {
	clock    clock.Clock
	logger   *slog.Logger
	catalog  *Catalog
	jitter   float64
	random   func() float64
	sessions SessionRestarter
	path     string

	mu        sync.Mutex
	records   map[string]*record
	breakers  map[Category]*breaker
	threshold int
	timeout   time.Duration
	retention time.Duration

	totalErrors int64
	recovered   int64
	abandoned   int64
	perCategory map[Category]int64
	perSeverity map[Severity]int64

	pruner   *clock.Ticker
	done     chan struct{}
	shutdown sync.Once
	wg       sync.WaitGroup
}

// Stats summarizes the engine's error history. Snapshots are
// read-only; requesting them never mutates breaker or retry state.
type Stats struct {
	TotalErrors               int64              `json:"total_errors"`
	ActiveErrors              int                `json:"active_errors"`
	PerCategory               map[Category]int64 `json:"per_category"`
	PerSeverity               map[Severity]int64 `json:"per_severity"`
	RecoverySuccessRate       float64            `json:"recovery_success_rate"`
	CircuitBreakerActivations int64              `json:"circuit_breaker_activations"`
	Breakers                  []BreakerState     `json:"breakers"`
}

// NewEngine builds an Engine. If opts.PersistPath is set, previously
// persisted unresolved errors are reloaded so permanent failures
// survive an app restart.
func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog()
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = defaultBreakerThreshold
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = defaultBreakerTimeout
	}
	if opts.JitterFactor == 0 {
		opts.JitterFactor = defaultJitterFactor
	}
	if opts.Random == nil {
		opts.Random = rand.Float64
	}
	if opts.RetentionWindow <= 0 {
		opts.RetentionWindow = defaultRetention
	}
	e := &Engine{
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "recovery"),
		catalog:     opts.Catalog,
		jitter:      opts.JitterFactor,
		random:      opts.Random,
		sessions:    opts.Sessions,
		path:        opts.PersistPath,
		records:     make(map[string]*record),
		breakers:    make(map[Category]*breaker),
		threshold:   opts.BreakerThreshold,
		timeout:     opts.BreakerTimeout,
		retention:   opts.RetentionWindow,
		perCategory: make(map[Category]int64),
		perSeverity: make(map[Severity]int64),
		done:        make(chan struct{}),
	}
	e.reload()
	e.pruner = e.clock.NewTicker(e.retention / 2)
	e.wg.Add(1)
	go e.pruneLoop()
	return e
}

// Shutdown cancels in-flight recovery attempts and stops background
// work. Tracked errors are persisted first.
func (e *Engine) Shutdown() {
	e.shutdown.Do(func() {
		e.mu.Lock()
		for _, rec := range e.records {
			if rec.cancel != nil {
				rec.cancel()
			}
		}
		e.persistLocked()
		e.mu.Unlock()
		close(e.done)
		e.pruner.Stop()
		e.wg.Wait()
	})
}

// Handle classifies rawErr, records it, and kicks off the catalog's
// recovery strategy for it. retry re-attempts the failed operation
// and may be nil for errors with nothing to retry (strategies that
// need it then fail over to user intervention). The returned AppError
// reflects the state at classification time; recovery proceeds
// asynchronously.
func (e *Engine) Handle(ctx context.Context, rawErr error, errCtx Context, retry RetryFunc) *AppError {
	etype := e.catalog.Classify(rawErr)
	now := e.clock.Now()

	appErr := &AppError{
		ID:        uuid.NewString(),
		Type:      etype,
		Context:   errCtx,
		Message:   rawErr.Error(),
		Timestamp: now,
		cause:     rawErr,
	}

	e.mu.Lock()
	e.totalErrors++
	e.perCategory[etype.Category]++
	e.perSeverity[etype.Severity]++
	br := e.breakerFor(etype.Category)
	allowed := br.allow(now)
	rec := &record{appErr: appErr, retry: retry}
	e.records[appErr.ID] = rec

	switch {
	case !allowed:
		// Fail fast: the category is tripping, so do not pile more
		// attempts onto it.
		appErr.IsPermanentFailure = true
		appErr.RequiresUserAction = true
		e.abandoned++
		e.logger.Warn("circuit open, failing fast",
			"error_id", appErr.ID, "type", etype.ID, "category", etype.Category)
	case etype.IsPermanent:
		appErr.IsPermanentFailure = true
		appErr.RequiresUserAction = true
		br.recordFailure(now)
		e.abandoned++
	case etype.RecoveryStrategy == StrategyUserIntervention:
		appErr.RequiresUserAction = true
		br.recordFailure(now)
	case etype.RecoveryStrategy == StrategyGracefulDegradation:
		// Nothing to retry: the caller continues degraded and the
		// error is considered handled.
		rec.resolved = true
		rec.resolvedAt = now
		e.recovered++
		br.recordSuccess()
	default:
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		rec.cancel = cancel
		e.wg.Add(1)
		go e.runRecovery(runCtx, rec)
	}
	e.persistLocked()
	// Return a snapshot: recovery goroutines keep mutating the tracked
	// record under the engine lock.
	snapshot := *appErr
	e.mu.Unlock()

	e.logger.Info("error classified",
		"error_id", appErr.ID,
		"type", etype.ID,
		"category", etype.Category,
		"severity", etype.Severity,
		"strategy", etype.RecoveryStrategy,
		"operation", errCtx.Operation)
	return &snapshot
}

// runRecovery drives one error through its strategy's retry schedule.
func (e *Engine) runRecovery(ctx context.Context, rec *record) {
	defer e.wg.Done()
	e.mu.Lock()
	etype := rec.appErr.Type
	e.mu.Unlock()

	for attempt := 1; attempt <= max(etype.MaxRetries, 1); attempt++ {
		delay := e.attemptDelay(etype, attempt)
		if delay > 0 {
			e.mu.Lock()
			rec.appErr.NextRetryAt = e.clock.Now().Add(delay)
			e.mu.Unlock()
			select {
			case <-e.clock.After(delay):
			case <-ctx.Done():
				return
			case <-e.done:
				return
			}
		}
		if e.attempt(ctx, rec, attempt) {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	e.markAbandoned(rec)
}

// attemptDelay computes the pre-attempt delay for the given strategy.
// attempt is 1-based.
func (e *Engine) attemptDelay(etype ErrorType, attempt int) time.Duration {
	switch etype.RecoveryStrategy {
	case StrategyImmediateRetry, StrategyRestartSession:
		return 0
	case StrategyLinearRetry:
		return etype.BaseDelay()
	default:
		mult := etype.BackoffMultiplier
		if mult <= 0 {
			mult = 2
		}
		delay := float64(etype.BaseDelay()) * math.Pow(mult, float64(attempt-1))
		if limit := float64(etype.MaxDelay()); limit > 0 && delay > limit {
			delay = limit
		}
		delay *= 1 + e.jitter*(2*e.random()-1)
		return time.Duration(delay)
	}
}

// attempt runs one recovery attempt and reports whether the error is
// now resolved.
func (e *Engine) attempt(ctx context.Context, rec *record, attempt int) bool {
	e.mu.Lock()
	etype := rec.appErr.Type
	retry := rec.retry
	e.mu.Unlock()

	var err error
	switch {
	case etype.RecoveryStrategy == StrategyRestartSession:
		if e.sessions == nil {
			err = ErrNoSessionRestarter
		} else {
			err = e.sessions.RestartSession(ctx)
		}
	case retry == nil:
		err = fmt.Errorf("no retry callback for %s", etype.ID)
	default:
		err = retry(ctx)
	}

	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	rec.appErr.AttemptCount = attempt
	rec.appErr.NextRetryAt = time.Time{}
	br := e.breakerFor(etype.Category)
	if err == nil {
		rec.resolved = true
		rec.resolvedAt = now
		e.recovered++
		br.recordSuccess()
		e.persistLocked()
		e.logger.Info("error recovered",
			"error_id", rec.appErr.ID, "type", etype.ID, "attempts", attempt)
		return true
	}
	br.recordFailure(now)
	e.logger.Warn("recovery attempt failed",
		"error_id", rec.appErr.ID, "type", etype.ID, "attempt", attempt, "error", err)
	return false
}

func (e *Engine) markAbandoned(rec *record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec.resolved {
		return
	}
	rec.appErr.IsPermanentFailure = true
	rec.appErr.RequiresUserAction = true
	e.abandoned++
	e.persistLocked()
	e.logger.Warn("recovery abandoned",
		"error_id", rec.appErr.ID, "type", rec.appErr.Type.ID,
		"attempts", rec.appErr.AttemptCount)
}

// Recover runs a single immediate recovery attempt for a tracked
// error, synchronously. It is the manual "try again" entry point and
// is subject to the category's circuit breaker.
func (e *Engine) Recover(ctx context.Context, id string) error {
	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok || rec.resolved {
		e.mu.Unlock()
		return ErrUnknownError
	}
	br := e.breakerFor(rec.appErr.Type.Category)
	if !br.allow(e.clock.Now()) {
		e.mu.Unlock()
		return fmt.Errorf("%w: category %s", ErrCircuitOpen, rec.appErr.Type.Category)
	}
	attempt := rec.appErr.AttemptCount + 1
	e.mu.Unlock()

	if e.attempt(ctx, rec, attempt) {
		return nil
	}
	return fmt.Errorf("recovery attempt for %s failed", rec.appErr.Type.ID)
}

// Retry re-runs a tracked error's full strategy schedule, optionally
// overriding the strategy (empty keeps the catalog's). It blocks
// until the schedule resolves or exhausts. Like Recover, it is
// subject to the category's circuit breaker: a full schedule against
// an open category would be worse than the single attempt the
// breaker already refuses.
func (e *Engine) Retry(ctx context.Context, id string, override Strategy) error {
	e.mu.Lock()
	rec, ok := e.records[id]
	if !ok || rec.resolved {
		e.mu.Unlock()
		return ErrUnknownError
	}
	br := e.breakerFor(rec.appErr.Type.Category)
	if !br.allow(e.clock.Now()) {
		e.mu.Unlock()
		return fmt.Errorf("%w: category %s", ErrCircuitOpen, rec.appErr.Type.Category)
	}
	if override != "" {
		rec.appErr.Type.RecoveryStrategy = override
	}
	rec.appErr.IsPermanentFailure = false
	rec.appErr.RequiresUserAction = false
	etype := rec.appErr.Type
	base := rec.appErr.AttemptCount
	e.mu.Unlock()

	for attempt := 1; attempt <= max(etype.MaxRetries, 1); attempt++ {
		if delay := e.attemptDelay(etype, attempt); delay > 0 {
			select {
			case <-e.clock.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if e.attempt(ctx, rec, base+attempt) {
			return nil
		}
	}
	e.markAbandoned(rec)
	return fmt.Errorf("recovery for %s exhausted", etype.ID)
}

// ActiveErrors returns unresolved tracked errors, oldest first.
func (e *Engine) ActiveErrors() []*AppError {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*AppError
	for _, rec := range e.records {
		if !rec.resolved {
			cp := *rec.appErr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Dismiss drops a tracked error without resolving it.
func (e *Engine) Dismiss(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[id]
	if !ok {
		return ErrUnknownError
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	delete(e.records, id)
	e.persistLocked()
	return nil
}

// Stats returns a snapshot of error and breaker statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		TotalErrors: e.totalErrors,
		PerCategory: make(map[Category]int64, len(e.perCategory)),
		PerSeverity: make(map[Severity]int64, len(e.perSeverity)),
	}
	for c, n := range e.perCategory {
		s.PerCategory[c] = n
	}
	for sev, n := range e.perSeverity {
		s.PerSeverity[sev] = n
	}
	for _, rec := range e.records {
		if !rec.resolved {
			s.ActiveErrors++
		}
	}
	if done := e.recovered + e.abandoned; done > 0 {
		s.RecoverySuccessRate = float64(e.recovered) / float64(done)
	}
	cats := make([]Category, 0, len(e.breakers))
	for c := range e.breakers {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	for _, c := range cats {
		b := e.breakers[c]
		s.CircuitBreakerActivations += b.activations
		st := BreakerState{Category: c, Open: b.open, Failures: b.failures}
		if b.open {
			st.ReopenAt = b.reopenAt
		}
		s.Breakers = append(s.Breakers, st)
	}
	return s
}

// breakerFor returns the category's breaker, creating it on first use.
// Caller holds e.mu.
func (e *Engine) breakerFor(c Category) *breaker {
	b, ok := e.breakers[c]
	if !ok {
		b = &breaker{threshold: e.threshold, timeout: e.timeout}
		e.breakers[c] = b
	}
	return b
}

// pruneLoop drops resolved records older than the retention window.
func (e *Engine) pruneLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.pruner.C:
			cutoff := e.clock.Now().Add(-e.retention)
			e.mu.Lock()
			for id, rec := range e.records {
				if rec.resolved && rec.resolvedAt.Before(cutoff) {
					delete(e.records, id)
				}
			}
			e.mu.Unlock()
		}
	}
}
