// Package ratelimit runs stage operations through a bounded worker slot
// pool with an inter-request delay, and adapts both from the recent
// outcome history. Each pipeline stage owns one limiter.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/allabolag-cli/internal/config"
	"github.com/sells-group/allabolag-cli/internal/resilience"
)

const (
	// ringSize is how many outcomes the limiter remembers.
	ringSize = 100
	// adaptEvery is how often, in outcomes, the adaptation rule runs.
	adaptEvery = 10
	// adaptWindow is the sample the failure rate is computed over.
	adaptWindow = 50
	// growCeiling caps concurrency growth from clean windows.
	growCeiling = 10
	// delayFloor is the lowest the adaptive delay will shrink to.
	delayFloor = 100 * time.Millisecond
)

// Config sizes a limiter. Delay fields are native durations; see
// FromStage for the conversion from file configuration.
type Config struct {
	Concurrent        int
	Delay             time.Duration
	MaxRetries        int
	BackoffMultiplier float64
	MaxDelay          time.Duration
	Night             *NightWindow
}

// NightWindow is an alternate concurrency profile for a local-hour
// range. The range may wrap midnight.
type NightWindow struct {
	FromHour   int
	ToHour     int
	Concurrent int
	Delay      time.Duration
}

// FromStage converts file configuration into limiter configuration. A
// night block with zero concurrency is treated as absent.
func FromStage(sc config.StageConfig) Config {
	cfg := Config{
		Concurrent:        sc.Concurrent,
		Delay:             time.Duration(sc.DelayMs) * time.Millisecond,
		MaxRetries:        sc.MaxRetries,
		BackoffMultiplier: sc.BackoffMultiplier,
		MaxDelay:          time.Duration(sc.MaxDelayMs) * time.Millisecond,
	}
	if sc.Night.Concurrent > 0 {
		cfg.Night = &NightWindow{
			FromHour:   sc.Night.FromHour,
			ToHour:     sc.Night.ToHour,
			Concurrent: sc.Night.Concurrent,
			Delay:      time.Duration(sc.Night.DelayMs) * time.Millisecond,
		}
	}
	return cfg
}

// Outcome is one recorded operation result.
type Outcome struct {
	Success   bool
	Status    int
	Duration  time.Duration
	Timestamp time.Time
	Err       error
}

// Snapshot is a point-in-time view of the limiter, serialized into the
// job's rate limit stats.
type Snapshot struct {
	Concurrent        int       `json:"concurrent"`
	DelayMs           int64     `json:"delay_ms"`
	Active            int       `json:"active"`
	Queued            int       `json:"queued"`
	TotalOutcomes     int64     `json:"total_outcomes"`
	TotalFailures     int64     `json:"total_failures"`
	RateLimitHits     int64     `json:"rate_limit_hits"`
	RecentFailureRate float64   `json:"recent_failure_rate"`
	LastOutcomeAt     time.Time `json:"last_outcome_at"`
}

// Limiter gates operations for one stage. Safe for concurrent use.
type Limiter struct {
	cfg   Config
	stage string

	mu         sync.Mutex
	concurrent int           // learned baseline
	delay      time.Duration // learned baseline
	active     int
	queue      []chan struct{}

	ring       [ringSize]Outcome
	head       int
	count      int
	sinceAdapt int

	total       int64
	failed      int64
	hits429     int64
	lastOutcome time.Time

	nowFunc func() time.Time
}

// New creates a limiter for a stage. The stage name only labels logs.
func New(stage string, cfg Config) *Limiter {
	if cfg.Concurrent <= 0 {
		cfg.Concurrent = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	return &Limiter{
		cfg:        cfg,
		stage:      stage,
		concurrent: cfg.Concurrent,
		delay:      cfg.Delay,
		nowFunc:    time.Now,
	}
}

// Execute runs op under the stage's concurrency ceiling with the retry
// ladder. 404 and 403 are never retried; a 429 triggers the aggressive
// rate-limit step; configuration and pool-exhaustion failures surface
// immediately.
func (l *Limiter) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := l.acquire(ctx); err != nil {
		return eris.Wrap(err, "ratelimit: acquire slot")
	}
	defer l.release()

	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, l.retryDelay(attempt)); err != nil {
				return err
			}
		}

		start := l.nowFunc()
		err := op(ctx)
		l.record(Outcome{
			Success:   err == nil,
			Status:    resilience.StatusOf(err),
			Duration:  l.nowFunc().Sub(start),
			Timestamp: l.nowFunc(),
			Err:       err,
		})

		if err == nil {
			// Inter-request pacing happens while the slot is held, so a
			// slot completes at most once per delay.
			_ = sleepCtx(ctx, l.effectiveDelay())
			return nil
		}
		lastErr = err

		if resilience.StatusOf(err) == http.StatusTooManyRequests {
			l.onRateLimited()
		}
		if !shouldRetry(err) {
			return lastErr
		}
	}
	return lastErr
}

func shouldRetry(err error) bool {
	status := resilience.StatusOf(err)
	if status == http.StatusNotFound || status == http.StatusForbidden {
		return false
	}
	if resilience.IsConfigError(err) || resilience.IsProxyExhausted(err) {
		return false
	}
	if status != 0 {
		return resilience.IsTransientHTTPStatus(status)
	}
	return resilience.IsTransient(err)
}

// Snapshot returns the limiter's current state and counters.
func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := min(l.count, adaptWindow)
	failures := 0
	for i := 0; i < n; i++ {
		if !l.ring[(l.head-1-i+2*ringSize)%ringSize].Success {
			failures++
		}
	}
	rate := 0.0
	if n > 0 {
		rate = float64(failures) / float64(n)
	}

	return Snapshot{
		Concurrent:        l.concurrent,
		DelayMs:           l.delay.Milliseconds(),
		Active:            l.active,
		Queued:            len(l.queue),
		TotalOutcomes:     l.total,
		TotalFailures:     l.failed,
		RateLimitHits:     l.hits429,
		RecentFailureRate: rate,
		LastOutcomeAt:     l.lastOutcome,
	}
}

// --- slot pool ---

func (l *Limiter) acquire(ctx context.Context) error {
	l.mu.Lock()
	if len(l.queue) == 0 && l.active < l.effectiveConcurrentLocked() {
		l.active++
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.queue = append(l.queue, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.queue {
			if w == ch {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				l.mu.Unlock()
				return ctx.Err()
			}
		}
		l.mu.Unlock()
		// The grant raced the cancellation; give the slot back.
		l.release()
		return ctx.Err()
	}
}

func (l *Limiter) release() {
	l.mu.Lock()
	l.active--
	l.grantLocked()
	l.mu.Unlock()
}

// grantLocked admits queued waiters in FIFO order up to the effective
// ceiling.
func (l *Limiter) grantLocked() {
	for len(l.queue) > 0 && l.active < l.effectiveConcurrentLocked() {
		ch := l.queue[0]
		l.queue = l.queue[1:]
		l.active++
		close(ch)
	}
}

// --- adaptation ---

func (l *Limiter) record(o Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ring[l.head] = o
	l.head = (l.head + 1) % ringSize
	if l.count < ringSize {
		l.count++
	}

	l.total++
	if !o.Success {
		l.failed++
	}
	l.lastOutcome = o.Timestamp

	l.sinceAdapt++
	if l.sinceAdapt >= adaptEvery {
		l.sinceAdapt = 0
		l.adaptLocked()
	}
}

func (l *Limiter) adaptLocked() {
	n := min(l.count, adaptWindow)
	if n == 0 {
		return
	}
	failures := 0
	for i := 0; i < n; i++ {
		if !l.ring[(l.head-1-i+2*ringSize)%ringSize].Success {
			failures++
		}
	}
	rate := float64(failures) / float64(n)

	switch {
	case rate > 0.20:
		l.concurrent = max(1, int(float64(l.concurrent)*0.7))
		l.delay = l.capDelay(time.Duration(float64(l.delay) * l.cfg.BackoffMultiplier))
		zap.L().Info("rate limiter easing off",
			zap.String("stage", l.stage),
			zap.Float64("failure_rate", rate),
			zap.Int("concurrent", l.concurrent),
			zap.Duration("delay", l.delay),
		)
	case n == adaptWindow && failures == 0:
		l.concurrent = min(growCeiling, l.concurrent+1)
		l.delay = max(delayFloor, time.Duration(float64(l.delay)*0.9))
		zap.L().Debug("rate limiter speeding up",
			zap.String("stage", l.stage),
			zap.Int("concurrent", l.concurrent),
			zap.Duration("delay", l.delay),
		)
		l.grantLocked()
	}
}

// onRateLimited is the aggressive step for an observed 429, separate
// from the ordinary adaptation rule.
func (l *Limiter) onRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits429++
	l.concurrent = max(1, l.concurrent/2)
	l.delay = l.capDelay(l.delay * 3)
	zap.L().Warn("upstream rate limit observed, backing off hard",
		zap.String("stage", l.stage),
		zap.Int("concurrent", l.concurrent),
		zap.Duration("delay", l.delay),
	)
}

func (l *Limiter) capDelay(d time.Duration) time.Duration {
	if l.cfg.MaxDelay > 0 && d > l.cfg.MaxDelay {
		return l.cfg.MaxDelay
	}
	return d
}

// --- effective values ---

func (l *Limiter) effectiveConcurrentLocked() int {
	if w := l.cfg.Night; w != nil && inWindow(l.nowFunc().Hour(), w.FromHour, w.ToHour) {
		return w.Concurrent
	}
	return l.concurrent
}

func (l *Limiter) effectiveDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w := l.cfg.Night; w != nil && inWindow(l.nowFunc().Hour(), w.FromHour, w.ToHour) {
		return w.Delay
	}
	return l.delay
}

// inWindow reports whether hour h falls in [from, to), wrapping past
// midnight when from > to. An empty range never matches.
func inWindow(h, from, to int) bool {
	if from == to {
		return false
	}
	if from < to {
		return h >= from && h < to
	}
	return h >= from || h < to
}

// retryDelay is the exponential curve from resilience.Backoff seeded with
// the limiter's adaptive delay, plus a one-way jitter so workers do not
// synchronize their retries. MaxDelay caps the jittered result.
func (l *Limiter) retryDelay(attempt int) time.Duration {
	l.mu.Lock()
	delay := l.delay
	l.mu.Unlock()

	exp := float64(resilience.Backoff(attempt-1, resilience.RetryConfig{
		InitialBackoff: delay,
		Multiplier:     l.cfg.BackoffMultiplier,
		MaxBackoff:     math.MaxInt64,
	}))
	exp += rand.Float64() * 0.1 * exp
	return l.capDelay(time.Duration(exp))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "ratelimit: wait cancelled")
	case <-t.C:
		return nil
	}
}
