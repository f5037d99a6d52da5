// Package breaker implements a three-state circuit breaker, adapted from
// a rolling-window failure-detection exercise into real, wired
// infrastructure for push.Engine's retry policy (SPEC_FULL.md §C.1):
// persistent AuthorizationError on a docId's sync trips the breaker so a
// permission problem doesn't hot-loop retries forever.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the circuit is currently open.
var ErrOpen = errors.New("breaker: circuit open")

// State is one of the three breaker states.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes the breaker.
type Config struct {
	WindowSize       int           // rolling window size
	FailureThreshold float64       // fraction of failures in the window that trips the breaker
	ResetTimeout     time.Duration // Open -> HalfOpen after this
	ProbeCount       int           // consecutive successful probes in HalfOpen needed to close
}

// DefaultConfig is a reasonable default for a per-docId push breaker.
func DefaultConfig() Config {
	return Config{WindowSize: 10, FailureThreshold: 0.6, ResetTimeout: 30 * time.Second, ProbeCount: 3}
}

// Stats is a snapshot of breaker metrics.
type Stats struct {
	State            State
	TotalRequests     int64
	Failures          int64
	Successes         int64
	ConsecutiveFails  int64
	FailureRate       float64
}

// Breaker is a rolling-window, three-state circuit breaker. The zero
// value is not usable; use New.
type Breaker struct {
	cfg Config

	mu             sync.Mutex
	state          State
	window         []bool // circular buffer: true = failure
	head           int
	filled         int
	openedAt       time.Time
	probesSent     int
	probesSuccess  int
	total          int64
	failures       int64
	successes      int64
	consecutive    int64
}

func New(cfg Config) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.ProbeCount <= 0 {
		cfg.ProbeCount = DefaultConfig().ProbeCount
	}
	return &Breaker{cfg: cfg, window: make([]bool, cfg.WindowSize)}
}

// Allow reports whether a call should proceed now. It must be paired with
// a later call to RecordSuccess or RecordFailure when it returns nil.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.openedAt) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		b.state = HalfOpen
		b.probesSent = 0
		b.probesSuccess = 0
		return nil
	case HalfOpen:
		if b.probesSent >= b.cfg.ProbeCount {
			return ErrOpen
		}
		b.probesSent++
		return nil
	default: // Closed
		return nil
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++
	b.successes++
	b.consecutive = 0
	b.record(false)

	if b.state == HalfOpen {
		b.probesSuccess++
		if b.probesSuccess >= b.cfg.ProbeCount {
			b.reset()
		}
	}
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++
	b.failures++
	b.consecutive++
	b.record(true)

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		if b.filled >= b.cfg.WindowSize && b.failureRateLocked() >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) record(failed bool) {
	b.window[b.head] = failed
	b.head = (b.head + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
}

func (b *Breaker) failureRateLocked() float64 {
	if b.filled == 0 {
		return 0
	}
	var fails int
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			fails++
		}
	}
	return float64(fails) / float64(b.filled)
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
}

func (b *Breaker) reset() {
	b.state = Closed
	b.head = 0
	b.filled = 0
	for i := range b.window {
		b.window[i] = false
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of breaker metrics.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:            b.state,
		TotalRequests:    b.total,
		Failures:         b.failures,
		Successes:        b.successes,
		ConsecutiveFails: b.consecutive,
		FailureRate:      b.failureRateLocked(),
	}
}
