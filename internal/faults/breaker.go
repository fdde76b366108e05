package faults

import (
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// ErrCircuitOpen is returned by Allow-guarded calls while the breaker rejects.
var ErrCircuitOpen = New(KindResource, "circuit breaker open")

// BreakerConfig holds the thresholds for one breaker.
type BreakerConfig struct {
	FailureThreshold int           // CLOSED -> OPEN at this many consecutive failures
	SuccessThreshold int           // HALF_OPEN -> CLOSED at this many successes
	Timeout          time.Duration // OPEN -> HALF_OPEN after this long
}

// DefaultBreakerConfig mirrors the error_handling config defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Breaker is a circuit breaker guarding one downstream service.
//
// Transitions: CLOSED->OPEN on failure_count >= failure_threshold;
// OPEN->HALF_OPEN when now >= next_attempt_time (a single probe is admitted);
// HALF_OPEN->CLOSED on success_count >= success_threshold; HALF_OPEN->OPEN on
// any failure. Each breaker is its own lock.
type Breaker struct {
	mu sync.Mutex

	service      string
	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time
	nextAttempt  time.Time
	probing      bool // a half-open probe is in flight
	cfg          BreakerConfig

	now func() time.Time // injectable clock for tests
}

// NewBreaker creates a closed breaker for the named service.
func NewBreaker(service string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBreakerConfig().Timeout
	}
	return &Breaker{
		service: service,
		state:   BreakerClosed,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Allow reports whether a call may proceed. In OPEN state it admits a single
// probe once the timeout has elapsed, moving to HALF_OPEN.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Before(b.nextAttempt) {
			return false
		}
		b.state = BreakerHalfOpen
		b.successCount = 0
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failureCount = 0
	case BreakerHalfOpen:
		b.probing = false
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failureCount = 0
			b.successCount = 0
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.probing = false
		b.trip()
	}
}

// trip moves the breaker to OPEN. Must hold b.mu.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.nextAttempt = b.now().Add(b.cfg.Timeout)
	b.successCount = 0
}

// Call runs fn under the breaker, recording its outcome.
func (b *Breaker) Call(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of a breaker for status endpoints.
type Snapshot struct {
	Service      string       `json:"service"`
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failure_count"`
	SuccessCount int          `json:"success_count"`
	LastFailure  time.Time    `json:"last_failure_time"`
	NextAttempt  time.Time    `json:"next_attempt_time"`
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Service:      b.service,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		LastFailure:  b.lastFailure,
		NextAttempt:  b.nextAttempt,
	}
}

// BreakerSet manages one breaker per downstream service name.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
	logger   *slog.Logger
}

// NewBreakerSet creates an empty set using cfg for new breakers.
func NewBreakerSet(cfg BreakerConfig, logger *slog.Logger) *BreakerSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerSet{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		logger:   logger.With("component", "faults.BreakerSet"),
	}
}

// For returns the breaker for service, creating it on first use.
func (s *BreakerSet) For(service string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[service]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[service]; ok {
		return b
	}
	b = NewBreaker(service, s.cfg)
	s.breakers[service] = b
	s.logger.Debug("breaker created", "service", service)
	return b
}

// Snapshots returns the state of every breaker in the set.
func (s *BreakerSet) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
