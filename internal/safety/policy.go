// Package safety contains the failure-containment policy for one worker: a
// pair of circuit breakers that stop the execution loop when the agent keeps
// failing or keeps spinning without visible progress.
package safety

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is the terminal halt condition. Once raised the loop must
// stop fetching work; only a fresh worker process (or operator reset) clears
// it.
var ErrCircuitOpen = errors.New("safety circuit open")

// Default thresholds.
const (
	DefaultErrorThreshold      = 5
	DefaultNoProgressThreshold = 3
)

// neverHalfOpen keeps an opened breaker open for any realistic worker
// lifetime: the policy does not self-heal.
const neverHalfOpen = 10 * 365 * 24 * time.Hour

var (
	errIteration = errors.New("iteration failed")
	errStagnant  = errors.New("iteration made no progress")
)

// Outcome classifies one loop iteration for the policy.
type Outcome struct {
	// Err is the iteration's failure, if any: agent timeout, non-zero exit,
	// spawn failure, or a board call that could not be recovered. Claim
	// conflicts are not errors and must not be recorded.
	Err error
	// Progress is true when the iteration produced file changes or a
	// completion indicator.
	Progress bool
}

// Config configures a Policy. Zero thresholds take the defaults.
type Config struct {
	ErrorThreshold      uint32
	NoProgressThreshold uint32
	Logger              *slog.Logger
}

// Policy tracks consecutive failures and consecutive stagnant iterations for
// a single worker. State lives for the worker process; it is not shared and
// not persisted.
type Policy struct {
	errorsBreaker   *gobreaker.CircuitBreaker
	stagnantBreaker *gobreaker.CircuitBreaker
}

// NewPolicy builds a Policy with its two breakers closed.
func NewPolicy(cfg Config) *Policy {
	errThreshold := cfg.ErrorThreshold
	if errThreshold == 0 {
		errThreshold = DefaultErrorThreshold
	}
	stagnantThreshold := cfg.NoProgressThreshold
	if stagnantThreshold == 0 {
		stagnantThreshold = DefaultNoProgressThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Policy{
		errorsBreaker:   newBreaker("consecutive-errors", errThreshold, logger),
		stagnantBreaker: newBreaker("no-progress", stagnantThreshold, logger),
	}
}

func newBreaker(name string, threshold uint32, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0, // never clear counts on a schedule
		Timeout:     neverHalfOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("safety breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// Record feeds one iteration outcome into both breakers. An iteration counts
// against the error breaker only when it actually failed, and against the
// stagnation breaker whenever it showed no progress, error or not. A clean,
// progressing iteration resets both counters.
func (p *Policy) Record(o Outcome) {
	record(p.errorsBreaker, o.Err != nil, errIteration)
	record(p.stagnantBreaker, !o.Progress, errStagnant)
}

// record pushes a success or failure through a breaker. Once the breaker is
// open, Execute refuses the call and the state sticks, which is exactly the
// latching behavior the policy wants.
func record(cb *gobreaker.CircuitBreaker, failed bool, failure error) {
	cb.Execute(func() (any, error) { //nolint:errcheck
		if failed {
			return nil, failure
		}
		return nil, nil
	})
}

// IsOpen reports whether either breaker has tripped.
func (p *Policy) IsOpen() bool {
	return p.errorsBreaker.State() == gobreaker.StateOpen ||
		p.stagnantBreaker.State() == gobreaker.StateOpen
}

// ConsecutiveErrors returns the current consecutive-failure count.
func (p *Policy) ConsecutiveErrors() uint32 {
	return p.errorsBreaker.Counts().ConsecutiveFailures
}

// ConsecutiveNoProgress returns the current stagnant-iteration count.
func (p *Policy) ConsecutiveNoProgress() uint32 {
	return p.stagnantBreaker.Counts().ConsecutiveFailures
}

// Reason describes why the policy is open, for the terminal report. Empty
// while the policy is closed.
func (p *Policy) Reason() string {
	switch {
	case p.errorsBreaker.State() == gobreaker.StateOpen:
		return "too many consecutive errors"
	case p.stagnantBreaker.State() == gobreaker.StateOpen:
		return "too many consecutive iterations without progress"
	default:
		return ""
	}
}
