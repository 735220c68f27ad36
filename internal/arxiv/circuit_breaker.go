package arxiv

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/scrypster/citegraph/internal/metrics"
	"github.com/scrypster/citegraph/pkg/types"
)

// ErrCircuitOpen is returned when an upstream's circuit breaker rejects a
// request because the upstream has been failing.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds the configuration for an upstream circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip the circuit.
	// Default: 5
	MaxFailures uint32

	// Timeout is how long the circuit stays open before allowing a trial request.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxRequests is the number of trial requests allowed while half-open.
	// Default: 2
	HalfOpenMaxRequests uint32
}

// DefaultCircuitBreakerConfig returns the breaker settings used for each upstream.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 2,
	}
}

// CircuitBreaker wraps gobreaker to stop hammering an upstream that keeps failing.
//
// Definitive answers from the upstream (not found) are not failures: the
// upstream is healthy, the paper simply does not exist. Context cancellation
// by the caller is not counted either.
type CircuitBreaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a named circuit breaker. The name labels log
// lines and the breaker state metric.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultCircuitBreakerConfig()
	if config.MaxFailures == 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.HalfOpenMaxRequests == 0 {
		config.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.HalfOpenMaxRequests,
		Interval:    0,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, types.ErrNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("upstream circuit breaker state change",
				zap.String("upstream", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	}

	return &CircuitBreaker{
		name:    name,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Execute runs fn through the circuit breaker. When the circuit is open it
// returns ErrCircuitOpen without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := cb.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the current state of the circuit breaker:
// "closed", "open" or "half-open".
func (cb *CircuitBreaker) State() string {
	return cb.breaker.State().String()
}

// Name returns the upstream name the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}
