package transport

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	bsperrors "github.com/ajitpratap0/bsp-sdk-go/pkg/errors"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/logging"
	"github.com/ajitpratap0/bsp-sdk-go/pkg/protocol"
)

// ReliabilityMiddleware retries failed query requests and guards the peer
// with a circuit breaker. Build actions, lifecycle requests and notifications
// are sent exactly once: replaying them would repeat side effects.
type ReliabilityMiddleware struct {
	config         ReliabilityConfig
	circuitBreaker *reliabilityCircuitBreaker
	logger         logging.Logger
}

// NewReliabilityMiddleware creates a new reliability middleware
func NewReliabilityMiddleware(config ReliabilityConfig, logger logging.Logger) Middleware {
	if logger == nil {
		logger = logging.NewNop()
	}
	rm := &ReliabilityMiddleware{
		config: config,
		logger: logger.WithFields(logging.String("component", "ReliabilityMiddleware")),
	}

	if config.CircuitBreaker.Enabled {
		rm.circuitBreaker = newReliabilityCircuitBreaker(config.CircuitBreaker)
	}

	return rm
}

// Wrap implements the Middleware interface
func (rm *ReliabilityMiddleware) Wrap(transport Transport) Transport {
	return &reliabilityTransport{
		middlewareTransport: middlewareTransport{next: transport},
		middleware:          rm,
	}
}

// reliabilityTransport wraps a transport with reliability features
type reliabilityTransport struct {
	middlewareTransport
	middleware *ReliabilityMiddleware
}

func (rt *reliabilityTransport) circuitOpenError(method string) error {
	return bsperrors.TransportError("reliability", "circuit_breaker_check",
		fmt.Errorf("circuit breaker is open")).
		WithContext(&bsperrors.Context{
			Method:    method,
			Component: "ReliabilityMiddleware",
			Operation: "circuit_breaker_check",
		})
}

// SendRequest wraps the underlying SendRequest with retry logic
func (rt *reliabilityTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	config := rt.middleware.config
	cb := rt.middleware.circuitBreaker

	if cb != nil && !cb.canMakeCall() {
		return nil, rt.circuitOpenError(method)
	}

	maxAttempts := 1
	if protocol.IsQueryMethod(method) {
		maxAttempts = config.MaxRetries + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt > 0 {
			delay := rt.calculateBackoff(attempt, config)
			rt.middleware.logger.Debug("Retrying request",
				logging.String("method", method),
				logging.Int("attempt", attempt),
				logging.Duration("delay", delay))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := rt.middlewareTransport.SendRequest(ctx, method, params)
		if err == nil {
			if cb != nil {
				cb.recordSuccess()
			}
			return result, nil
		}

		lastErr = err

		// The peer answered: it is healthy even if the answer is an error.
		if _, ok := err.(*protocol.Error); ok {
			if cb != nil {
				cb.recordSuccess()
			}
			return nil, err
		}

		if cb != nil {
			cb.recordFailure()
		}

		if !bsperrors.IsRetryableError(err) {
			return nil, err
		}

		rt.middleware.logger.WithError(err).Warn("Retryable request failure",
			logging.String("method", method),
			logging.Int("attempt", attempt+1),
			logging.Int("max_attempts", maxAttempts))
	}

	if maxAttempts == 1 {
		return nil, lastErr
	}

	return nil, bsperrors.WrapError(
		lastErr,
		bsperrors.CodeTransportError,
		fmt.Sprintf("Request failed after %d attempts", maxAttempts),
		bsperrors.CategoryTransport,
		bsperrors.SeverityError,
	).WithContext(&bsperrors.Context{
		Method:    method,
		Component: "ReliabilityMiddleware",
		Operation: "retry_exhausted",
	})
}

// SendNotification checks the circuit breaker and sends once
func (rt *reliabilityTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	cb := rt.middleware.circuitBreaker
	if cb != nil && !cb.canMakeCall() {
		return rt.circuitOpenError(method)
	}

	err := rt.middlewareTransport.SendNotification(ctx, method, params)
	if cb != nil {
		if err != nil {
			cb.recordFailure()
		} else {
			cb.recordSuccess()
		}
	}
	return err
}

// secureRandFloat64 generates a cryptographically secure random float64 in [0, 1)
func secureRandFloat64() (float64, error) {
	max := big.NewInt(1 << 53)
	n, err := cryptorand.Int(cryptorand.Reader, max)
	if err != nil {
		return 0, err
	}
	return float64(n.Int64()) / float64(1<<53), nil
}

// calculateBackoff calculates the delay before the next retry
func (rt *reliabilityTransport) calculateBackoff(attempt int, config ReliabilityConfig) time.Duration {
	backoff := float64(config.InitialRetryDelay) * math.Pow(config.RetryBackoffFactor, float64(attempt-1))

	if backoff > float64(config.MaxRetryDelay) {
		backoff = float64(config.MaxRetryDelay)
	}

	// ±10% jitter
	if randFloat, err := secureRandFloat64(); err == nil {
		jitter := backoff * 0.1 * (randFloat*2 - 1)
		backoff += jitter
	}

	return time.Duration(backoff)
}

// reliabilityCircuitBreaker implements a simple circuit breaker
type reliabilityCircuitBreaker struct {
	config    CircuitBreakerConfig
	state     circuitState
	failures  int
	successes int
	lastError time.Time
	mu        sync.RWMutex
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func newReliabilityCircuitBreaker(config CircuitBreakerConfig) *reliabilityCircuitBreaker {
	return &reliabilityCircuitBreaker{
		config: config,
		state:  circuitClosed,
	}
}

func (cb *reliabilityCircuitBreaker) canMakeCall() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(cb.lastError) > cb.config.Timeout {
			cb.state = circuitHalfOpen
			cb.successes = 0
			return true
		}
		return false
	case circuitHalfOpen:
		return true
	}

	return false
}

func (cb *reliabilityCircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0

	if cb.state == circuitHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = circuitClosed
		}
	}
}

func (cb *reliabilityCircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastError = time.Now()
	cb.failures++

	if cb.state == circuitHalfOpen {
		cb.state = circuitOpen
		return
	}

	if cb.failures >= cb.config.FailureThreshold {
		cb.state = circuitOpen
	}
}
