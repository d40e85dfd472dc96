package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strings"
	"time"

	"github.com/eddiefleurent/scranton_ledger/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// RetryConfig bounds the backoff loop around a provider call
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Timeout caps one call including all of its retries
	Timeout time.Duration
}

// DefaultRetryConfig is used when NewResilientProvider gets a zero config
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// BreakerSettings configures the circuit breaker
type BreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultBreakerSettings trips at 60% failures over at least five requests
var DefaultBreakerSettings = BreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// ResilientProvider wraps a Provider (and optionally a Quoter) with bounded
// exponential backoff plus jitter and a circuit breaker
type ResilientProvider struct {
	next    Provider
	breaker *gobreaker.CircuitBreaker
	logger  logrus.FieldLogger
	sleep   func(context.Context, time.Duration) error
	retry   RetryConfig
}

// NewResilientProvider wraps next. Zero-valued configs take the defaults.
func NewResilientProvider(next Provider, retry RetryConfig, settings BreakerSettings, logger logrus.FieldLogger) *ResilientProvider {
	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig
	}
	if settings == (BreakerSettings{}) {
		settings = DefaultBreakerSettings
	}
	logger = logging.OrDiscard(logger)

	gb := gobreaker.Settings{
		Name:        "MarketDataCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("Circuit breaker state changed")
		},
	}
	return &ResilientProvider{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(gb),
		logger:  logger,
		sleep:   sleepCtx,
		retry:   retry,
	}
}

// State exposes the breaker state for health reporting
func (r *ResilientProvider) State() gobreaker.State { return r.breaker.State() }

// GetBars implements Provider
func (r *ResilientProvider) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	return withRetry(ctx, r, "get_bars "+symbol, func(ctx context.Context) ([]Bar, error) {
		return r.next.GetBars(ctx, symbol, start, end)
	})
}

// GetQuote implements Quoter when the wrapped provider does
func (r *ResilientProvider) GetQuote(ctx context.Context, symbol string) (Bar, error) {
	q, ok := r.next.(Quoter)
	if !ok {
		return Bar{}, fmt.Errorf("provider %T does not serve quotes", r.next)
	}
	return withRetry(ctx, r, "get_quote "+symbol, func(ctx context.Context) (Bar, error) {
		return q.GetQuote(ctx, symbol)
	})
}

func withRetry[T any](ctx context.Context, r *ResilientProvider, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	callCtx, cancel := context.WithTimeout(ctx, r.retry.Timeout)
	defer cancel()

	backoff := r.retry.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= r.retry.MaxRetries; attempt++ {
		if err := callCtx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%s canceled after %d attempts: %w", op, attempt, errors.Join(err, lastErr))
			}
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		res, err := r.breaker.Execute(func() (any, error) { return fn(callCtx) })
		if err == nil {
			v, ok := res.(T)
			if !ok {
				return zero, errors.New("circuit breaker: type assertion failed")
			}
			return v, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == r.retry.MaxRetries {
			break
		}
		r.logger.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).WithError(err).Warn("Transient market data error, retrying")

		if err := r.sleep(callCtx, backoff); err != nil {
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, errors.Join(err, lastErr))
		}
		backoff = nextBackoff(backoff, r.retry.MaxBackoff)
	}
	return zero, fmt.Errorf("%s failed: %w", op, lastErr)
}

// nextBackoff grows by 1.5x up to limit and adds up to 25% jitter
func nextBackoff(current, limit time.Duration) time.Duration {
	b := time.Duration(float64(current) * 1.5)
	if limit > 0 && b > limit {
		b = limit
	}
	if j := int64(b / 4); j > 0 {
		b += time.Duration(rand.Int64N(j))
	}
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsTransient reports whether err is worth retrying: an open breaker,
// 429/5xx API errors, network timeouts and dropped connections. A body that
// fails to decode is permanent even when the decoder hit EOF.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var decErr *DecodeError
	if errors.As(err, &decErr) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// connection closed mid-response
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
