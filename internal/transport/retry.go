package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/metrics"
	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryConfig bounds the retries of one request
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RequestTimeout bounds each attempt; zero leaves the caller's deadline
	RequestTimeout time.Duration
}

// BreakerConfig configures the per-target circuit breaker
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration
}

// Resilient decorates a Transport with a circuit breaker per target member
// and bounded exponential-backoff retries of transient failures.
type Resilient struct {
	next    Transport
	retry   RetryConfig
	breaker BreakerConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[model.MemberID]*gobreaker.CircuitBreaker
}

// NewResilient wraps next
func NewResilient(next Transport, retry RetryConfig, breaker BreakerConfig, m *metrics.Metrics, logger *zap.Logger) *Resilient {
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 50 * time.Millisecond
	}
	if retry.MaxInterval < retry.InitialInterval {
		retry.MaxInterval = retry.InitialInterval
	}
	if breaker.ConsecutiveFailures == 0 {
		breaker.ConsecutiveFailures = 5
	}
	if breaker.OpenTimeout <= 0 {
		breaker.OpenTimeout = 10 * time.Second
	}
	return &Resilient{
		next:     next,
		retry:    retry,
		breaker:  breaker,
		metrics:  m,
		logger:   logger,
		breakers: make(map[model.MemberID]*gobreaker.CircuitBreaker),
	}
}

func (r *Resilient) breakerFor(target model.MemberID) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[target]; ok {
		return cb
	}
	threshold := r.breaker.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("member-%s", target),
		MaxRequests: 1,
		Timeout:     r.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Info("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			r.metrics.RecordBreakerState(to.String())
		},
	})
	r.breakers[target] = cb
	return cb
}

// BreakerState returns the breaker state of a target, closed if never used
func (r *Resilient) BreakerState(target model.MemberID) gobreaker.State {
	r.mu.Lock()
	cb, ok := r.breakers[target]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// call runs fn through the target's breaker with retries.
// Only unreachable errors count against the breaker; remote application errors pass through.
func (r *Resilient) call(ctx context.Context, method string, target model.MemberID, fn func(ctx context.Context) error) error {
	cb := r.breakerFor(target)

	operation := func() error {
		var appErr error
		_, err := cb.Execute(func() (interface{}, error) {
			attemptCtx, cancel := r.attemptContext(ctx)
			defer cancel()

			err := fn(attemptCtx)
			if err != nil && errors.GetCode(err) != errors.ErrCodeUnreachable {
				appErr = err
				return nil, nil
			}
			return nil, err
		})

		switch {
		case stderrors.Is(err, gobreaker.ErrOpenState), stderrors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(errors.Unreachable(target, err))
		case err != nil:
			return err
		case appErr != nil:
			if errors.IsRetryable(appErr) {
				return appErr
			}
			return backoff.Permanent(appErr)
		}
		return nil
	}

	err := backoff.Retry(operation, r.policy(ctx))
	r.metrics.RecordTransportRequest(method, err)
	if err != nil && ctx.Err() != nil && !errors.IsError(err) {
		return errors.Unreachable(target, err)
	}
	return err
}

func (r *Resilient) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.retry.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.retry.RequestTimeout)
}

func (r *Resilient) policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialInterval
	b.MaxInterval = r.retry.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.retry.MaxAttempts-1)), ctx)
}

// SendBackup implements Transport
func (r *Resilient) SendBackup(ctx context.Context, target model.MemberID, batch *model.BackupBatch) (*model.BackupAck, error) {
	var ack *model.BackupAck
	err := r.call(ctx, "SendBackup", target, func(ctx context.Context) error {
		var err error
		ack, err = r.next.SendBackup(ctx, target, batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// Read implements Transport
func (r *Resilient) Read(ctx context.Context, target model.MemberID, req *ReadRequest) (*ReadResponse, error) {
	var resp *ReadResponse
	err := r.call(ctx, "Read", target, func(ctx context.Context) error {
		var err error
		resp, err = r.next.Read(ctx, target, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Write implements Transport
func (r *Resilient) Write(ctx context.Context, target model.MemberID, req *WriteRequest) (*WriteResponse, error) {
	var resp *WriteResponse
	err := r.call(ctx, "Write", target, func(ctx context.Context) error {
		var err error
		resp, err = r.next.Write(ctx, target, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
