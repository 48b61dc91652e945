package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ResilienceConfig configures the four knobs a resilient processor adds on
// top of the plain contract.
type ResilienceConfig struct {
	Retries         int
	PerAttemptTimeout time.Duration
	CircuitBreaker  CircuitBreakerConfig
	Fallback        Processor // optional
	Logger          *zap.Logger
}

// ResilientProcessor wraps a Processor with retry (exponential backoff via
// backoff/v4), a per-attempt timeout, a circuit breaker, and an optional
// fallback processor, exposing the same contract so it is indistinguishable
// from a plain processor to the pipeline.
type ResilientProcessor struct {
	inner  Processor
	cfg    ResilienceConfig
	breaker *CircuitBreaker
	log    *zap.Logger
}

// NewResilientProcessor builds the wrapper around inner.
func NewResilientProcessor(inner Processor, cfg ResilienceConfig) *ResilientProcessor {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PerAttemptTimeout <= 0 {
		cfg.PerAttemptTimeout = inner.Metadata().DefaultTimeout
	}
	return &ResilientProcessor{
		inner:   inner,
		cfg:     cfg,
		breaker: NewCircuitBreaker(cfg.CircuitBreaker),
		log:     log,
	}
}

func (r *ResilientProcessor) Metadata() Metadata { return r.inner.Metadata() }

func (r *ResilientProcessor) Initialize(ctx context.Context) error {
	if err := r.inner.Initialize(ctx); err != nil {
		return err
	}
	if r.cfg.Fallback != nil {
		return r.cfg.Fallback.Initialize(ctx)
	}
	return nil
}

func (r *ResilientProcessor) Validate(ctx context.Context, pctx Context) []error {
	return r.inner.Validate(ctx, pctx)
}

func (r *ResilientProcessor) Cleanup(ctx context.Context) error {
	if err := r.inner.Cleanup(ctx); err != nil {
		return err
	}
	if r.cfg.Fallback != nil {
		return r.cfg.Fallback.Cleanup(ctx)
	}
	return nil
}

func (r *ResilientProcessor) HealthCheck(ctx context.Context) Health {
	return r.inner.HealthCheck(ctx)
}

// Process retries the inner processor up to cfg.Retries+1 total attempts,
// backing off exponentially between them, short-circuiting to the fallback
// (or a failed result) while the breaker is open.
func (r *ResilientProcessor) Process(ctx context.Context, pctx Context) (Result, error) {
	start := time.Now()

	if !r.breaker.CanExecute() {
		if r.cfg.Fallback != nil {
			return r.cfg.Fallback.Process(ctx, pctx)
		}
		return Result{
			Status:    StatusFailed,
			StartTime: start,
			EndTime:   time.Now(),
			Errors:    []string{"circuit breaker is open"},
		}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	maxAttempts := r.cfg.Retries + 1

	var lastErr error
	var lastResult Result
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := bo.NextBackOff()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Result{}, ctx.Err()
			case <-timer.C:
			}
		}

		attemptCtx, cancel := withOptionalTimeout(ctx, r.cfg.PerAttemptTimeout)
		result, err := r.inner.Process(attemptCtx, pctx)
		cancel()

		if err == nil && result.Status == StatusCompleted {
			r.breaker.CallSucceeded()
			return result, nil
		}
		lastErr = err
		lastResult = result
		r.log.Debug("processor attempt failed",
			zap.String("processor", r.inner.Metadata().Name), zap.Int("attempt", attempt), zap.Error(err))
	}

	r.breaker.CallFailed()
	if r.cfg.Fallback != nil {
		return r.cfg.Fallback.Process(ctx, pctx)
	}
	if lastErr != nil {
		return Result{
			Status:    StatusFailed,
			StartTime: start,
			EndTime:   time.Now(),
			Errors:    []string{lastErr.Error()},
		}, nil
	}
	return lastResult, nil
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// Chain tries processors in order until one returns StatusCompleted, else
// returns a failed result with every attempt's errors concatenated.
type Chain struct {
	Processors []Processor
}

func (c Chain) Process(ctx context.Context, pctx Context) (Result, error) {
	var errs []string
	for _, p := range c.Processors {
		result, err := p.Process(ctx, pctx)
		if err == nil && result.Status == StatusCompleted {
			return result, nil
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
		errs = append(errs, result.Errors...)
	}
	return Result{Status: StatusFailed, Errors: errs}, fmt.Errorf("processor chain exhausted: %v", errs)
}
