package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		require.True(t, b.CanExecute())
		b.CallFailed()
	}
	assert.Equal(t, CircuitClosed, b.State())

	b.CallFailed()
	assert.Equal(t, CircuitOpen, b.State())
	assert.False(t, b.CanExecute())
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	now := time.Now()
	b := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second, HalfOpenProbes: 2})
	b.now = func() time.Time { return now }

	b.CallFailed()
	assert.Equal(t, CircuitOpen, b.State())

	b.now = func() time.Time { return now.Add(2 * time.Second) }
	assert.True(t, b.CanExecute())
	assert.Equal(t, CircuitHalfOpen, b.State())

	b.CallSucceeded()
	assert.Equal(t, CircuitHalfOpen, b.State())
	b.CallSucceeded()
	assert.Equal(t, CircuitClosed, b.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second})
	b.now = func() time.Time { return now }
	b.CallFailed()

	b.now = func() time.Time { return now.Add(2 * time.Second) }
	require.True(t, b.CanExecute())
	b.CallFailed()
	assert.Equal(t, CircuitOpen, b.State())
}

type flakyProcessor struct {
	stubProcessorResilience
	failuresBeforeSuccess int
	attempts              int
}

type stubProcessorResilience struct{}

func (stubProcessorResilience) Metadata() Metadata { return Metadata{Name: "flaky", DefaultTimeout: time.Second} }
func (stubProcessorResilience) Initialize(ctx context.Context) error                  { return nil }
func (stubProcessorResilience) Validate(ctx context.Context, pctx Context) []error    { return nil }
func (stubProcessorResilience) Cleanup(ctx context.Context) error                     { return nil }
func (stubProcessorResilience) HealthCheck(ctx context.Context) Health                { return Health{Healthy: true} }

func (p *flakyProcessor) Process(ctx context.Context, pctx Context) (Result, error) {
	p.attempts++
	if p.attempts <= p.failuresBeforeSuccess {
		return Result{Status: StatusFailed}, errors.New("transient")
	}
	return Result{Status: StatusCompleted}, nil
}

func TestResilientProcessorRetriesUntilSuccess(t *testing.T) {
	inner := &flakyProcessor{failuresBeforeSuccess: 2}
	r := NewResilientProcessor(inner, ResilienceConfig{Retries: 3})

	result, err := r.Process(context.Background(), Context{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 3, inner.attempts)
}

func TestResilientProcessorFallsBackAfterExhaustingRetries(t *testing.T) {
	inner := &flakyProcessor{failuresBeforeSuccess: 100}
	fallback := &flakyProcessor{failuresBeforeSuccess: 0}
	r := NewResilientProcessor(inner, ResilienceConfig{Retries: 1, Fallback: fallback})

	result, err := r.Process(context.Background(), Context{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 1, fallback.attempts)
}

func TestResilientProcessorShortCircuitsWhenBreakerOpen(t *testing.T) {
	inner := &flakyProcessor{failuresBeforeSuccess: 100}
	r := NewResilientProcessor(inner, ResilienceConfig{
		Retries:        0,
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute},
	})

	_, err := r.Process(context.Background(), Context{})
	require.NoError(t, err)
	assert.Equal(t, CircuitOpen, r.breaker.State())

	attemptsBefore := inner.attempts
	result, err := r.Process(context.Background(), Context{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, attemptsBefore, inner.attempts, "breaker open should short-circuit without calling inner")
}

func TestChainTriesEachUntilSuccess(t *testing.T) {
	c := Chain{Processors: []Processor{
		&flakyProcessor{failuresBeforeSuccess: 100},
		&flakyProcessor{failuresBeforeSuccess: 0},
	}}
	result, err := c.Process(context.Background(), Context{})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
}

func TestChainExhaustedReturnsError(t *testing.T) {
	c := Chain{Processors: []Processor{
		&flakyProcessor{failuresBeforeSuccess: 100},
	}}
	_, err := c.Process(context.Background(), Context{})
	assert.Error(t, err)
}
