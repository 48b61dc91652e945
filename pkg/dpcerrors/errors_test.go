package dpcerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMatchesSentinelByKind(t *testing.T) {
	err := New(KindResource, "no cpu left")
	assert.True(t, errors.Is(err, ErrResource))
	assert.False(t, errors.Is(err, ErrCheckpoint))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindProcessorExecution, cause, "stage %q", "extract")
	require.ErrorIs(t, err, ErrProcessorExecution)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "boom")
}

func TestKindOfWalksUnwrapChain(t *testing.T) {
	inner := New(KindQueueFull, "full")
	outer := errors.Join(errors.New("context"), inner)
	kind, ok := KindOf(outer)
	assert.True(t, ok)
	assert.Equal(t, KindQueueFull, kind)
}

func TestCyclicDependencyErrorIsPipelineConfig(t *testing.T) {
	err := &CyclicDependencyError{Cycles: [][]string{{"a", "b", "a"}}}
	assert.ErrorIs(t, err, ErrPipelineConfig)
	assert.Contains(t, err.Error(), "1 cyclic dependency group")
}

func TestWithDetail(t *testing.T) {
	err := New(KindResource, "rejected").WithDetail("stage", "extract")
	assert.Equal(t, "extract", err.Details()["stage"])
}
