package apmerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Format(t *testing.T) {
	err := &Error{Kind: Timeout, Project: "proj-A", Phase: "PLAN", LastGood: "abc", Message: "llm deadline exceeded"}
	assert.Equal(t, "project=proj-A, phase=PLAN, kind=Timeout, lastGood=abc: llm deadline exceeded", err.Error())
}

func TestError_FormatWithoutContext(t *testing.T) {
	err := New(Busy, "project %s is locked", "p1")
	assert.Equal(t, "kind=Busy: project p1 is locked", err.Error())
}

func TestWrap_PreservesCause(t *testing.T) {
	err := Wrap(Storage, context.Canceled, "insert artifact")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, Storage, KindOf(err))
	assert.Contains(t, err.Error(), "insert artifact: context canceled")

	assert.Nil(t, Wrap(Storage, nil, "noop"))
}

func TestKindOf_ThroughFmtWrap(t *testing.T) {
	inner := New(PreconditionMissing, "no RequirementAnalysis")
	outer := fmt.Errorf("run: %w", inner)
	assert.Equal(t, PreconditionMissing, KindOf(outer))
	assert.True(t, Is(outer, PreconditionMissing))
	assert.False(t, Is(outer, Busy))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestWithContext(t *testing.T) {
	err := WithContext(New(Timeout, "deadline"), "proj-A", "PLAN", "ra-1")
	assert.Equal(t, "project=proj-A, phase=PLAN, kind=Timeout, lastGood=ra-1: deadline", err.Error())

	plain := WithContext(errors.New("boom"), "p", "CREATE", "")
	assert.Equal(t, Engine, KindOf(plain))
	assert.Contains(t, plain.Error(), "phase=CREATE, kind=Engine: boom")

	keep := WithContext(&Error{Kind: Storage, Phase: "ANALYZE"}, "p", "PLAN", "")
	assert.Contains(t, keep.Error(), "phase=ANALYZE")

	assert.Nil(t, WithContext(nil, "p", "PLAN", ""))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(Transient, "x")))
	assert.True(t, Retryable(New(Busy, "x")))
	assert.False(t, Retryable(New(Permanent, "x")))
	assert.False(t, Retryable(errors.New("x")))
}
