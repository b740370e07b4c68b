package pagedllm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamFIFOAndFinishProtocol(t *testing.T) {
	s := NewGenerationStream()

	assert.False(t, s.CanRead())
	assert.False(t, s.IsFinished())

	s.Push(GenerationOutputs{1: {TokenID: 10}})
	s.Push(GenerationOutputs{1: {TokenID: 11}})
	s.Finish()

	// After Finish, buffered iterations stay readable in order.
	assert.True(t, s.CanRead())
	assert.False(t, s.IsFinished())

	first, ok := s.ReadOne()
	require.True(t, ok)
	assert.Equal(t, int64(10), first[1].TokenID)

	second, ok := s.ReadOne()
	require.True(t, ok)
	assert.Equal(t, int64(11), second[1].TokenID)

	assert.False(t, s.CanRead())
	assert.True(t, s.IsFinished())
}

func TestStreamFinishWithError(t *testing.T) {
	s := NewGenerationStream()
	s.FinishWithError(ErrModelStep)

	assert.True(t, s.IsFinished())
	assert.True(t, errors.Is(s.Err(), ErrModelStep))
}

func TestHandleReadAllSingleSequence(t *testing.T) {
	g := testGroup(t, 1, 2, 4)
	h := newGenerationHandle(g)
	seq := g.Sequences()[0]

	seq.AppendToken(5, -0.1)
	g.NotifyHandle()
	seq.AppendToken(6, -0.2)
	g.NotifyHandle()
	g.FinishGenerationStream()

	results := h.ReadAll()
	require.Len(t, results, 1)
	assert.Equal(t, []int64{5, 6}, results[0].GeneratedIDs)
	assert.InDelta(t, -0.3, float64(results[0].CumulativeLogProb), 1e-5)
	assert.True(t, h.Finished())
}

func TestHandleReadAllReconstructsForkedPrefix(t *testing.T) {
	g := testGroup(t, 1, 2, 4, WithBeamWidth(2))
	h := newGenerationHandle(g)
	parent := g.Sequences()[0]

	parent.AppendToken(5, -0.1)
	g.NotifyHandle()

	// Fork after one streamed token: the child's first streamed token must
	// be replayed on top of the parent's earlier prefix.
	child := g.ForkSequence(parent)
	parent.AppendToken(6, -0.2)
	child.AppendToken(7, -0.3)
	g.NotifyHandle()
	g.FinishGenerationStream()

	results := h.ReadAll()
	require.Len(t, results, 2)
	assert.Equal(t, []int64{5, 6}, results[0].GeneratedIDs)
	assert.Equal(t, []int64{5, 7}, results[1].GeneratedIDs)
}

func TestHandleCancelFlagsGroup(t *testing.T) {
	g := testGroup(t, 1, 2, 4)
	h := newGenerationHandle(g)

	assert.False(t, g.IsCancelled())
	h.Cancel()
	assert.True(t, g.IsCancelled())
}
