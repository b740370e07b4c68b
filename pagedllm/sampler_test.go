package pagedllm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickTokenGreedy(t *testing.T) {
	row := []float32{0, 3, 1, 2}
	params := NewSamplingParams(WithTemperature(0))

	token, logProb := pickToken(row, params, 1)
	assert.Equal(t, int64(1), token)
	assert.Less(t, logProb, float32(0))
}

func TestPickTokenSeededIsStable(t *testing.T) {
	row := []float32{1, 1.5, 0.5, 2, 0}
	params := NewSamplingParams(WithTemperature(0.7), WithTopK(3))

	seed := stepSeed(4, 9, 2)
	a, _ := pickToken(row, params, seed)
	b, _ := pickToken(row, params, seed)
	assert.Equal(t, a, b)
}

func TestPickTokenTopKRestrictsSupport(t *testing.T) {
	row := []float32{10, 9, -50, -50}
	params := NewSamplingParams(WithTemperature(1.0), WithTopK(2))

	for seed := uint64(0); seed < 32; seed++ {
		token, _ := pickToken(row, params, seed)
		assert.Contains(t, []int64{0, 1}, token)
	}
}

func TestTopTokensOrder(t *testing.T) {
	row := []float32{0, 5, 3, 4}
	tokens, logProbs := topTokens(row, 3)
	assert.Equal(t, []int64{1, 3, 2}, tokens)
	assert.Greater(t, logProbs[0], logProbs[1])
	assert.Greater(t, logProbs[1], logProbs[2])
}

func TestStepSeedVariesByInput(t *testing.T) {
	base := stepSeed(1, 2, 3)
	assert.NotEqual(t, base, stepSeed(1, 2, 4))
	assert.NotEqual(t, base, stepSeed(1, 3, 3))
	assert.NotEqual(t, base, stepSeed(2, 2, 3))
	assert.Equal(t, base, stepSeed(1, 2, 3))
}

func TestDecodeUnknownSequenceIsError(t *testing.T) {
	g := testGroup(t, 1, 2, 4)
	g.ScheduleTokens(2)

	sg := &ScheduledGroup{
		RequestID:        1,
		NumTokens:        2,
		PromptLen:        2,
		RequiresSampling: true,
		group:            g,
	}
	slots := []SampleSlot{{RequestID: 1, SeqID: 999}}
	logits := [][]float32{make([]float32, 8)}

	err := NewDefaultSampler().Decode([]*ScheduledGroup{sg}, slots, logits)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sequence")
}

func TestDecodeBeamForkAppendsDistinctTokens(t *testing.T) {
	g := testGroup(t, 1, 1, 4, WithBeamWidth(2), WithEOSTokenID(1000), WithMaxNewTokens(5))
	g.ScheduleTokens(1)

	primary := g.Sequences()[0]
	sg := &ScheduledGroup{
		RequestID:        1,
		NumTokens:        1,
		PromptLen:        1,
		RequiresSampling: true,
		group:            g,
	}
	slots := []SampleSlot{{RequestID: 1, SeqID: primary.ID()}}
	row := make([]float32, 8)
	row[3] = 10
	row[5] = 8

	err := NewDefaultSampler().Decode([]*ScheduledGroup{sg}, slots, [][]float32{row})
	require.NoError(t, err)
	require.Equal(t, 2, g.NumTotalSeqs())

	child := g.Sequences()[1]
	assert.Equal(t, []int64{3}, primary.GeneratedIDs())
	assert.Equal(t, []int64{5}, child.GeneratedIDs())
	assert.Equal(t, primary.ID(), child.ParentID())
	assert.Greater(t, primary.CumulativeLogProb(), child.CumulativeLogProb())
}

func TestDecodeStopTokenFinishesSequence(t *testing.T) {
	g := testGroup(t, 1, 1, 4,
		WithStopTokenIDs(3), WithTemperature(0), WithEOSTokenID(1000), WithMaxNewTokens(5))
	g.ScheduleTokens(1)

	primary := g.Sequences()[0]
	sg := &ScheduledGroup{
		RequestID:        1,
		NumTokens:        1,
		PromptLen:        1,
		RequiresSampling: true,
		group:            g,
	}
	slots := []SampleSlot{{RequestID: 1, SeqID: primary.ID()}}
	row := make([]float32, 8)
	row[3] = 10

	err := NewDefaultSampler().Decode([]*ScheduledGroup{sg}, slots, [][]float32{row})
	require.NoError(t, err)
	assert.True(t, primary.HasFinished())
}
