package pagedllm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T, runner ModelRunner, opts ...ConfigOption) *LLMEngine {
	t.Helper()
	base := []ConfigOption{
		WithMaxNumBatchedTokens(64),
		WithMaxNumSeqs(8),
		WithNumKVBlocks(32),
		WithBlockSize(4),
		WithMaxModelLen(64),
	}
	cfg := NewConfig(append(base, opts...)...)
	engine, err := NewLLMEngine(cfg, runner, nil)
	require.NoError(t, err)
	return engine
}

func runToCompletion(t *testing.T, engine *LLMEngine) []GenerationResult {
	t.Helper()
	var results []GenerationResult
	for i := 0; engine.HasUnfinishedRequests(); i++ {
		require.Less(t, i, 1000, "engine failed to make progress")
		stepResults, err := engine.Step()
		require.NoError(t, err)
		results = append(results, stepResults...)
	}
	return results
}

func TestGenerateSingleRequestGreedy(t *testing.T) {
	engine := testEngine(t, NewMockModelRunner(2048))
	params := NewSamplingParams(
		WithMaxNewTokens(4),
		WithTemperature(0),
		WithEOSTokenID(1000),
	)

	results, err := engine.Generate([][]int64{{5, 6, 7}}, []*SamplingParams{params}, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].GeneratedIDs, 1)
	assert.Equal(t, []int64{8, 9, 10, 11}, results[0].GeneratedIDs[0])
}

func TestGenerateChunkedPrefillTwoRequests(t *testing.T) {
	engine := testEngine(t, NewMockModelRunner(2048), WithMaxNumBatchedTokens(4))
	params := NewSamplingParams(
		WithMaxNewTokens(2),
		WithTemperature(0),
		WithEOSTokenID(1000),
	)

	results, err := engine.Generate(
		[][]int64{{1, 2}, {20, 21, 22, 23}},
		[]*SamplingParams{params},
		false,
	)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint64(0), results[0].RequestID)
	assert.Equal(t, uint64(1), results[1].RequestID)
	assert.Equal(t, []int64{3, 4}, results[0].GeneratedIDs[0])
	assert.Equal(t, []int64{24, 25}, results[1].GeneratedIDs[0])
}

func TestBeamForkSharesBlocksThenCopies(t *testing.T) {
	runner := NewMockModelRunner(2048)
	engine := testEngine(t, runner)
	params := NewSamplingParams(
		WithBeamWidth(2),
		WithMaxNewTokens(3),
		WithTemperature(0),
		WithEOSTokenID(1000),
	)

	_, err := engine.AddRequest(7, []int64{1}, params)
	require.NoError(t, err)

	// Tick 1: prefill plus the fork at the first sampling step.
	_, err = engine.Step()
	require.NoError(t, err)

	g := engine.requests[0]
	require.Equal(t, 2, g.NumTotalSeqs())
	parent, child := g.Sequences()[0], g.Sequences()[1]
	assert.Equal(t, parent.ID(), child.ParentID())

	bm := engine.scheduler.BlockManager()
	parentTable := bm.BlockTable(parent.ID())
	require.Len(t, parentTable, 1)
	assert.Equal(t, parentTable, bm.BlockTable(child.ID()), "fork shares the prompt block")
	assert.Equal(t, 2, bm.pool.RefCount(parentTable[0]))

	// Tick 2: the first write into the shared tail triggers exactly one
	// copy-on-write.
	out := engine.scheduler.Schedule(engine.requests)
	require.Len(t, out.BlockCopyMap, 1)
	for _, sg := range out.ScheduledGroups {
		sg.group.ClearScheduledTokens()
	}
	bm.SwapOut(g)
	assertRefCountConservation(t, bm)
}

func TestBeamResultsOrderedByScore(t *testing.T) {
	engine := testEngine(t, NewMockModelRunner(2048))
	params := NewSamplingParams(
		WithBeamWidth(2),
		WithMaxNewTokens(3),
		WithTemperature(0),
		WithEOSTokenID(1000),
	)

	_, err := engine.AddRequest(0, []int64{1}, params)
	require.NoError(t, err)
	results := runToCompletion(t, engine)

	require.Len(t, results, 1)
	require.Len(t, results[0].GeneratedIDs, 2)
	// The top beam follows the argmax chain from the prompt; the second
	// beam starts from a lower-probability token and scores below it.
	assert.Equal(t, []int64{2, 3, 4}, results[0].GeneratedIDs[0])
	assert.Equal(t, []int64{0, 1, 2}, results[0].GeneratedIDs[1])
	assert.Less(t, results[0].CumulativeLogProb, float32(0))
}

func TestPreemptionRestartsWithoutDuplicateEmission(t *testing.T) {
	engine := testEngine(t, NewMockModelRunner(2048),
		WithNumKVBlocks(6),
		WithMaxNumBatchedTokens(64),
		WithMaxModelLen(16),
	)
	params := NewSamplingParams(
		WithMaxNewTokens(4),
		WithTemperature(0),
		WithEOSTokenID(1000),
	)

	handles := make([]*GenerationHandle, 3)
	for i := 0; i < 3; i++ {
		prompt := make([]int64, 7)
		for j := range prompt {
			prompt[j] = int64(100*i + j)
		}
		h, err := engine.AddRequest(uint64(i), prompt, params)
		require.NoError(t, err)
		handles[i] = h
	}

	preemptedSeen := false
	var results []GenerationResult
	for i := 0; engine.HasUnfinishedRequests(); i++ {
		require.Less(t, i, 1000)
		stepResults, err := engine.Step()
		require.NoError(t, err)
		results = append(results, stepResults...)
		if len(engine.LastPreemptedRequestIDs()) > 0 {
			preemptedSeen = true
			assert.Equal(t, []uint64{2}, engine.LastPreemptedRequestIDs(),
				"the most recently admitted request is preempted first")
		}
	}
	assert.True(t, preemptedSeen, "the pool was sized to force preemption")
	require.Len(t, results, 3)

	// The victim's stream has no duplicated prefix across the preemption
	// cycle, and its final tokens match what was streamed.
	for i, h := range handles {
		raw := h.ReadAll()
		require.Len(t, raw, 1, "request %d", i)
		assert.Equal(t, []int64{int64(100*i + 7), int64(100*i + 8), int64(100*i + 9), int64(100*i + 10)}, raw[0].GeneratedIDs)
	}

	assert.Equal(t, 6, engine.scheduler.BlockManager().FreeCount(), "all blocks reclaimed")
}

func TestCancellationMidDecode(t *testing.T) {
	engine := testEngine(t, NewMockModelRunner(2048))
	freeBefore := engine.scheduler.BlockManager().FreeCount()
	params := NewSamplingParams(
		WithMaxNewTokens(50),
		WithTemperature(0),
		WithEOSTokenID(1000),
	)

	h, err := engine.AddRequest(0, []int64{5, 6, 7}, params)
	require.NoError(t, err)

	// Two ticks: prefill+first token, then one decode token.
	_, err = engine.Step()
	require.NoError(t, err)
	_, err = engine.Step()
	require.NoError(t, err)

	h.Cancel()
	_, err = engine.Step()
	require.NoError(t, err)

	raw := h.ReadAll()
	require.Len(t, raw, 1)
	assert.Equal(t, []int64{8, 9}, raw[0].GeneratedIDs, "exactly the streamed tokens")
	assert.True(t, h.Finished())
	assert.Equal(t, freeBefore, engine.scheduler.BlockManager().FreeCount())
	assert.False(t, engine.HasUnfinishedRequests())
}

func TestEOSStopsSequenceSameTick(t *testing.T) {
	runner := NewMockModelRunner(2048)
	runner.EOSToken = 1000
	runner.EOSAfter = 3
	engine := testEngine(t, runner)
	params := NewSamplingParams(
		WithMaxNewTokens(10),
		WithTemperature(0),
		WithEOSTokenID(1000),
	)

	results, err := engine.Generate([][]int64{{5, 6, 7}}, []*SamplingParams{params}, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []int64{8, 9, 10, 1000}, results[0].GeneratedIDs[0])
	assert.False(t, engine.HasUnfinishedRequests())
}

func TestIgnoreEOSGeneratesPastStop(t *testing.T) {
	runner := NewMockModelRunner(2048)
	runner.EOSToken = 1000
	runner.EOSAfter = 1
	engine := testEngine(t, runner)
	params := NewSamplingParams(
		WithMaxNewTokens(3),
		WithTemperature(0),
		WithEOSTokenID(1000),
		WithIgnoreEOS(true),
	)

	results, err := engine.Generate([][]int64{{5}}, []*SamplingParams{params}, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{6, 1000, 1001}, results[0].GeneratedIDs[0])
}

func TestDeterministicAcrossRuns(t *testing.T) {
	run := func() []GenerationResult {
		engine := testEngine(t, NewMockModelRunner(2048), WithMaxNumBatchedTokens(6))
		params := NewSamplingParams(
			WithMaxNewTokens(4),
			WithTemperature(0.8),
			WithTopK(40),
			WithEOSTokenID(1000),
		)
		results, err := engine.Generate(
			[][]int64{{3, 4, 5}, {7, 8}, {11, 12, 13, 14}},
			[]*SamplingParams{params},
			false,
		)
		require.NoError(t, err)
		return results
	}

	first := run()
	second := run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].RequestID, second[i].RequestID)
		assert.Equal(t, first[i].GeneratedIDs, second[i].GeneratedIDs)
		assert.Equal(t, first[i].CumulativeLogProb, second[i].CumulativeLogProb)
	}
}

func TestParallelSamplingForksIndependently(t *testing.T) {
	engine := testEngine(t, NewMockModelRunner(64))
	params := NewSamplingParams(
		WithNSamples(2),
		WithMaxNewTokens(2),
		WithTemperature(1.0),
		WithEOSTokenID(63),
	)

	results, err := engine.Generate([][]int64{{5}}, []*SamplingParams{params}, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].GeneratedIDs, 2)
}

func TestAddRequestValidation(t *testing.T) {
	engine := testEngine(t, NewMockModelRunner(2048))

	_, err := engine.AddRequest(0, nil, nil)
	assert.True(t, errors.Is(err, ErrInvalidRequest), "empty prompt")

	long := make([]int64, 65)
	_, err = engine.AddRequest(0, long, nil)
	assert.True(t, errors.Is(err, ErrInvalidRequest), "prompt over model limit")

	_, err = engine.AddRequest(1, []int64{1, 2}, nil)
	require.NoError(t, err)
	_, err = engine.AddRequest(1, []int64{3, 4}, nil)
	assert.True(t, errors.Is(err, ErrInvalidRequest), "duplicate request id")
}

func TestPromptThatCanNeverFitIsRejected(t *testing.T) {
	// Config validation keeps MaxModelLen within pool capacity, so the
	// capacity check is exercised on a hand-built engine whose caps
	// disagree with the pool.
	cfg := NewConfig(
		WithMaxNumBatchedTokens(64),
		WithMaxNumSeqs(8),
		WithNumKVBlocks(1),
		WithBlockSize(4),
		WithMaxModelLen(16),
	)
	engine := &LLMEngine{
		config:    cfg,
		scheduler: NewScheduler(cfg),
		runner:    NewMockModelRunner(2048),
		sampler:   NewDefaultSampler(),
		liveIDs:   make(map[uint64]struct{}),
	}

	_, err := engine.AddRequest(0, []int64{1, 2, 3, 4, 5, 6, 7, 8}, nil)
	assert.True(t, errors.Is(err, ErrCapacityExhausted))

	_, err = engine.AddRequest(0, []int64{1, 2, 3, 4}, nil)
	require.NoError(t, err, "a prompt within the pool is admitted")
}

func TestConfigValidation(t *testing.T) {
	cfg := NewConfig(WithMaxModelLen(1000), WithNumKVBlocks(4), WithBlockSize(4))
	_, err := NewLLMEngine(cfg, NewMockModelRunner(16), nil)
	assert.True(t, errors.Is(err, ErrConfig))
}

type failingRunner struct {
	MockModelRunner
}

func (f *failingRunner) Step(output *ScheduleOutput) ([][]float32, error) {
	return nil, fmt.Errorf("device lost")
}

func TestModelStepFailureQuiescesEngine(t *testing.T) {
	runner := &failingRunner{MockModelRunner: *NewMockModelRunner(2048)}
	engine := testEngine(t, runner)

	h, err := engine.AddRequest(0, []int64{1, 2}, nil)
	require.NoError(t, err)

	_, err = engine.Step()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelStep))

	// The engine is quiescent: further steps fail and the handle sees the
	// terminal error on its stream.
	_, err = engine.Step()
	assert.True(t, errors.Is(err, ErrEngineAborted))
	_, err = engine.AddRequest(9, []int64{1}, nil)
	assert.True(t, errors.Is(err, ErrEngineAborted))
	assert.True(t, h.Finished())
	assert.Error(t, h.Err())
}

type misalignedRunner struct {
	MockModelRunner
}

func (m *misalignedRunner) Step(output *ScheduleOutput) ([][]float32, error) {
	rows, err := m.MockModelRunner.Step(output)
	if err != nil || len(rows) == 0 {
		return rows, err
	}
	return rows[:len(rows)-1], nil
}

func TestLogitsRowMismatchIsFatal(t *testing.T) {
	runner := &misalignedRunner{MockModelRunner: *NewMockModelRunner(2048)}
	engine := testEngine(t, runner)

	_, err := engine.AddRequest(0, []int64{1, 2}, nil)
	require.NoError(t, err)

	_, err = engine.Step()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrModelStep))
}

func TestGenerateResultsSortedByRequestID(t *testing.T) {
	engine := testEngine(t, NewMockModelRunner(2048))

	// Different lengths finish in different ticks; results still come back
	// ordered by request id.
	short := NewSamplingParams(WithMaxNewTokens(1), WithTemperature(0), WithEOSTokenID(1000))
	long := NewSamplingParams(WithMaxNewTokens(6), WithTemperature(0), WithEOSTokenID(1000))
	results, err := engine.Generate(
		[][]int64{{1, 2, 3}, {4, 5}, {6}},
		[]*SamplingParams{long, short, long},
		false,
	)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, result := range results {
		assert.Equal(t, uint64(i), result.RequestID)
	}
}

func TestRefCountConservationAcrossTicks(t *testing.T) {
	engine := testEngine(t, NewMockModelRunner(2048), WithNumKVBlocks(8), WithMaxModelLen(16))
	params := NewSamplingParams(WithMaxNewTokens(6), WithTemperature(0), WithEOSTokenID(1000))

	for i := 0; i < 3; i++ {
		_, err := engine.AddRequest(uint64(i), []int64{int64(i), int64(i + 1), int64(i + 2)}, params)
		require.NoError(t, err)
	}

	for i := 0; engine.HasUnfinishedRequests(); i++ {
		require.Less(t, i, 1000)
		_, err := engine.Step()
		require.NoError(t, err)
		assertRefCountConservation(t, engine.scheduler.BlockManager())
	}
	assert.Equal(t, 8, engine.scheduler.BlockManager().FreeCount())
}
