package pagedllm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// GenerationResult is the terminal output of one request: the generated
// token ids of every finished sequence ordered by descending beam search
// score, and the best sequence's cumulative log-prob.
type GenerationResult struct {
	RequestID         uint64
	GeneratedIDs      [][]int64
	CumulativeLogProb float32
}

// LLMEngine orchestrates the tick: schedule, block copies, model step,
// sampling, sequence updates, handle notification and reclamation. The
// loop is single-threaded and cooperative; AddRequest is the only
// externally callable mutator and appends to a queue drained at the start
// of each tick.
type LLMEngine struct {
	config    *Config
	scheduler *Scheduler
	runner    ModelRunner
	sampler   Sampler
	ids       seqIDSource

	mu      sync.Mutex
	pending []*SequenceGroup
	liveIDs map[uint64]struct{}

	// engine-thread state
	requests []*SequenceGroup
	fatal    error

	// per-step counters read by Generate for throughput display
	lastStepTokens   int
	lastStepSampling bool
	lastPreempted    []uint64
}

// NewLLMEngine creates an engine around a model runner. A nil sampler
// selects the reference DefaultSampler.
func NewLLMEngine(config *Config, runner ModelRunner, sampler Sampler) (*LLMEngine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sampler == nil {
		sampler = NewDefaultSampler()
	}
	return &LLMEngine{
		config:    config,
		scheduler: NewScheduler(config),
		runner:    runner,
		sampler:   sampler,
		liveIDs:   make(map[uint64]struct{}),
	}, nil
}

// Config returns the engine configuration.
func (e *LLMEngine) Config() *Config {
	return e.config
}

// Close releases the model runner.
func (e *LLMEngine) Close() error {
	return e.runner.Close()
}

// AddRequest validates and enqueues a request; the returned handle streams
// per-iteration outputs. Request ids are caller-assigned and must be
// unique among live requests.
func (e *LLMEngine) AddRequest(requestID uint64, promptIDs []int64, params *SamplingParams) (*GenerationHandle, error) {
	if params == nil {
		params = NewSamplingParams()
	}
	if len(promptIDs) == 0 {
		return nil, fmt.Errorf("%w: empty prompt for request %d", ErrInvalidRequest, requestID)
	}
	if len(promptIDs) > e.config.MaxModelLen {
		return nil, fmt.Errorf("%w: prompt of %d tokens exceeds model limit %d",
			ErrInvalidRequest, len(promptIDs), e.config.MaxModelLen)
	}
	promptBlocks := (len(promptIDs) + e.config.BlockSize - 1) / e.config.BlockSize
	if promptBlocks > e.config.NumKVBlocks {
		return nil, fmt.Errorf("%w: prompt needs %d blocks, pool holds %d",
			ErrCapacityExhausted, promptBlocks, e.config.NumKVBlocks)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fatal != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineAborted, e.fatal)
	}
	if _, dup := e.liveIDs[requestID]; dup {
		return nil, fmt.Errorf("%w: duplicate request id %d", ErrInvalidRequest, requestID)
	}
	group := NewSequenceGroup(requestID, promptIDs, params, e.config.BlockSize, &e.ids)
	e.liveIDs[requestID] = struct{}{}
	e.pending = append(e.pending, group)
	return newGenerationHandle(group), nil
}

// HasUnfinishedRequests reports whether any request still needs ticks.
func (e *LLMEngine) HasUnfinishedRequests() bool {
	e.mu.Lock()
	pending := len(e.pending)
	e.mu.Unlock()
	return pending > 0 || len(e.requests) > 0
}

// Step runs one tick and returns the requests that finished during it.
func (e *LLMEngine) Step() ([]GenerationResult, error) {
	if e.fatal != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineAborted, e.fatal)
	}

	e.drainPending()
	e.applyCancellations()

	out := e.scheduler.Schedule(e.requests)
	e.recordStepCounters(out)

	if len(out.ScheduledGroups) > 0 {
		if err := e.runner.CopyBlocks(out.BlockCopyMap); err != nil {
			return nil, e.abort(fmt.Errorf("%w: block copy: %v", ErrModelStep, err))
		}
		logits, err := e.runner.Step(out)
		if err != nil {
			return nil, e.abort(fmt.Errorf("%w: %v", ErrModelStep, err))
		}
		if len(logits) != len(out.SampleSlots) {
			return nil, e.abort(fmt.Errorf("%w: logits rows %d do not match %d sample slots",
				ErrModelStep, len(logits), len(out.SampleSlots)))
		}
		if err := e.sampler.Decode(out.ScheduledGroups, out.SampleSlots, logits); err != nil {
			return nil, e.abort(fmt.Errorf("sampler: %w", err))
		}

		for _, sg := range out.ScheduledGroups {
			g := sg.group
			e.syncForkedBlockTables(g)
			g.FinishIteration()
			for _, seq := range g.Sequences() {
				if seq.HasFinished() {
					e.scheduler.BlockManager().Free(seq.ID())
				}
			}
			g.NotifyHandle()
			if g.HasFinished() {
				g.FinishGenerationStream()
			}
		}
	}

	results := e.reclaimFinished()
	logrus.Debugf("tick: %d groups scheduled, %d preempted, %d finished, %d blocks free",
		len(out.ScheduledGroups), len(out.PreemptedRequestIDs), len(results),
		e.scheduler.BlockManager().FreeCount())
	return results, nil
}

// drainPending moves newly added requests into the tick's working set.
func (e *LLMEngine) drainPending() {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()
	e.requests = append(e.requests, pending...)
}

// applyCancellations tears down groups whose handle cancelled them:
// every sequence finishes, blocks are released and the stream gets a final
// notification before finishing. Reclamation happens at the end of the
// tick like any other finished group.
func (e *LLMEngine) applyCancellations() {
	for _, g := range e.requests {
		if !g.IsCancelled() || g.HasFinished() {
			continue
		}
		for _, seq := range g.Sequences() {
			if seq.IsRunning() {
				seq.SetStatus(StatusFinished)
			}
		}
		e.scheduler.BlockManager().SwapOut(g)
		g.ClearScheduledTokens()
		g.NotifyHandle()
		g.FinishGenerationStream()
	}
}

// syncForkedBlockTables duplicates block tables for sequences the sampler
// forked this tick, keeping the block manager in lockstep with the group.
func (e *LLMEngine) syncForkedBlockTables(g *SequenceGroup) {
	bm := e.scheduler.BlockManager()
	for _, seq := range g.Sequences() {
		if seq.ParentID() != 0 && !bm.HasBlockTable(seq.ID()) && seq.IsRunning() {
			bm.Fork(seq.ParentID(), seq.ID())
		}
	}
}

// reclaimFinished drops finished groups from the working set and converts
// them into results.
func (e *LLMEngine) reclaimFinished() []GenerationResult {
	var results []GenerationResult
	kept := e.requests[:0]
	for _, g := range e.requests {
		if !g.HasFinished() {
			kept = append(kept, g)
			continue
		}
		results = append(results, resultFromGroup(g))
		e.scheduler.BlockManager().SwapOut(g)
		e.mu.Lock()
		delete(e.liveIDs, g.RequestID())
		e.mu.Unlock()
	}
	e.requests = kept
	return results
}

func resultFromGroup(g *SequenceGroup) GenerationResult {
	finished := g.FinishedSequences()
	result := GenerationResult{RequestID: g.RequestID()}
	for _, seq := range finished {
		result.GeneratedIDs = append(result.GeneratedIDs, append([]int64(nil), seq.GeneratedIDs()...))
	}
	if len(finished) > 0 {
		result.CumulativeLogProb = finished[0].CumulativeLogProb()
	}
	return result
}

// abort quiesces the engine: the fatal error is stored, every open stream
// is finished with it, and only shutdown remains valid.
func (e *LLMEngine) abort(err error) error {
	e.mu.Lock()
	e.fatal = err
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()
	for _, g := range append(e.requests, pending...) {
		g.Stream().FinishWithError(err)
	}
	return err
}

func (e *LLMEngine) recordStepCounters(out *ScheduleOutput) {
	total := 0
	sampling := false
	for _, sg := range out.ScheduledGroups {
		total += sg.NumTokens
		if sg.RequiresSampling {
			sampling = true
		}
	}
	e.lastStepTokens = total
	e.lastStepSampling = sampling
	e.lastPreempted = out.PreemptedRequestIDs
}

// LastPreemptedRequestIDs returns the requests preempted during the most
// recent tick. Preemption is not an error; this is telemetry only.
func (e *LLMEngine) LastPreemptedRequestIDs() []uint64 {
	return e.lastPreempted
}

// Generate is the blocking convenience surface: it admits every prompt
// with sequential request ids, loops Step until nothing is unfinished and
// returns results sorted by request id. A single SamplingParams is
// broadcast across prompts.
func (e *LLMEngine) Generate(prompts [][]int64, params []*SamplingParams, showProgress bool) ([]GenerationResult, error) {
	if len(params) != 1 && len(params) != len(prompts) {
		return nil, fmt.Errorf("%w: %d sampling params for %d prompts", ErrInvalidRequest, len(params), len(prompts))
	}
	for i, prompt := range prompts {
		sp := params[0]
		if len(params) == len(prompts) {
			sp = params[i]
		}
		if _, err := e.AddRequest(uint64(i), prompt, sp); err != nil {
			return nil, err
		}
	}

	var bar *progressbar.ProgressBar
	if showProgress {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
		)
	}

	var results []GenerationResult
	var prefillThroughput, decodeThroughput float64
	for e.HasUnfinishedRequests() {
		start := time.Now()
		stepResults, err := e.Step()
		if err != nil {
			return nil, err
		}
		if showProgress {
			elapsed := time.Since(start).Seconds()
			if elapsed > 0 {
				if e.lastStepSampling {
					decodeThroughput = float64(e.lastStepTokens) / elapsed
				} else {
					prefillThroughput = float64(e.lastStepTokens) / elapsed
				}
			}
			bar.Describe(fmt.Sprintf("Generating [prefill: %dtok/s, decode: %dtok/s]",
				int(prefillThroughput), int(decodeThroughput)))
			if len(stepResults) > 0 {
				_ = bar.Add(len(stepResults))
			}
		}
		results = append(results, stepResults...)
	}
	if showProgress {
		_ = bar.Finish()
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].RequestID < results[j].RequestID
	})
	return results, nil
}
