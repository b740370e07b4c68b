package pagedllm

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// seqIDSource hands out monotonic sequence ids starting at 1; id 0 is
// reserved to mean "no parent". One source per engine keeps tests isolated
// from each other.
type seqIDSource struct {
	next uint64
}

func (s *seqIDSource) nextID() uint64 {
	s.next++
	return s.next
}

// SequenceGroup is the per-request state machine: the shared prompt, the
// sampling parameters and a non-empty set of sequences (one per beam or
// parallel sample), plus the three scheduling counters that drive the
// per-tick token plan.
type SequenceGroup struct {
	requestID uint64
	promptIDs []int64
	params    *SamplingParams
	blockSize int
	sequences []*Sequence
	stream    *GenerationStream
	ids       *seqIDSource

	// numProcessedTokens counts tokens whose KV has been materialized.
	// A prompt can be processed across several ticks (chunked prefill),
	// so the counter tracks how far into the content we are.
	numProcessedTokens int
	// numScheduledTokens is set by the scheduler for the current tick and
	// is zero outside a scheduling phase.
	numScheduledTokens int
	// maxContentLen is the high-water mark of processed length. Preemption
	// rolls it back together with numProcessedTokens.
	maxContentLen int

	cancelled atomic.Bool
}

// NewSequenceGroup creates a group with a single primary sequence (parent
// id 0, empty generated ids) holding the prompt once at the group level.
// The initial sequence status is Running.
func NewSequenceGroup(requestID uint64, promptIDs []int64, params *SamplingParams, blockSize int, ids *seqIDSource) *SequenceGroup {
	prompt := make([]int64, len(promptIDs))
	copy(prompt, promptIDs)
	g := &SequenceGroup{
		requestID: requestID,
		promptIDs: prompt,
		params:    params,
		blockSize: blockSize,
		stream:    NewGenerationStream(),
		ids:       ids,
	}
	g.sequences = append(g.sequences, newSequence(ids.nextID()))
	return g
}

func (g *SequenceGroup) RequestID() uint64 {
	return g.requestID
}

// PromptIDs returns the shared prompt tokens. Callers must not mutate.
func (g *SequenceGroup) PromptIDs() []int64 {
	return g.promptIDs
}

func (g *SequenceGroup) PromptLen() int {
	return len(g.promptIDs)
}

func (g *SequenceGroup) SamplingParams() *SamplingParams {
	return g.params
}

func (g *SequenceGroup) BlockSize() int {
	return g.blockSize
}

// Sequences returns every sequence in the group, finished ones included.
func (g *SequenceGroup) Sequences() []*Sequence {
	return g.sequences
}

// SequenceByID looks a sequence up by id, nil if absent.
func (g *SequenceGroup) SequenceByID(seqID uint64) *Sequence {
	for _, seq := range g.sequences {
		if seq.ID() == seqID {
			return seq
		}
	}
	return nil
}

func (g *SequenceGroup) NumTotalSeqs() int {
	return len(g.sequences)
}

func (g *SequenceGroup) NumFinishedSeqs() int {
	n := 0
	for _, seq := range g.sequences {
		if seq.HasFinished() {
			n++
		}
	}
	return n
}

func (g *SequenceGroup) NumRunningSeqs() int {
	return g.NumTotalSeqs() - g.NumFinishedSeqs()
}

// HasFinished reports whether every sequence in the group has finished.
func (g *SequenceGroup) HasFinished() bool {
	return g.NumRunningSeqs() == 0
}

func (g *SequenceGroup) RunningSequences() []*Sequence {
	running := make([]*Sequence, 0, len(g.sequences))
	for _, seq := range g.sequences {
		if seq.IsRunning() {
			running = append(running, seq)
		}
	}
	return running
}

// FinishedSequences returns the finished sequences ordered by descending
// beam search score.
func (g *SequenceGroup) FinishedSequences() []*Sequence {
	finished := make([]*Sequence, 0, len(g.sequences))
	for _, seq := range g.sequences {
		if seq.HasFinished() {
			finished = append(finished, seq)
		}
	}
	sort.SliceStable(finished, func(i, j int) bool {
		return finished[i].BeamSearchScore(g.params.LengthPenalty) > finished[j].BeamSearchScore(g.params.LengthPenalty)
	})
	return finished
}

// ForkSequence adds a child sharing src's generated prefix. The block
// manager must be called in lockstep to duplicate the block table.
func (g *SequenceGroup) ForkSequence(src *Sequence) *Sequence {
	child := forkSequence(src, g.ids.nextID())
	g.sequences = append(g.sequences, child)
	return child
}

// HasStarted reports whether the content high-water mark is above zero; a
// fully preempted group reads as not started again. Groups with
// HasStarted() == false are admitted through the waiting pass.
func (g *SequenceGroup) HasStarted() bool {
	return g.maxContentLen > 0
}

// InPrefill reports whether the group is still materializing its prompt.
func (g *SequenceGroup) InPrefill() bool {
	return g.maxContentLen < len(g.promptIDs)
}

// CanGenerateTokens reports whether the content high-water mark covers the
// whole prompt, i.e. the group is in decode. Preemption rewinds the mark.
func (g *SequenceGroup) CanGenerateTokens() bool {
	return g.maxContentLen >= len(g.promptIDs)
}

func (g *SequenceGroup) NumProcessedTokens() int {
	return g.numProcessedTokens
}

func (g *SequenceGroup) NumScheduledTokens() int {
	return g.numScheduledTokens
}

func (g *SequenceGroup) MaxContentLen() int {
	return g.maxContentLen
}

// ScheduleTokens plans numTokens for the current tick.
func (g *SequenceGroup) ScheduleTokens(numTokens int) {
	g.numScheduledTokens = numTokens
}

func (g *SequenceGroup) ClearScheduledTokens() {
	g.numScheduledTokens = 0
}

func (g *SequenceGroup) IsScheduled() bool {
	return g.numScheduledTokens > 0
}

// ContextLen is the content length the current tick will reach.
func (g *SequenceGroup) ContextLen() int {
	return g.numProcessedTokens + g.numScheduledTokens
}

// RequiresSampling reports whether the current tick reaches past the
// prompt, so the model must produce logits for this group.
func (g *SequenceGroup) RequiresSampling() bool {
	return g.ContextLen() >= len(g.promptIDs)
}

// NumLogicalBlocks is the block count needed to cover the context reached
// by the current tick.
func (g *SequenceGroup) NumLogicalBlocks() int {
	return (g.ContextLen() + g.blockSize - 1) / g.blockSize
}

// NumAvailableTokensForBatching is how many tokens the group could consume
// this tick: the rest of the prompt (the whole prompt again after a full
// preemption, which rewinds the high-water mark too) or a single decode
// token. A live group always has at least one token to process.
func (g *SequenceGroup) NumAvailableTokensForBatching() int {
	if g.HasFinished() {
		panic("NumAvailableTokensForBatching on finished group")
	}
	if g.numScheduledTokens != 0 {
		panic("NumAvailableTokensForBatching during scheduling phase")
	}
	available := len(g.promptIDs)
	if g.maxContentLen > available {
		available = g.maxContentLen
	}
	available -= g.numProcessedTokens
	if available < 1 {
		available = 1
	}
	return available
}

// FinishIteration commits the scheduled tokens into the processed counter
// and lifts the content high-water mark monotonically.
func (g *SequenceGroup) FinishIteration() {
	g.numProcessedTokens += g.numScheduledTokens
	if g.numProcessedTokens > g.maxContentLen {
		g.maxContentLen = g.numProcessedTokens
	}
	g.ClearScheduledTokens()
}

// PreemptTokens rolls the processed counter and the content high-water
// mark back by count and trims each sequence's generated tail by
// min(count, generated length). The trim keeps generatedIDs free of
// duplicates when recomputation re-appends the same tokens; the stream
// high-water mark is deliberately left alone, so the handle never observes
// a duplicated prefix.
func (g *SequenceGroup) PreemptTokens(count int) {
	if count > g.numProcessedTokens {
		panic(fmt.Sprintf("preempt %d tokens with only %d processed", count, g.numProcessedTokens))
	}
	g.numProcessedTokens -= count
	g.maxContentLen -= count
	for _, seq := range g.sequences {
		trim := count
		if trim > seq.GeneratedLen() {
			trim = seq.GeneratedLen()
		}
		seq.RemoveTokens(trim)
	}
}

// ContentToken returns the token at absolute position pos of a sequence's
// content (prompt followed by its generated tokens).
func (g *SequenceGroup) ContentToken(seq *Sequence, pos int) int64 {
	if pos < len(g.promptIDs) {
		return g.promptIDs[pos]
	}
	return seq.GeneratedIDs()[pos-len(g.promptIDs)]
}

// contentTokens copies the sequence's content over [from, to).
func (g *SequenceGroup) contentTokens(seq *Sequence, from, to int) []int64 {
	tokens := make([]int64, 0, to-from)
	for pos := from; pos < to; pos++ {
		tokens = append(tokens, g.ContentToken(seq, pos))
	}
	return tokens
}

// Cancel marks the group for teardown. The scheduler observes the flag at
// the start of the next tick; in-flight model steps are never interrupted.
func (g *SequenceGroup) Cancel() {
	g.cancelled.Store(true)
}

func (g *SequenceGroup) IsCancelled() bool {
	return g.cancelled.Load()
}

// Stream returns the group's generation stream.
func (g *SequenceGroup) Stream() *GenerationStream {
	return g.stream
}

// NotifyHandle pushes one iteration's snapshot to the stream: for every
// sequence whose generated length has grown past its streamed high-water
// mark, its parent id, newest token and cumulative log-prob. Tokens
// recomputed after a preemption are not pushed again.
func (g *SequenceGroup) NotifyHandle() {
	var outputs GenerationOutputs
	for _, seq := range g.sequences {
		if seq.GeneratedLen() > seq.numStreamed {
			if outputs == nil {
				outputs = make(GenerationOutputs)
			}
			outputs[seq.ID()] = seq.LastGenerationOutput()
			seq.numStreamed = seq.GeneratedLen()
		}
	}
	if len(outputs) > 0 {
		g.stream.Push(outputs)
	}
}

// FinishGenerationStream closes the stream once all sequences finished.
func (g *SequenceGroup) FinishGenerationStream() {
	g.stream.Finish()
}
