package pagedllm

import (
	"sort"
	"sync"
)

// GenerationOutput is the value snapshot of a sequence's newest token. No
// shared mutable sequence object crosses the handle boundary.
type GenerationOutput struct {
	ParentID          uint64
	TokenID           int64
	CumulativeLogProb float32
}

// GenerationOutputs is one iteration's worth of outputs, keyed by
// sequence id.
type GenerationOutputs map[uint64]GenerationOutput

// RawResult is one surviving sequence's full generation, assembled by the
// handle from the streamed iterations.
type RawResult struct {
	GeneratedIDs      []int64
	CumulativeLogProb float32
}

// GenerationStream hands per-iteration outputs from the engine thread to
// the caller holding the handle. Single producer, single consumer, strict
// FIFO of iterations; nothing is silently dropped. After Finish, CanRead
// stays true while the buffer is non-empty, then the stream transitions to
// finished.
type GenerationStream struct {
	mu       sync.Mutex
	buf      []GenerationOutputs
	finished bool
	err      error
}

func NewGenerationStream() *GenerationStream {
	return &GenerationStream{}
}

// Push appends one iteration's outputs. Producer side (engine thread).
func (s *GenerationStream) Push(outputs GenerationOutputs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		panic("push to finished generation stream")
	}
	s.buf = append(s.buf, outputs)
}

// Finish marks the end of generation. Buffered iterations stay readable.
func (s *GenerationStream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
}

// FinishWithError terminates the stream with a per-request terminal error.
func (s *GenerationStream) FinishWithError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	if s.err == nil {
		s.err = err
	}
}

// CanRead reports whether at least one iteration is buffered.
func (s *GenerationStream) CanRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf) > 0
}

// ReadOne pops the oldest buffered iteration.
func (s *GenerationStream) ReadOne() (GenerationOutputs, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil, false
	}
	outputs := s.buf[0]
	s.buf = s.buf[1:]
	return outputs, true
}

// ReadAll drains every buffered iteration in emission order.
func (s *GenerationStream) ReadAll() []GenerationOutputs {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.buf
	s.buf = nil
	return drained
}

// IsFinished reports whether generation ended and the buffer is drained.
func (s *GenerationStream) IsFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished && len(s.buf) == 0
}

// Err returns the terminal error, if any.
func (s *GenerationStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// GenerationHandle is the caller-side surface of one request: non-blocking
// reads off the stream plus cancellation. It holds the group only to flip
// the cancellation flag; sequence state never crosses this boundary.
type GenerationHandle struct {
	group  *SequenceGroup
	stream *GenerationStream
}

func newGenerationHandle(group *SequenceGroup) *GenerationHandle {
	return &GenerationHandle{group: group, stream: group.Stream()}
}

// Finished reports whether generation ended and everything has been read.
func (h *GenerationHandle) Finished() bool {
	return h.stream.IsFinished()
}

// CanRead reports whether an iteration is ready.
func (h *GenerationHandle) CanRead() bool {
	return h.stream.CanRead()
}

// Read pops one iteration's outputs.
func (h *GenerationHandle) Read() (GenerationOutputs, bool) {
	return h.stream.ReadOne()
}

// Err returns the request's terminal error, if any.
func (h *GenerationHandle) Err() error {
	return h.stream.Err()
}

// Cancel marks the request cancelled. The engine tears it down at the
// start of the next tick and finishes the stream.
func (h *GenerationHandle) Cancel() {
	h.group.Cancel()
}

// ReadAll drains the stream and replays the iterations into per-sequence
// results. A sequence first seen with a parent id inherits the parent's
// tokens as of the previous iteration, which reconstructs the shared
// prefix of forked sequences. Results are ordered by first appearance on
// the stream.
func (h *GenerationHandle) ReadAll() []RawResult {
	iterations := h.stream.ReadAll()

	tokens := make(map[uint64][]int64)
	logProbs := make(map[uint64]float32)
	var order []uint64

	for _, outputs := range iterations {
		// Snapshot lengths before this iteration so children fork from the
		// parent's previous state even when both are updated together.
		prevLens := make(map[uint64]int, len(tokens))
		for id, ts := range tokens {
			prevLens[id] = len(ts)
		}

		ids := make([]uint64, 0, len(outputs))
		for id := range outputs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			out := outputs[id]
			if _, seen := tokens[id]; !seen {
				order = append(order, id)
				if out.ParentID != 0 {
					if parent, ok := tokens[out.ParentID]; ok {
						n := prevLens[out.ParentID]
						tokens[id] = append([]int64(nil), parent[:n]...)
					}
				}
			}
			tokens[id] = append(tokens[id], out.TokenID)
			logProbs[id] = out.CumulativeLogProb
		}
	}

	results := make([]RawResult, 0, len(order))
	for _, id := range order {
		results = append(results, RawResult{
			GeneratedIDs:      tokens[id],
			CumulativeLogProb: logProbs[id],
		})
	}
	return results
}
