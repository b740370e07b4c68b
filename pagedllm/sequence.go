package pagedllm

import (
	"fmt"
	"math"
)

// SequenceStatus represents the status of a sequence.
type SequenceStatus int

const (
	StatusRunning SequenceStatus = iota
	StatusFinished
)

// Sequence is one generation branch of a request: the tokens produced
// after the shared prompt, its cumulative log-probability and its status.
// Sequences are owned exclusively by their SequenceGroup and mutated only
// from the engine thread; the stream snapshots values instead of sharing
// the object across the handle boundary.
type Sequence struct {
	id                uint64
	parentID          uint64 // 0 if created from scratch
	generatedIDs      []int64
	cumulativeLogProb float32
	status            SequenceStatus

	// numStreamed is the high-water mark of generated tokens pushed to the
	// group's stream. It is never rewound on preemption: recomputed tokens
	// are re-notified only once the sequence grows past what the handle
	// has already observed.
	numStreamed int
}

func newSequence(id uint64) *Sequence {
	return &Sequence{id: id, status: StatusRunning}
}

// forkSequence clones src into a new sequence carrying src's generated
// prefix, log-prob and stream high-water mark. The relationship is kept as
// a parent id only, never a back-pointer.
func forkSequence(src *Sequence, id uint64) *Sequence {
	generated := make([]int64, len(src.generatedIDs))
	copy(generated, src.generatedIDs)
	return &Sequence{
		id:                id,
		parentID:          src.id,
		generatedIDs:      generated,
		cumulativeLogProb: src.cumulativeLogProb,
		status:            src.status,
		numStreamed:       src.numStreamed,
	}
}

// ID returns the immutable sequence id (monotonic per engine, never 0).
func (s *Sequence) ID() uint64 {
	return s.id
}

// ParentID returns the id of the sequence this one was forked from, or 0.
func (s *Sequence) ParentID() uint64 {
	return s.parentID
}

func (s *Sequence) IsRunning() bool {
	return s.status == StatusRunning
}

func (s *Sequence) HasFinished() bool {
	return s.status == StatusFinished
}

func (s *Sequence) SetStatus(status SequenceStatus) {
	s.status = status
}

// AppendToken pushes a generated token and folds its log-prob into the
// cumulative score. Only valid while the sequence is running; a finished
// sequence is frozen.
func (s *Sequence) AppendToken(tokenID int64, logProb float32) {
	if s.status != StatusRunning {
		panic(fmt.Sprintf("append to finished sequence %d", s.id))
	}
	s.cumulativeLogProb += logProb
	s.generatedIDs = append(s.generatedIDs, tokenID)
}

// RemoveTokens trims count tokens from the generated tail. Used on
// preempt-with-recompute so recomputation does not duplicate tokens in
// generatedIDs.
func (s *Sequence) RemoveTokens(count int) {
	if count > len(s.generatedIDs) {
		panic(fmt.Sprintf("remove %d tokens from sequence %d of generated length %d", count, s.id, len(s.generatedIDs)))
	}
	s.generatedIDs = s.generatedIDs[:len(s.generatedIDs)-count]
}

// GeneratedIDs returns the generated tokens. The slice is the sequence's
// internal storage; callers must not mutate it.
func (s *Sequence) GeneratedIDs() []int64 {
	return s.generatedIDs
}

func (s *Sequence) GeneratedLen() int {
	return len(s.generatedIDs)
}

func (s *Sequence) CumulativeLogProb() float32 {
	return s.cumulativeLogProb
}

// LastGenerationOutput snapshots the newest token for the stream.
func (s *Sequence) LastGenerationOutput() GenerationOutput {
	return GenerationOutput{
		ParentID:          s.parentID,
		TokenID:           s.generatedIDs[len(s.generatedIDs)-1],
		CumulativeLogProb: s.cumulativeLogProb,
	}
}

// BeamSearchScore is cumulative log-prob normalized by generated length
// raised to the length penalty. Finished sequences in a group are ordered
// by this score, descending.
func (s *Sequence) BeamSearchScore(lengthPenalty float32) float32 {
	length := float64(len(s.generatedIDs))
	if length == 0 {
		return s.cumulativeLogProb
	}
	return s.cumulativeLogProb / float32(math.Pow(length, float64(lengthPenalty)))
}
