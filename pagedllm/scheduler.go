package pagedllm

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// ScheduledSequence is one running sequence's slice of the tick's token
// plan: the tokens whose KV the model will materialize, the block table
// covering the sequence's context, and the full context for backends that
// recompute instead of holding paged KV tensors.
type ScheduledSequence struct {
	SeqID         uint64
	BlockIDs      []int
	InputTokens   []int64
	ContextTokens []int64
}

// ScheduledGroup is one group's entry in the tick's plan.
type ScheduledGroup struct {
	RequestID        uint64
	NumTokens        int
	TokenPositions   []int
	PromptLen        int
	RequiresSampling bool
	Sequences        []ScheduledSequence

	group *SequenceGroup
}

// SampleSlot identifies one logits row the model must produce: rows are
// ordered to match the scheduler's emission order.
type SampleSlot struct {
	RequestID uint64
	SeqID     uint64
}

// ScheduleOutput is one tick's plan: which groups progress and by how many
// tokens, the CoW copies to perform before the model step, and the
// preempted request ids for observability.
type ScheduleOutput struct {
	ScheduledGroups     []*ScheduledGroup
	BlockCopyMap        []CopyOp
	PreemptedRequestIDs []uint64
	SampleSlots         []SampleSlot
}

// Scheduler performs per-tick admission and token-budget allocation across
// groups. It exclusively owns the block manager.
type Scheduler struct {
	config       *Config
	blockManager *BlockManager
}

// NewScheduler creates a scheduler with a fresh block manager sized from
// the config.
func NewScheduler(config *Config) *Scheduler {
	return &Scheduler{
		config:       config,
		blockManager: NewBlockManager(config.NumKVBlocks, config.BlockSize),
	}
}

// BlockManager exposes the manager for the engine's fork/free bookkeeping.
func (s *Scheduler) BlockManager() *BlockManager {
	return s.blockManager
}

// Schedule produces one tick's plan. Deterministic given a fixed input:
// FIFO on request id is the sole priority, preemption is LIFO so the
// oldest requests preserve progress.
func (s *Scheduler) Schedule(requests []*SequenceGroup) *ScheduleOutput {
	out := &ScheduleOutput{}

	// Freeze the live groups in FIFO order.
	live := make([]*SequenceGroup, 0, len(requests))
	for _, g := range requests {
		if !g.HasFinished() {
			live = append(live, g)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].RequestID() < live[j].RequestID()
	})

	var running, waiting []*SequenceGroup
	for _, g := range live {
		if g.HasStarted() {
			running = append(running, g)
		} else {
			waiting = append(waiting, g)
		}
	}

	// The policy orders the running pass: under prefill-first, prompt work
	// starves decode when the token budget is contended.
	prefillBeforeDecode := s.config.Policy == PolicyPrefillFirst
	sort.SliceStable(running, func(i, j int) bool {
		if running[i].InPrefill() != running[j].InPrefill() {
			return running[i].InPrefill() == prefillBeforeDecode
		}
		return running[i].RequestID() < running[j].RequestID()
	})

	tokenBudget := s.config.MaxNumBatchedTokens
	seqBudget := s.config.MaxNumSeqs
	preempted := make(map[uint64]bool)
	var scheduled []*SequenceGroup
	var copyOps []CopyOp
	tickEnded := false

	// Running pass.
	for i := 0; i < len(running) && !tickEnded; i++ {
		g := running[i]
		if preempted[g.RequestID()] {
			continue
		}
		if tokenBudget == 0 {
			break
		}
		numSeqs := g.NumRunningSeqs()
		if numSeqs > seqBudget {
			continue
		}
		want := g.NumAvailableTokensForBatching()
		if want > tokenBudget {
			want = tokenBudget
		}

		// Preempt the last-admitted running groups until this one fits,
		// never reaching past the group currently being scheduled. If it
		// still cannot fit, it is preempted itself and the tick ends.
		for !s.blockManager.CanAppendTokens(g, want) {
			victim := s.lastVictim(running, i, preempted)
			if victim == nil {
				s.preempt(g, out, preempted)
				tickEnded = true
				break
			}
			s.preempt(victim, out, preempted)
		}
		if preempted[g.RequestID()] {
			break
		}

		g.ScheduleTokens(want)
		tokenBudget -= want
		seqBudget -= numSeqs
		for _, seq := range g.RunningSequences() {
			copyOps = append(copyOps, s.blockManager.AppendSlots(seq.ID(), g.NumProcessedTokens(), want)...)
		}
		scheduled = append(scheduled, g)
	}

	// Waiting pass: admit groups not yet started, FIFO, chunked prefill
	// allowed. Stopping at the first group that does not fit keeps
	// admission in arrival order.
	if !tickEnded {
		for _, g := range waiting {
			if tokenBudget == 0 || seqBudget == 0 {
				break
			}
			if g.NumRunningSeqs() > seqBudget {
				break
			}
			want := g.NumAvailableTokensForBatching()
			if want > tokenBudget {
				want = tokenBudget
			}
			if !s.blockManager.CanAppendTokens(g, want) {
				break
			}
			g.ScheduleTokens(want)
			tokenBudget -= want
			seqBudget -= g.NumRunningSeqs()
			for _, seq := range g.RunningSequences() {
				copyOps = append(copyOps, s.blockManager.AppendSlots(seq.ID(), g.NumProcessedTokens(), want)...)
			}
			scheduled = append(scheduled, g)
		}
	}

	// Emit the plan.
	for _, g := range scheduled {
		n := g.NumScheduledTokens()
		start := g.NumProcessedTokens()
		positions := make([]int, n)
		for k := range positions {
			positions[k] = start + k
		}
		sg := &ScheduledGroup{
			RequestID:        g.RequestID(),
			NumTokens:        n,
			TokenPositions:   positions,
			PromptLen:        g.PromptLen(),
			RequiresSampling: g.RequiresSampling(),
			group:            g,
		}
		for _, seq := range g.RunningSequences() {
			sg.Sequences = append(sg.Sequences, ScheduledSequence{
				SeqID:         seq.ID(),
				BlockIDs:      s.blockManager.BlockTable(seq.ID()),
				InputTokens:   g.contentTokens(seq, start, start+n),
				ContextTokens: g.contentTokens(seq, 0, start+n),
			})
			if sg.RequiresSampling {
				out.SampleSlots = append(out.SampleSlots, SampleSlot{
					RequestID: g.RequestID(),
					SeqID:     seq.ID(),
				})
			}
		}
		out.ScheduledGroups = append(out.ScheduledGroups, sg)
	}
	out.BlockCopyMap = copyOps
	return out
}

// lastVictim picks the last-admitted running group after position i that
// has not been preempted yet.
func (s *Scheduler) lastVictim(running []*SequenceGroup, i int, preempted map[uint64]bool) *SequenceGroup {
	for j := len(running) - 1; j > i; j-- {
		if !preempted[running[j].RequestID()] {
			return running[j]
		}
	}
	return nil
}

// preempt frees the group's blocks and rewinds it to restart from the
// prompt via recomputation on a later tick's waiting pass.
func (s *Scheduler) preempt(g *SequenceGroup, out *ScheduleOutput, preempted map[uint64]bool) {
	s.blockManager.SwapOut(g)
	g.PreemptTokens(g.NumProcessedTokens())
	preempted[g.RequestID()] = true
	out.PreemptedRequestIDs = append(out.PreemptedRequestIDs, g.RequestID())
	logrus.Warnf("[preemption] request %d evicted, %d blocks free", g.RequestID(), s.blockManager.FreeCount())
}
