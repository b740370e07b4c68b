package pagedllm

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Sampler turns the model's logits rows into next tokens and fork/finish
// decisions. Rows are aligned with the slot list in emission order. The
// engine treats the sampler as an external collaborator: any error is
// fatal.
type Sampler interface {
	Decode(scheduled []*ScheduledGroup, slots []SampleSlot, logits [][]float32) error
}

// DefaultSampler is the reference implementation: greedy argmax at
// temperature zero, seeded temperature/top-k/top-p sampling otherwise,
// beam or parallel-sample fan-out on the first sampling step, and EOS /
// stop-token / max-new-token finish decisions. Sampling seeds are derived
// per (request, sequence, step), so identical inputs yield identical runs.
type DefaultSampler struct{}

// NewDefaultSampler creates the reference sampler.
func NewDefaultSampler() *DefaultSampler {
	return &DefaultSampler{}
}

// Decode applies one tick's logits to the scheduled groups.
func (ds *DefaultSampler) Decode(scheduled []*ScheduledGroup, slots []SampleSlot, logits [][]float32) error {
	rowsByRequest := make(map[uint64][]int)
	for i, slot := range slots {
		rowsByRequest[slot.RequestID] = append(rowsByRequest[slot.RequestID], i)
	}

	for _, sg := range scheduled {
		if !sg.RequiresSampling {
			continue
		}
		g := sg.group
		params := g.SamplingParams()
		rows := rowsByRequest[sg.RequestID]
		if len(rows) == 0 {
			return fmt.Errorf("no logits rows for request %d", sg.RequestID)
		}

		fan := params.fanOut()
		primary := g.SequenceByID(slots[rows[0]].SeqID)
		if primary == nil {
			return fmt.Errorf("unknown sequence %d in request %d", slots[rows[0]].SeqID, sg.RequestID)
		}

		if fan > 1 && g.NumTotalSeqs() == 1 && primary.GeneratedLen() == 0 {
			// First sampling step of a fan-out group: fork the primary into
			// fan sequences, then give each a distinct continuation. The
			// children copy the (empty) generated prefix before any append;
			// block tables follow via the engine's fork sync.
			if err := ds.fanOutFirstStep(g, primary, params, logits[rows[0]]); err != nil {
				return err
			}
		} else {
			for _, row := range rows {
				seq := g.SequenceByID(slots[row].SeqID)
				if seq == nil {
					return fmt.Errorf("unknown sequence %d in request %d", slots[row].SeqID, sg.RequestID)
				}
				var tokenID int64
				var logProb float32
				if params.BeamWidth > 1 {
					// Each beam extends greedily; the beam score orders the
					// finished hypotheses.
					best := argmax(logits[row])
					tokenID = int64(best)
					logProb = logSoftmax(logits[row])[best]
				} else {
					tokenID, logProb = pickToken(logits[row], params, stepSeed(sg.RequestID, seq.ID(), seq.GeneratedLen()))
				}
				seq.AppendToken(tokenID, logProb)
			}
		}

		for _, seq := range g.RunningSequences() {
			last := seq.GeneratedIDs()[seq.GeneratedLen()-1]
			if params.isStopToken(last) || seq.GeneratedLen() >= params.MaxNewTokens {
				seq.SetStatus(StatusFinished)
			}
		}
	}
	return nil
}

func (ds *DefaultSampler) fanOutFirstStep(g *SequenceGroup, primary *Sequence, params *SamplingParams, row []float32) error {
	fan := params.fanOut()
	children := make([]*Sequence, 0, fan-1)
	for k := 1; k < fan; k++ {
		children = append(children, g.ForkSequence(primary))
	}

	if params.BeamWidth > 1 {
		tokens, logProbs := topTokens(row, fan)
		primary.AppendToken(tokens[0], logProbs[0])
		for k, child := range children {
			child.AppendToken(tokens[k+1], logProbs[k+1])
		}
		return nil
	}

	// Parallel sampling: each sample draws independently with its own seed.
	tokenID, logProb := pickToken(row, params, stepSeed(g.RequestID(), primary.ID(), 0))
	primary.AppendToken(tokenID, logProb)
	for _, child := range children {
		tokenID, logProb = pickToken(row, params, stepSeed(g.RequestID(), child.ID(), 0))
		child.AppendToken(tokenID, logProb)
	}
	return nil
}

// stepSeed derives a run-to-run stable RNG seed for one sampling decision.
func stepSeed(requestID, seqID uint64, step int) uint64 {
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], requestID)
	binary.LittleEndian.PutUint64(buf[8:], seqID)
	binary.LittleEndian.PutUint64(buf[16:], uint64(step))
	return xxhash.Sum64(buf[:])
}

// pickToken selects a token from one logits row and returns it with its
// log-probability under the full softmax.
func pickToken(row []float32, params *SamplingParams, seed uint64) (int64, float32) {
	logProbs := logSoftmax(row)

	if params.Temperature == 0 {
		best := argmax(row)
		return int64(best), logProbs[best]
	}

	probs := make([]float64, len(row))
	invTemp := 1.0 / params.Temperature
	maxLogit := row[argmax(row)]
	var sum float64
	for i, logit := range row {
		probs[i] = math.Exp(float64(logit-maxLogit) * invTemp)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}

	candidates := make([]int, len(probs))
	for i := range candidates {
		candidates[i] = i
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return probs[candidates[a]] > probs[candidates[b]]
	})
	if params.TopK > 0 && params.TopK < len(candidates) {
		candidates = candidates[:params.TopK]
	}
	if params.TopP < 1 {
		var cum float64
		cut := len(candidates)
		for i, c := range candidates {
			cum += probs[c]
			if cum >= params.TopP {
				cut = i + 1
				break
			}
		}
		candidates = candidates[:cut]
	}

	var mass float64
	for _, c := range candidates {
		mass += probs[c]
	}
	rng := rand.New(rand.NewSource(int64(seed)))
	r := rng.Float64() * mass
	var cum float64
	choice := candidates[len(candidates)-1]
	for _, c := range candidates {
		cum += probs[c]
		if r <= cum {
			choice = c
			break
		}
	}
	return int64(choice), logProbs[choice]
}

// topTokens returns the n highest-logit tokens with their full-softmax
// log-probabilities, best first.
func topTokens(row []float32, n int) ([]int64, []float32) {
	logProbs := logSoftmax(row)
	candidates := make([]int, len(row))
	for i := range candidates {
		candidates[i] = i
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return row[candidates[a]] > row[candidates[b]]
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	tokens := make([]int64, n)
	picked := make([]float32, n)
	for i := 0; i < n; i++ {
		tokens[i] = int64(candidates[i])
		picked[i] = logProbs[candidates[i]]
	}
	return tokens, picked
}

func argmax(row []float32) int {
	best := 0
	for i := range row {
		if row[i] > row[best] {
			best = i
		}
	}
	return best
}

func logSoftmax(row []float32) []float32 {
	maxLogit := row[argmax(row)]
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v - maxLogit))
	}
	logSum := float32(math.Log(sum)) + maxLogit
	out := make([]float32, len(row))
	for i, v := range row {
		out[i] = v - logSum
	}
	return out
}
