package pagedllm

import "fmt"

// SamplingParams holds the per-request sampling parameters.
type SamplingParams struct {
	MaxNewTokens  int
	BeamWidth     int
	NSamples      int
	Temperature   float64
	TopK          int
	TopP          float64
	LengthPenalty float32
	EOSTokenID    int64
	IgnoreEOS     bool
	StopTokenIDs  map[int64]struct{}
}

// SamplingOption is a functional option for SamplingParams.
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates SamplingParams with default values.
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		MaxNewTokens:  64,
		BeamWidth:     1,
		NSamples:      1,
		Temperature:   1.0,
		TopK:          0,
		TopP:          1.0,
		LengthPenalty: 1.0,
		EOSTokenID:    2,
	}
	for _, opt := range opts {
		opt(sp)
	}
	if err := sp.validate(); err != nil {
		panic(err)
	}
	return sp
}

func (sp *SamplingParams) validate() error {
	if sp.MaxNewTokens < 1 {
		return fmt.Errorf("max_new_tokens must be >= 1")
	}
	if sp.BeamWidth < 1 {
		return fmt.Errorf("beam_width must be >= 1")
	}
	if sp.NSamples < 1 {
		return fmt.Errorf("n_samples must be >= 1")
	}
	if sp.BeamWidth > 1 && sp.NSamples > 1 {
		return fmt.Errorf("beam search and parallel sampling are mutually exclusive")
	}
	if sp.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0")
	}
	if sp.TopK < 0 {
		return fmt.Errorf("top_k must be >= 0")
	}
	if sp.TopP <= 0 || sp.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1]")
	}
	if sp.LengthPenalty <= 0 {
		return fmt.Errorf("length_penalty must be > 0")
	}
	return nil
}

// fanOut is the number of sequences the group spreads into at the first
// sampling step.
func (sp *SamplingParams) fanOut() int {
	if sp.BeamWidth > 1 {
		return sp.BeamWidth
	}
	return sp.NSamples
}

// isStopToken reports whether a generated token terminates the sequence.
func (sp *SamplingParams) isStopToken(tokenID int64) bool {
	if !sp.IgnoreEOS && tokenID == sp.EOSTokenID {
		return true
	}
	_, ok := sp.StopTokenIDs[tokenID]
	return ok
}

// WithMaxNewTokens sets the generation length cap.
func WithMaxNewTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxNewTokens = n
	}
}

// WithBeamWidth sets the beam width (1 = greedy/sample).
func WithBeamWidth(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.BeamWidth = n
	}
}

// WithNSamples sets the parallel sampling width.
func WithNSamples(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.NSamples = n
	}
}

// WithTemperature sets the sampling temperature (0 = greedy).
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithTopK keeps only the k highest-probability tokens (0 = disabled).
func WithTopK(k int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopK = k
	}
}

// WithTopP keeps the smallest nucleus of tokens with cumulative
// probability >= p.
func WithTopP(p float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopP = p
	}
}

// WithLengthPenalty sets the beam score length penalty.
func WithLengthPenalty(p float32) SamplingOption {
	return func(sp *SamplingParams) {
		sp.LengthPenalty = p
	}
}

// WithEOSTokenID sets the end-of-sequence token.
func WithEOSTokenID(id int64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.EOSTokenID = id
	}
}

// WithIgnoreEOS keeps generating past the EOS token.
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}

// WithStopTokenIDs sets extra tokens that terminate a sequence.
func WithStopTokenIDs(ids ...int64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.StopTokenIDs = make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			sp.StopTokenIDs[id] = struct{}{}
		}
	}
}
