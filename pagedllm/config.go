package pagedllm

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SchedulerPolicy selects how the running pass orders groups when the
// token budget is contended.
type SchedulerPolicy int

const (
	// PolicyPrefillFirst visits mid-prefill groups before decoding ones:
	// new prompt work pre-empts decoding to keep the KV cache productive.
	PolicyPrefillFirst SchedulerPolicy = iota
	// PolicyDecodeFirst visits decoding groups first.
	PolicyDecodeFirst
)

func (p SchedulerPolicy) String() string {
	switch p {
	case PolicyPrefillFirst:
		return "prefill-first"
	case PolicyDecodeFirst:
		return "decode-first"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy converts a policy name from a config file or CLI flag.
func ParsePolicy(name string) (SchedulerPolicy, error) {
	switch name {
	case "", "prefill-first":
		return PolicyPrefillFirst, nil
	case "decode-first":
		return PolicyDecodeFirst, nil
	default:
		return 0, fmt.Errorf("%w: unknown scheduler policy %q", ErrConfig, name)
	}
}

// UnmarshalYAML accepts the policy by name.
func (p *SchedulerPolicy) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	parsed, err := ParsePolicy(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML writes the policy by name.
func (p SchedulerPolicy) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// Config holds the engine and scheduler configuration.
type Config struct {
	// MaxNumBatchedTokens is the hard cap on scheduled tokens per tick.
	MaxNumBatchedTokens int `yaml:"max_num_batched_tokens"`
	// MaxNumSeqs is the hard cap on concurrently running sequences in a
	// batch.
	MaxNumSeqs int `yaml:"max_num_seqs"`
	// NumKVBlocks is the fixed KV cache pool size.
	NumKVBlocks int `yaml:"num_kv_blocks"`
	// BlockSize is the token-slot capacity of one KV block.
	BlockSize int `yaml:"block_size"`
	// MaxModelLen bounds prompt length at admission.
	MaxModelLen int `yaml:"max_model_len"`
	// Policy selects the running pass order.
	Policy SchedulerPolicy `yaml:"policy"`
}

// ConfigOption is a functional option for Config.
type ConfigOption func(*Config)

// NewConfig creates a Config with default values.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		MaxNumBatchedTokens: 2048,
		MaxNumSeqs:          256,
		NumKVBlocks:         1024,
		BlockSize:           16,
		MaxModelLen:         4096,
		Policy:              PolicyPrefillFirst,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c := NewConfig()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the caps against each other and the block pool.
func (c *Config) Validate() error {
	if c.MaxNumBatchedTokens < 1 {
		return fmt.Errorf("%w: max_num_batched_tokens must be >= 1", ErrConfig)
	}
	if c.MaxNumSeqs < 1 {
		return fmt.Errorf("%w: max_num_seqs must be >= 1", ErrConfig)
	}
	if c.NumKVBlocks < 1 {
		return fmt.Errorf("%w: num_kv_blocks must be >= 1", ErrConfig)
	}
	if c.BlockSize < 1 {
		return fmt.Errorf("%w: block_size must be >= 1", ErrConfig)
	}
	if c.MaxModelLen < 1 {
		return fmt.Errorf("%w: max_model_len must be >= 1", ErrConfig)
	}
	if c.MaxModelLen > c.NumKVBlocks*c.BlockSize {
		return fmt.Errorf("%w: max_model_len %d exceeds kv cache capacity %d tokens",
			ErrConfig, c.MaxModelLen, c.NumKVBlocks*c.BlockSize)
	}
	return nil
}

// WithMaxNumBatchedTokens sets the per-tick token cap.
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumBatchedTokens = n
	}
}

// WithMaxNumSeqs sets the running sequence cap.
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) {
		c.MaxNumSeqs = n
	}
}

// WithNumKVBlocks sets the KV block pool size.
func WithNumKVBlocks(n int) ConfigOption {
	return func(c *Config) {
		c.NumKVBlocks = n
	}
}

// WithBlockSize sets the KV block size.
func WithBlockSize(n int) ConfigOption {
	return func(c *Config) {
		c.BlockSize = n
	}
}

// WithMaxModelLen sets the maximum prompt length.
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) {
		c.MaxModelLen = n
	}
}

// WithPolicy sets the scheduling policy.
func WithPolicy(p SchedulerPolicy) ConfigOption {
	return func(c *Config) {
		c.Policy = p
	}
}
