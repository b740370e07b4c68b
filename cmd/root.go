package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"paged-llm-go/pagedllm"
)

var (
	logLevel   string
	configPath string

	// scheduler flags; zero means "keep the config/default value"
	maxBatchedTokens int
	maxSeqs          int
	kvBlocks         int
	blockSize        int
	maxModelLen      int
	policyName       string
)

var rootCmd = &cobra.Command{
	Use:   "pagedllm",
	Short: "Continuous-batching inference engine with a paged KV cache",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log verbosity level")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML scheduler config file")
	rootCmd.PersistentFlags().IntVar(&maxBatchedTokens, "max-batched-tokens", 0, "per-tick token cap")
	rootCmd.PersistentFlags().IntVar(&maxSeqs, "max-seqs", 0, "running sequence cap")
	rootCmd.PersistentFlags().IntVar(&kvBlocks, "kv-blocks", 0, "KV cache pool size in blocks")
	rootCmd.PersistentFlags().IntVar(&blockSize, "block-size", 0, "tokens per KV block")
	rootCmd.PersistentFlags().IntVar(&maxModelLen, "max-model-len", 0, "maximum prompt length")
	rootCmd.PersistentFlags().StringVar(&policyName, "policy", "", "scheduler policy: prefill-first or decode-first")
}

// engineConfig builds the scheduler config from the YAML file (if given)
// with flag overrides on top.
func engineConfig() (*pagedllm.Config, error) {
	var cfg *pagedllm.Config
	if configPath != "" {
		loaded, err := pagedllm.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = pagedllm.NewConfig()
	}
	if maxBatchedTokens > 0 {
		cfg.MaxNumBatchedTokens = maxBatchedTokens
	}
	if maxSeqs > 0 {
		cfg.MaxNumSeqs = maxSeqs
	}
	if kvBlocks > 0 {
		cfg.NumKVBlocks = kvBlocks
	}
	if blockSize > 0 {
		cfg.BlockSize = blockSize
	}
	if maxModelLen > 0 {
		cfg.MaxModelLen = maxModelLen
	}
	if policyName != "" {
		policy, err := pagedllm.ParsePolicy(policyName)
		if err != nil {
			return nil, err
		}
		cfg.Policy = policy
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
