package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"paged-llm-go/onnxstep"
	"paged-llm-go/pagedllm"
	"paged-llm-go/tokenizer"
)

var (
	genModelPath    string
	genTokenizerDir string
	genVocabSize    int
	genMaxNewTokens int
	genTemperature  float64
	genBeamWidth    int
	genIgnoreEOS    bool
	genNoProgress   bool
)

var generateCmd = &cobra.Command{
	Use:   "generate [prompts...]",
	Short: "Generate completions for a batch of prompts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := engineConfig()
		if err != nil {
			return err
		}

		var tk tokenizer.Tokenizer
		var runner pagedllm.ModelRunner
		eosID := int64(2)
		if genModelPath != "" {
			dir := genTokenizerDir
			if dir == "" {
				dir = genModelPath
			}
			hf, err := tokenizer.NewHFTokenizer(dir)
			if err != nil {
				return err
			}
			defer hf.Close()
			tk = hf
			if hf.EOSTokenID() >= 0 {
				eosID = hf.EOSTokenID()
			}
			runner, err = onnxstep.NewRunner(genModelPath, genVocabSize)
			if err != nil {
				return err
			}
		} else {
			// Without a model the byte tokenizer plus the deterministic
			// mock runner exercise the full scheduling path.
			tk = tokenizer.NewByteTokenizer(eosID)
			runner = pagedllm.NewMockModelRunner(genVocabSize)
			logrus.Info("no model path given, using the mock model runner")
		}

		engine, err := pagedllm.NewLLMEngine(cfg, runner, nil)
		if err != nil {
			return err
		}
		defer engine.Close()

		prompts := make([][]int64, 0, len(args))
		for _, text := range args {
			ids, err := tk.Encode(text)
			if err != nil {
				return err
			}
			prompts = append(prompts, ids)
		}

		params := pagedllm.NewSamplingParams(
			pagedllm.WithMaxNewTokens(genMaxNewTokens),
			pagedllm.WithTemperature(genTemperature),
			pagedllm.WithBeamWidth(genBeamWidth),
			pagedllm.WithEOSTokenID(eosID),
			pagedllm.WithIgnoreEOS(genIgnoreEOS),
		)

		results, err := engine.Generate(prompts, []*pagedllm.SamplingParams{params}, !genNoProgress)
		if err != nil {
			return err
		}

		for _, result := range results {
			fmt.Printf("--- prompt %d\n", result.RequestID)
			for rank, ids := range result.GeneratedIDs {
				text, err := tk.Decode(ids)
				if err != nil {
					return err
				}
				fmt.Printf("[%d] %s\n", rank, text)
			}
		}
		return nil
	},
}

func init() {
	generateCmd.Flags().StringVar(&genModelPath, "model", "", "ONNX model path (empty = mock runner)")
	generateCmd.Flags().StringVar(&genTokenizerDir, "tokenizer", "", "tokenizer directory (defaults to the model path)")
	generateCmd.Flags().IntVar(&genVocabSize, "vocab-size", 32000, "model vocabulary size")
	generateCmd.Flags().IntVar(&genMaxNewTokens, "max-new-tokens", 64, "generation length cap")
	generateCmd.Flags().Float64Var(&genTemperature, "temperature", 1.0, "sampling temperature (0 = greedy)")
	generateCmd.Flags().IntVar(&genBeamWidth, "beam-width", 1, "beam width")
	generateCmd.Flags().BoolVar(&genIgnoreEOS, "ignore-eos", false, "keep generating past EOS")
	generateCmd.Flags().BoolVar(&genNoProgress, "no-progress", false, "disable the progress bar")
	rootCmd.AddCommand(generateCmd)
}
