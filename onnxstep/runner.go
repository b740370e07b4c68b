// Package onnxstep implements the model-step contract on ONNX Runtime.
// The exported model has no paged-attention inputs, so the runner replays
// each sampling slot's full context instead of holding KV tensors; block
// copies are therefore no-ops. Throughput is bounded by recomputation,
// which is acceptable for CPU-scale models.
package onnxstep

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"paged-llm-go/pagedllm"
)

// Runner runs an ONNX causal LM with inputs "input_ids" [1, L] and output
// "logits" [1, L, vocab].
type Runner struct {
	modelPath   string
	vocabSize   int
	numThreads  int
	initialized bool
}

// NewRunner initializes the ONNX Runtime environment and prepares a
// runner for the model at modelPath.
func NewRunner(modelPath string, vocabSize int) (*Runner, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}
	return &Runner{
		modelPath:   modelPath,
		vocabSize:   vocabSize,
		numThreads:  4,
		initialized: true,
	}, nil
}

// CopyBlocks is a no-op: the runner recomputes the scheduled context and
// holds no physical KV cache.
func (r *Runner) CopyBlocks(ops []pagedllm.CopyOp) error {
	return nil
}

// Step produces one logits row per sample slot by running the model over
// each slot's full context and taking the last position.
func (r *Runner) Step(output *pagedllm.ScheduleOutput) ([][]float32, error) {
	if !r.initialized {
		return nil, fmt.Errorf("runner closed")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(r.numThreads); err != nil {
		return nil, fmt.Errorf("set threads: %w", err)
	}

	rows := make([][]float32, 0, len(output.SampleSlots))
	for _, sg := range output.ScheduledGroups {
		if !sg.RequiresSampling {
			continue
		}
		for _, seq := range sg.Sequences {
			row, err := r.forward(seq.ContextTokens, options)
			if err != nil {
				return nil, fmt.Errorf("sequence %d: %w", seq.SeqID, err)
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (r *Runner) forward(contextTokens []int64, options *ort.SessionOptions) ([]float32, error) {
	seqLen := len(contextTokens)
	if seqLen == 0 {
		return nil, fmt.Errorf("empty context")
	}

	inputShape := ort.NewShape(1, int64(seqLen))
	inputData := make([]int64, seqLen)
	copy(inputData, contextTokens)
	inputTensor, err := ort.NewTensor(inputShape, inputData)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputShape := ort.NewShape(1, int64(seqLen), int64(r.vocabSize))
	outputData := make([]float32, seqLen*r.vocabSize)
	outputTensor, err := ort.NewTensor(outputShape, outputData)
	if err != nil {
		return nil, fmt.Errorf("create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	session, err := ort.NewAdvancedSession(
		r.modelPath,
		[]string{"input_ids"},
		[]string{"logits"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer session.Destroy()

	if err := session.Run(); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}

	logits := outputTensor.GetData()
	last := (seqLen - 1) * r.vocabSize
	row := make([]float32, r.vocabSize)
	copy(row, logits[last:last+r.vocabSize])
	return row, nil
}

// Close releases the runner. The ONNX environment stays initialized for
// other runners in the process.
func (r *Runner) Close() error {
	r.initialized = false
	return nil
}
