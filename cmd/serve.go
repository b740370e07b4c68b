package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"paged-llm-go/onnxstep"
	"paged-llm-go/pagedllm"
	"paged-llm-go/tokenizer"
)

var (
	serveAddr         string
	serveModelPath    string
	serveTokenizerDir string
	serveVocabSize    int
)

// CompletionRequest is the OpenAI-style completion request body.
type CompletionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Stream      *bool    `json:"stream,omitempty"`
	IgnoreEOS   *bool    `json:"ignore_eos,omitempty"`
}

// CompletionChoice is one generated alternative.
type CompletionChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

// CompletionResponse is the non-streaming response body; streaming sends
// the same shape as SSE chunks.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
}

// completionServer owns the engine and the single engine-loop goroutine.
// Handlers only add requests and read from their handles; all sequence
// state stays on the engine thread.
type completionServer struct {
	engine    *pagedllm.LLMEngine
	tk        tokenizer.Tokenizer
	eosID     int64
	model     string
	nextReqID atomic.Uint64
}

func (s *completionServer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !s.engine.HasUnfinishedRequests() {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		if _, err := s.engine.Step(); err != nil {
			logrus.Errorf("engine step: %v", err)
			return
		}
	}
}

func (s *completionServer) handleCompletions(c *echo.Context) error {
	var req CompletionRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if req.Prompt == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "prompt is required"})
	}

	promptIDs, err := s.tk.Encode(req.Prompt)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	opts := []pagedllm.SamplingOption{pagedllm.WithEOSTokenID(s.eosID)}
	if req.MaxTokens != nil {
		opts = append(opts, pagedllm.WithMaxNewTokens(*req.MaxTokens))
	}
	if req.Temperature != nil {
		opts = append(opts, pagedllm.WithTemperature(*req.Temperature))
	}
	if req.IgnoreEOS != nil {
		opts = append(opts, pagedllm.WithIgnoreEOS(*req.IgnoreEOS))
	}

	handle, err := s.engine.AddRequest(s.nextReqID.Add(1), promptIDs, pagedllm.NewSamplingParams(opts...))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	completionID := "cmpl-" + uuid.NewString()
	created := time.Now().Unix()
	if req.Stream != nil && *req.Stream {
		return s.streamCompletion(c, handle, completionID, created)
	}
	return s.syncCompletion(c, handle, completionID, created)
}

func (s *completionServer) syncCompletion(c *echo.Context, handle *pagedllm.GenerationHandle, completionID string, created int64) error {
	ctx := c.Request().Context()
	for !handle.Finished() {
		select {
		case <-ctx.Done():
			handle.Cancel()
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
	if err := handle.Err(); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	finishReason := "stop"
	resp := CompletionResponse{
		ID:      completionID,
		Object:  "text_completion",
		Created: created,
		Model:   s.model,
	}
	for i, raw := range handle.ReadAll() {
		text, err := s.tk.Decode(raw.GeneratedIDs)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		resp.Choices = append(resp.Choices, CompletionChoice{
			Index:        i,
			Text:         text,
			FinishReason: &finishReason,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *completionServer) streamCompletion(c *echo.Context, handle *pagedllm.GenerationHandle, completionID string, created int64) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "streaming unsupported"})
	}

	ctx := c.Request().Context()
	for {
		if outputs, ok := handle.Read(); ok {
			for _, out := range outputs {
				text, err := s.tk.Decode([]int64{out.TokenID})
				if err != nil {
					continue
				}
				chunk := CompletionResponse{
					ID:      completionID,
					Object:  "text_completion",
					Created: created,
					Model:   s.model,
					Choices: []CompletionChoice{{Index: 0, Text: text}},
				}
				if err := sendSSEChunk(res, chunk); err != nil {
					handle.Cancel()
					return err
				}
			}
			flusher.Flush()
			continue
		}
		if handle.Finished() {
			break
		}
		select {
		case <-ctx.Done():
			handle.Cancel()
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}

	if _, err := fmt.Fprint(res, "data: [DONE]\n\n"); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func sendSSEChunk(w http.ResponseWriter, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", string(b))
	return err
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve OpenAI-style completions over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := engineConfig()
		if err != nil {
			return err
		}

		srv := &completionServer{eosID: 2, model: "pagedllm"}
		var runner pagedllm.ModelRunner
		if serveModelPath != "" {
			dir := serveTokenizerDir
			if dir == "" {
				dir = serveModelPath
			}
			hf, err := tokenizer.NewHFTokenizer(dir)
			if err != nil {
				return err
			}
			defer hf.Close()
			srv.tk = hf
			if hf.EOSTokenID() >= 0 {
				srv.eosID = hf.EOSTokenID()
			}
			runner, err = onnxstep.NewRunner(serveModelPath, serveVocabSize)
			if err != nil {
				return err
			}
		} else {
			srv.tk = tokenizer.NewByteTokenizer(srv.eosID)
			runner = pagedllm.NewMockModelRunner(serveVocabSize)
			logrus.Info("no model path given, serving the mock model runner")
		}

		engine, err := pagedllm.NewLLMEngine(cfg, runner, nil)
		if err != nil {
			return err
		}
		defer engine.Close()
		srv.engine = engine

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go srv.run(ctx)

		e := echo.New()
		e.Use(middleware.RequestLogger())
		e.Use(middleware.Recover())
		e.POST("/v1/completions", srv.handleCompletions)

		logrus.Infof("serving completions on %s", serveAddr)
		sc := echo.StartConfig{Address: serveAddr}
		return sc.Start(ctx, e)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8080", "listen address")
	serveCmd.Flags().StringVar(&serveModelPath, "model", "", "ONNX model path (empty = mock runner)")
	serveCmd.Flags().StringVar(&serveTokenizerDir, "tokenizer", "", "tokenizer directory (defaults to the model path)")
	serveCmd.Flags().IntVar(&serveVocabSize, "vocab-size", 32000, "model vocabulary size")
	rootCmd.AddCommand(serveCmd)
}
