// Package tokenizer binds HuggingFace tokenizers for prompt encoding and
// output detokenization. The engine core never touches text; it consumes
// token ids only.
package tokenizer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"
	json "github.com/goccy/go-json"
)

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) ([]int64, error)
	Decode(tokenIDs []int64) (string, error)
	EOSTokenID() int64
}

// Config mirrors the fields read from the tokenizer_config.json sidecar.
type Config struct {
	BOSToken     string `json:"bos_token"`
	EOSToken     string `json:"eos_token"`
	ChatTemplate string `json:"chat_template"`
}

// LoadConfig reads tokenizer_config.json from a model directory. A missing
// file yields an empty config rather than an error: not every export
// ships the sidecar.
func LoadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, "tokenizer_config.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// HFTokenizer wraps a HuggingFace tokenizer.json.
type HFTokenizer struct {
	tk     *tokenizers.Tokenizer
	config *Config
	eosID  int64
}

// NewHFTokenizer loads tokenizer.json and the sidecar config from a model
// directory. The EOS id is resolved by encoding the configured EOS token;
// -1 if the sidecar does not name one.
func NewHFTokenizer(dir string) (*HFTokenizer, error) {
	tk, err := tokenizers.FromFile(filepath.Join(dir, "tokenizer.json"))
	if err != nil {
		return nil, fmt.Errorf("load tokenizer.json: %w", err)
	}
	cfg, err := LoadConfig(dir)
	if err != nil {
		tk.Close()
		return nil, err
	}

	eosID := int64(-1)
	if cfg.EOSToken != "" {
		ids, _ := tk.Encode(cfg.EOSToken, false)
		if len(ids) == 1 {
			eosID = int64(ids[0])
		}
	}

	return &HFTokenizer{tk: tk, config: cfg, eosID: eosID}, nil
}

// Encode tokenizes text with special tokens added.
func (t *HFTokenizer) Encode(text string) ([]int64, error) {
	ids, _ := t.tk.Encode(text, true)
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out, nil
}

// Decode detokenizes ids, skipping special tokens.
func (t *HFTokenizer) Decode(tokenIDs []int64) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		if id < 0 {
			return "", fmt.Errorf("negative token id %d", id)
		}
		ids[i] = uint32(id)
	}
	return t.tk.Decode(ids, true), nil
}

// EOSTokenID returns the resolved EOS id, -1 if unknown.
func (t *HFTokenizer) EOSTokenID() int64 {
	return t.eosID
}

// Config returns the sidecar config (bos/eos tokens, chat template).
func (t *HFTokenizer) Config() *Config {
	return t.config
}

// Close releases the underlying tokenizer.
func (t *HFTokenizer) Close() error {
	t.tk.Close()
	return nil
}

// ByteTokenizer maps bytes to token ids one-to-one. Used by demos and
// tests that need a tokenizer without model files on disk.
type ByteTokenizer struct {
	eosID int64
}

// NewByteTokenizer creates a byte-level tokenizer with the given EOS id.
func NewByteTokenizer(eosID int64) *ByteTokenizer {
	return &ByteTokenizer{eosID: eosID}
}

func (t *ByteTokenizer) Encode(text string) ([]int64, error) {
	out := make([]int64, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int64(text[i])
	}
	return out, nil
}

func (t *ByteTokenizer) Decode(tokenIDs []int64) (string, error) {
	buf := make([]byte, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == t.eosID || id < 0 || id > 255 {
			continue
		}
		buf = append(buf, byte(id))
	}
	return string(buf), nil
}

func (t *ByteTokenizer) EOSTokenID() int64 {
	return t.eosID
}
