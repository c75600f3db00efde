// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2024-2026 Jingze Shi

package doge

import (
	"github.com/pkg/errors"
)

// DecoderLayer is a single decoder layer with pre-norm residual connections:
//
//	x = x + Attention(RMSNorm(x))     -- inner-function attention with pre-norm
//	x = x + CDMoE(RMSNorm(x))         -- mixture-of-experts FFN with pre-norm
type DecoderLayer struct {
	attnNorm  *RMSNorm
	attention *InnerFuncAttention
	ffnNorm   *RMSNorm
	moe       *CDMoE
}

// NewDecoderLayer creates one decoder layer from the model config.
func NewDecoderLayer(cfg Config, rope *RotaryEmbedding) *DecoderLayer {
	return &DecoderLayer{
		attnNorm:  NewRMSNorm(cfg.HiddenSize, cfg.RMSNormEps),
		attention: NewInnerFuncAttention(cfg, rope),
		ffnNorm:   NewRMSNorm(cfg.HiddenSize, cfg.RMSNormEps),
		moe:       NewCDMoE(cfg),
	}
}

// Forward applies the pre-norm decoder layer with residual connections.
//
//	h1 = input + Attention(RMSNorm(input))
//	output = h1 + CDMoE(RMSNorm(h1))
func (l *DecoderLayer) Forward(input, mask *Tensor, cache *Cache, layer int) (*Tensor, error) {
	attnOut, err := l.attention.Forward(l.attnNorm.Forward(input), mask, cache, layer)
	if err != nil {
		return nil, err
	}
	h1 := input.Add(attnOut)
	moeOut := l.moe.Forward(l.ffnNorm.Forward(h1))
	return h1.Add(moeOut), nil
}

// Model is the complete Doge causal language model.
//
// Architecture (pre-norm, decoder-only):
//
//	embedding -> [DecoderLayer x NumLayers] -> RMSNorm -> Linear(lm_head) -> logits
//
// Each layer contains InnerFuncAttention + CDMoE with pre-norm residuals.
// One rotary encoder is shared by every layer.
type Model struct {
	config    Config
	embedding *Embedding
	rope      *RotaryEmbedding
	layers    []*DecoderLayer
	finalNorm *RMSNorm
	lmHead    *Linear
}

// NewModel constructs the full model from a Config. Configuration errors
// are reported here, before any weight allocation.
func NewModel(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rope := NewRotaryEmbedding(cfg.HeadDim(), cfg.MaxSeqLen, cfg.RopeTheta)
	layers := make([]*DecoderLayer, cfg.NumLayers)
	for i := range layers {
		layers[i] = NewDecoderLayer(cfg, rope)
	}
	return &Model{
		config:    cfg,
		embedding: NewEmbedding(cfg.VocabSize, cfg.HiddenSize),
		rope:      rope,
		layers:    layers,
		finalNorm: NewRMSNorm(cfg.HiddenSize, cfg.RMSNormEps),
		lmHead:    NewLinear(cfg.HiddenSize, cfg.VocabSize, false),
	}, nil
}

// NewBase creates the published small-model configuration.
func NewBase() (*Model, error) { return NewModel(Base()) }

// NewTiny creates a minimal model for testing.
func NewTiny() (*Model, error) { return NewModel(Tiny()) }

// Config returns the model's configuration.
func (m *Model) Config() Config { return m.config }

// NumLayers returns the number of decoder layers.
func (m *Model) NumLayers() int { return m.config.NumLayers }

// NewCache allocates a fresh per-layer KV cache for one generation session
// with the given batch size.
func (m *Model) NewCache(batch int) *Cache { return NewCache(m.config, batch) }

// Forward runs the complete model: embedding -> layers -> norm -> lm_head.
//
// tokenIDs is [batch][seq] and must be rectangular. paddingMask follows the
// tokenizer contract (1 = real, 0 = padding) and must cover every key
// position including cached ones: each row has length cache.Len() + seq.
// nil means no padding. cache, if non-nil, is threaded through every layer
// and advanced by seq positions on success.
//
// Two call modes share this entry point: full-sequence (prefill, cache empty
// or nil) and single-step (seq = 1, cache carrying the prior positions).
// Both produce identical logits for a shared prefix.
//
// Output: [batch, seq, vocab] logits.
func (m *Model) Forward(tokenIDs [][]int, paddingMask [][]int, cache *Cache) (*Tensor, error) {
	batch := len(tokenIDs)
	if batch == 0 {
		return nil, errors.New("model: empty batch")
	}
	seqLen := len(tokenIDs[0])
	if seqLen == 0 {
		return nil, errors.New("model: empty sequence")
	}
	for b, row := range tokenIDs {
		if len(row) != seqLen {
			return nil, errors.Errorf("model: ragged batch: row %d has %d tokens, expected %d", b, len(row), seqLen)
		}
	}

	pastLen := 0
	if cache != nil {
		if cache.Batch() != batch {
			return nil, errors.Errorf("model: cache batch %d does not match input batch %d", cache.Batch(), batch)
		}
		pastLen = cache.Len()
	}

	mask, err := BuildAdditiveMask(paddingMask, batch, seqLen, pastLen)
	if err != nil {
		return nil, err
	}

	x := m.embedding.Forward(tokenIDs)
	for i, layer := range m.layers {
		x, err = layer.Forward(x, mask, cache, i)
		if err != nil {
			return nil, err
		}
	}

	if cache != nil {
		cache.Advance(seqLen)
	}
	return m.lmHead.Forward(m.finalNorm.Forward(x)), nil
}
