// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2024-2026 Jingze Shi

package doge

import (
	"github.com/pkg/errors"
)

// Config holds the hyperparameters defining a Doge model architecture.
// Two presets are provided: Base (the published small-model configuration)
// and Tiny (for tests and benchmarks). Validate must pass before a model
// is constructed from the config.
type Config struct {
	// Transformer backbone.
	HiddenSize int // d_model
	NumLayers  int
	VocabSize  int
	MaxSeqLen  int // maximum absolute position the rotary encoder supports

	// Attention. KV heads = NumHeads / NumGroups; each KV head is shared
	// by NumGroups query heads.
	NumHeads  int
	NumGroups int

	// Inner-value retrieval (the attention module's auxiliary value pool).
	NumInnerValues        int // pool size
	NumInnerValueHeads    int // independent retrieval heads
	NumInnerValuesPerHead int // pool entries mixed per token per head
	InnerRetrievalDim     int // gate query / pool key dimensionality

	// CDMoE feed-forward.
	IntermediateSize   int // dense-path hidden width
	NumExperts         int // must be a perfect square (decomposed key table)
	NumExpertHeads     int
	NumExpertsPerHead  int
	ExpertRetrievalDim int // retrieval query width, split into two halves

	// Numerics.
	Activation Activation
	RopeTheta  float32
	RMSNormEps float32

	// Special token ids, used by the generation loop.
	PadID int
	BOSID int
	EOSID int
}

// Base returns the published small-model configuration: 64 hidden, 8 layers,
// 4 heads, 256 experts (top-2), 32K vocab, 16K context.
func Base() Config {
	return Config{
		HiddenSize: 64,
		NumLayers:  8,
		VocabSize:  32768,
		MaxSeqLen:  16384,

		NumHeads:  4,
		NumGroups: 1,

		NumInnerValues:        64,
		NumInnerValueHeads:    1,
		NumInnerValuesPerHead: 2,
		InnerRetrievalDim:     16,

		IntermediateSize:   256,
		NumExperts:         256,
		NumExpertHeads:     1,
		NumExpertsPerHead:  2,
		ExpertRetrievalDim: 64,

		Activation: ActSiLU,
		RopeTheta:  10000,
		RMSNormEps: 1e-6,

		PadID: 0,
		BOSID: 1,
		EOSID: 2,
	}
}

// Tiny returns a minimal configuration for unit tests: 64 hidden, 2 layers,
// 16 experts (top-2), 1K vocab. Small enough for fast test runs.
func Tiny() Config {
	return Config{
		HiddenSize: 64,
		NumLayers:  2,
		VocabSize:  1000,
		MaxSeqLen:  512,

		NumHeads:  4,
		NumGroups: 1,

		NumInnerValues:        16,
		NumInnerValueHeads:    1,
		NumInnerValuesPerHead: 2,
		InnerRetrievalDim:     16,

		IntermediateSize:   128,
		NumExperts:         16,
		NumExpertHeads:     1,
		NumExpertsPerHead:  2,
		ExpertRetrievalDim: 32,

		Activation: ActSiLU,
		RopeTheta:  10000,
		RMSNormEps: 1e-6,

		PadID: 0,
		BOSID: 1,
		EOSID: 2,
	}
}

// HeadDim returns the per-head width of query/key/value vectors.
func (c Config) HeadDim() int { return c.HiddenSize / c.NumHeads }

// KVHeads returns the number of key/value heads (grouped-query attention).
func (c Config) KVHeads() int { return c.NumHeads / c.NumGroups }

// TopK returns the number of experts that contribute per token.
func (c Config) TopK() int { return c.NumExpertHeads * c.NumExpertsPerHead }

// expertSide returns the edge length of the decomposed expert key table.
func (c Config) expertSide() int { return isqrt(c.NumExperts) }

// isqrt returns the integer square root of n, or -1 if n is not a
// perfect square.
func isqrt(n int) int {
	if n < 0 {
		return -1
	}
	r := 0
	for r*r < n {
		r++
	}
	if r*r != n {
		return -1
	}
	return r
}

// Validate checks every architectural constraint. Configuration errors are
// fatal and reported eagerly, before any weight allocation.
func (c Config) Validate() error {
	if c.HiddenSize <= 0 || c.NumLayers <= 0 || c.VocabSize <= 0 || c.MaxSeqLen <= 0 {
		return errors.Errorf("config: hidden=%d layers=%d vocab=%d maxSeq=%d must all be positive",
			c.HiddenSize, c.NumLayers, c.VocabSize, c.MaxSeqLen)
	}
	if c.NumHeads <= 0 || c.HiddenSize%c.NumHeads != 0 {
		return errors.Errorf("config: hidden size %d not divisible by %d heads", c.HiddenSize, c.NumHeads)
	}
	if c.NumGroups <= 0 || c.NumHeads%c.NumGroups != 0 {
		return errors.Errorf("config: %d heads not divisible by %d groups", c.NumHeads, c.NumGroups)
	}
	if c.HeadDim()%2 != 0 {
		return errors.Errorf("config: head dim %d must be even for rotary encoding", c.HeadDim())
	}
	if c.NumInnerValues <= 0 || c.NumInnerValueHeads <= 0 || c.InnerRetrievalDim <= 0 {
		return errors.Errorf("config: inner values=%d heads=%d retrievalDim=%d must all be positive",
			c.NumInnerValues, c.NumInnerValueHeads, c.InnerRetrievalDim)
	}
	if c.NumInnerValuesPerHead <= 0 || c.NumInnerValuesPerHead > c.NumInnerValues {
		return errors.Errorf("config: %d inner values per head exceeds pool size %d",
			c.NumInnerValuesPerHead, c.NumInnerValues)
	}
	if c.IntermediateSize <= 0 {
		return errors.Errorf("config: intermediate size %d must be positive", c.IntermediateSize)
	}
	if c.expertSide() < 0 {
		return errors.Errorf("config: %d experts is not a perfect square", c.NumExperts)
	}
	if c.NumExpertHeads <= 0 || c.NumExpertsPerHead <= 0 {
		return errors.Errorf("config: expert heads=%d expertsPerHead=%d must be positive",
			c.NumExpertHeads, c.NumExpertsPerHead)
	}
	if c.TopK() > c.NumExperts {
		return errors.Errorf("config: top-k %d exceeds %d experts", c.TopK(), c.NumExperts)
	}
	if c.NumExpertsPerHead > c.expertSide() {
		return errors.Errorf("config: %d experts per head exceeds key table side %d",
			c.NumExpertsPerHead, c.expertSide())
	}
	if c.ExpertRetrievalDim <= 0 || c.ExpertRetrievalDim%2 != 0 {
		return errors.Errorf("config: expert retrieval dim %d must be positive and even", c.ExpertRetrievalDim)
	}
	if !c.Activation.valid() {
		return errors.Errorf("config: unknown activation %d", c.Activation)
	}
	if c.RopeTheta <= 0 {
		return errors.Errorf("config: rope theta %f must be positive", c.RopeTheta)
	}
	if c.RMSNormEps <= 0 {
		return errors.Errorf("config: rms norm epsilon %g must be positive", c.RMSNormEps)
	}
	return nil
}

// TotalParams estimates the total parameter count, including every expert.
//
//	total = embedding + N_layers * (attention + inner pool + CDMoE + 2*norm)
//	      + final norm + lm_head
func (c Config) TotalParams() int {
	d, hd, kvh := c.HiddenSize, c.HeadDim(), c.KVHeads()

	emb := c.VocabSize * d
	attn := d*d + 2*d*kvh*hd + d*d // q, k, v, out projections
	inner := d*c.NumInnerValueHeads*c.InnerRetrievalDim + // gate projection
		c.NumInnerValueHeads*c.NumInnerValues*c.InnerRetrievalDim + // pool keys
		c.NumInnerValues*kvh*hd // pool values
	moe := d*c.IntermediateSize + c.IntermediateSize*d + // dense path
		d*c.NumExpertHeads*c.ExpertRetrievalDim + // retrieval queries
		c.NumExpertHeads*c.expertSide()*c.ExpertRetrievalDim + // decomposed row+col keys
		2*c.NumExperts*d // up/down expert banks
	perLayer := attn + inner + moe + 2*d

	return emb + perLayer*c.NumLayers + d + d*c.VocabSize
}

// ActiveParams estimates the parameter count actually used per token: only
// the top-k experts and top inner values contribute, not the full banks.
func (c Config) ActiveParams() int {
	d, hd, kvh := c.HiddenSize, c.HeadDim(), c.KVHeads()

	emb := c.VocabSize * d
	attn := d*d + 2*d*kvh*hd + d*d
	inner := d*c.NumInnerValueHeads*c.InnerRetrievalDim +
		c.NumInnerValueHeads*c.NumInnerValues*c.InnerRetrievalDim +
		c.NumInnerValueHeads*c.NumInnerValuesPerHead*kvh*hd
	moe := d*c.IntermediateSize + c.IntermediateSize*d +
		d*c.NumExpertHeads*c.ExpertRetrievalDim +
		c.NumExpertHeads*c.expertSide()*c.ExpertRetrievalDim +
		2*c.TopK()*d
	perLayer := attn + inner + moe + 2*d

	return emb + perLayer*c.NumLayers + d + d*c.VocabSize
}

// ExpertsSide returns the edge length of the square expert key table.
// Exported for callers that need to reason about the decomposed layout.
func (c Config) ExpertsSide() int { return c.expertSide() }
