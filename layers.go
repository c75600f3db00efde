// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2024-2026 Jingze Shi

package doge

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// ---------------------------------------------------------------------------
// Activation
// ---------------------------------------------------------------------------

// Activation is a closed enum of supported activation functions, selected
// at construction time. The hot path dispatches on the enum value, never
// on a string.
type Activation uint8

const (
	ActSiLU Activation = iota
	ActGELU
	ActReLU
)

func (a Activation) valid() bool { return a <= ActReLU }

// String returns the canonical lowercase name of the activation.
func (a Activation) String() string {
	switch a {
	case ActSiLU:
		return "silu"
	case ActGELU:
		return "gelu"
	case ActReLU:
		return "relu"
	default:
		return "unknown"
	}
}

// ActivationFromName parses a lowercase activation name into the enum.
// Unknown names are a configuration error.
func ActivationFromName(name string) (Activation, error) {
	switch name {
	case "silu":
		return ActSiLU, nil
	case "gelu":
		return ActGELU, nil
	case "relu":
		return ActReLU, nil
	default:
		return 0, errors.Errorf("unknown activation %q (supported: silu, gelu, relu)", name)
	}
}

// Apply evaluates the activation at a single point.
func (a Activation) Apply(x float32) float32 {
	switch a {
	case ActSiLU:
		return x / (1.0 + ExpF32(-x))
	case ActGELU:
		// tanh approximation of GELU
		inner := 0.7978845608 * (x + 0.044715*x*x*x)
		e2 := ExpF32(2 * inner)
		tanh := (e2 - 1) / (e2 + 1)
		return 0.5 * x * (1 + tanh)
	case ActReLU:
		if x < 0 {
			return 0
		}
		return x
	default:
		return x
	}
}

// ApplyInPlace evaluates the activation element-wise over xs.
func (a Activation) ApplyInPlace(xs []float32) {
	for i, x := range xs {
		xs[i] = a.Apply(x)
	}
}

// ---------------------------------------------------------------------------
// Embedding
// ---------------------------------------------------------------------------

// Embedding is a lookup table: token ID -> dense vector.
//
//	output[b, s, :] = weight[token_ids[b, s], :]
//
// Weight shape: [vocab_size, embed_dim].
type Embedding struct {
	weight    *Tensor
	vocabSize int
	embedDim  int
}

// NewEmbedding creates an embedding table initialized with N(0, sqrt(2/d)).
func NewEmbedding(vocabSize, embedDim int) *Embedding {
	std := SqrtF32(2.0 / float32(embedDim))
	return &Embedding{
		weight:    RandnWithStd(NewShape(vocabSize, embedDim), F32, std),
		vocabSize: vocabSize,
		embedDim:  embedDim,
	}
}

// Forward looks up embeddings for each token ID.
// Input: [batch, seq_len] token IDs. Output: [batch, seq_len, embed_dim].
func (e *Embedding) Forward(tokenIDs [][]int) *Tensor {
	batch := len(tokenIDs)
	if batch == 0 {
		exceptions.Panicf("doge: embedding forward on empty batch")
	}
	seqLen := len(tokenIDs[0])

	output := New(NewShape(batch, seqLen, e.embedDim), F32)
	out, w := output.DataPtr(), e.weight.DataPtr()
	for b := 0; b < batch; b++ {
		if len(tokenIDs[b]) != seqLen {
			exceptions.Panicf("doge: ragged token batch: row %d has %d tokens, expected %d", b, len(tokenIDs[b]), seqLen)
		}
		for s := 0; s < seqLen; s++ {
			tid := tokenIDs[b][s]
			if tid < 0 || tid >= e.vocabSize {
				exceptions.Panicf("doge: token ID %d out of range [0, %d)", tid, e.vocabSize)
			}
			// Copy one embedding vector: flat offset = tid * embed_dim
			copy(out[(b*seqLen+s)*e.embedDim:], w[tid*e.embedDim:(tid+1)*e.embedDim])
		}
	}
	return output
}

// VocabSize returns the vocabulary size.
func (e *Embedding) VocabSize() int { return e.vocabSize }

// EmbedDim returns the embedding dimension.
func (e *Embedding) EmbedDim() int { return e.embedDim }

// ---------------------------------------------------------------------------
// Linear
// ---------------------------------------------------------------------------

// Linear computes y = x @ W^T + b (optional bias).
//
// Weight shape: [out_features, in_features] (transposed layout so that
// MatmulTransposedB can be used, avoiding a separate transpose allocation).
type Linear struct {
	weight  *Tensor
	bias    *Tensor
	inFeat  int
	outFeat int
	useBias bool
}

// NewLinear creates a linear layer with Kaiming initialization: N(0, sqrt(2/in)).
func NewLinear(inFeatures, outFeatures int, useBias bool) *Linear {
	std := SqrtF32(2.0 / float32(inFeatures))
	l := &Linear{
		weight:  RandnWithStd(NewShape(outFeatures, inFeatures), F32, std),
		inFeat:  inFeatures,
		outFeat: outFeatures,
		useBias: useBias,
	}
	if useBias {
		l.bias = Zeros(NewShape(outFeatures), F32)
	}
	return l
}

// Forward computes y = x @ W^T (+ bias). Input may be any shape where the
// last dim is in_features; leading dims are treated as a flat batch.
func (l *Linear) Forward(input *Tensor) *Tensor {
	batchDims, batchSize, last := splitLast(input.Shape().DimsRef())
	if last != l.inFeat {
		exceptions.Panicf("doge: linear expects last dim %d, got %d", l.inFeat, last)
	}
	flatInput := input.Reshape(NewShape(batchSize, l.inFeat))
	output := MatmulTransposedB(flatInput, l.weight)

	if l.useBias {
		out, b := output.DataPtr(), l.bias.DataPtr()
		for i := 0; i < batchSize; i++ {
			row := out[i*l.outFeat : (i+1)*l.outFeat]
			for j := range row {
				row[j] += b[j]
			}
		}
	}

	return output.Reshape(withLastDim(batchDims, l.outFeat))
}

// InFeatures returns the input dimension.
func (l *Linear) InFeatures() int { return l.inFeat }

// OutFeatures returns the output dimension.
func (l *Linear) OutFeatures() int { return l.outFeat }

// ---------------------------------------------------------------------------
// RMSNorm
// ---------------------------------------------------------------------------

// RMSNorm implements Root Mean Square Layer Normalization.
//
//	RMSNorm(x) = x / sqrt(mean(x^2) + eps) * gamma
//
// Unlike LayerNorm, RMSNorm has no mean-centering (no beta), making it
// cheaper and empirically as effective for Transformer pre-norm.
type RMSNorm struct {
	weight *Tensor // gamma (learnable scale), shape [dim]
	eps    float32
	dim    int
}

// NewRMSNorm creates an RMSNorm layer with gamma initialized to 1.
func NewRMSNorm(dim int, eps float32) *RMSNorm {
	return &RMSNorm{
		weight: Ones(NewShape(dim), F32),
		eps:    eps,
		dim:    dim,
	}
}

// Forward applies RMSNorm along the last dimension.
//
//	rms = sqrt(mean(x^2) + eps)
//	y_i = x_i / rms * gamma_i
func (r *RMSNorm) Forward(input *Tensor) *Tensor {
	shape := input.Shape()
	if shape.At(-1) != r.dim {
		exceptions.Panicf("doge: rmsnorm expects last dim %d, got %d", r.dim, shape.At(-1))
	}
	numVectors := shape.Numel() / r.dim

	output := New(shape, F32)
	in, out, w := input.DataPtr(), output.DataPtr(), r.weight.DataPtr()
	for v := 0; v < numVectors; v++ {
		off := v * r.dim
		row := in[off : off+r.dim]

		sumSq := float32(0)
		for _, x := range row {
			sumSq += x * x
		}

		invRms := 1.0 / SqrtF32(sumSq/float32(r.dim)+r.eps)

		oRow := out[off : off+r.dim]
		for i := range oRow {
			oRow[i] = row[i] * invRms * w[i]
		}
	}
	return output
}
