// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2024-2026 Jingze Shi

package doge

import (
	"github.com/pkg/errors"
)

// RotaryEmbedding precomputes the rotary position-encoding frequency bands
// and applies position-dependent rotation to query/key vectors.
//
// RoPE rotates consecutive pairs of dimensions by a position-dependent angle:
//
//	theta_i = position * freq_i, freq_i = 1 / theta^(2i / d_head)
//	[x_{2i}, x_{2i+1}] -> [x_{2i}*cos(theta) - x_{2i+1}*sin(theta),
//	                        x_{2i}*sin(theta) + x_{2i+1}*cos(theta)]
//
// This encodes relative position information directly into the Q/K vectors
// so that the dot product Q_i . K_j depends on (i - j), not absolute positions.
//
// One RotaryEmbedding instance is shared by every attention layer of a model.
// Positions at or beyond maxSeqLen are an explicit error; the schedule is
// never silently extended.
type RotaryEmbedding struct {
	freqs     []float32
	headDim   int
	maxSeqLen int
}

// NewRotaryEmbedding precomputes frequency bands for headDim/2 rotation pairs.
func NewRotaryEmbedding(headDim, maxSeqLen int, theta float32) *RotaryEmbedding {
	freqs := make([]float32, headDim/2)
	for i := range freqs {
		freqs[i] = 1.0 / PowF32(theta, float32(2*i)/float32(headDim))
	}
	return &RotaryEmbedding{freqs: freqs, headDim: headDim, maxSeqLen: maxSeqLen}
}

// MaxSeqLen returns the highest position (exclusive) the schedule covers.
func (r *RotaryEmbedding) MaxSeqLen() int { return r.maxSeqLen }

// Rotate applies the rotation in place to data laid out as
// [batch, seqLen, heads, headDim]. The absolute position of sequence index s
// is startPos + s; during incremental decoding startPos is the cache length.
func (r *RotaryEmbedding) Rotate(data []float32, batch, seqLen, heads, startPos int) error {
	if startPos < 0 || startPos+seqLen > r.maxSeqLen {
		return errors.Errorf("rotary: position range [%d, %d) exceeds maximum %d",
			startPos, startPos+seqLen, r.maxSeqLen)
	}
	halfDim := r.headDim / 2
	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			base := (b*seqLen + s) * heads * r.headDim
			pos := float32(startPos + s)
			for h := 0; h < heads; h++ {
				row := data[base+h*r.headDim : base+(h+1)*r.headDim]
				for i := 0; i < halfDim; i++ {
					angle := pos * r.freqs[i]
					cos, sin := CosF32(angle), SinF32(angle)
					x0, x1 := row[2*i], row[2*i+1]
					row[2*i] = x0*cos - x1*sin
					row[2*i+1] = x0*sin + x1*cos
				}
			}
		}
	}
	return nil
}
