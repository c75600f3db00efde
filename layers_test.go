// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2024-2026 Jingze Shi

package doge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Embedding lookup copies the right weight row per token.
func TestEmbeddingForward(t *testing.T) {
	e := NewEmbedding(10, 4)
	out := e.Forward([][]int{{0, 3}, {9, 1}})
	require.Equal(t, []int{2, 2, 4}, out.Shape().Dims())

	w := e.weight.Data()
	got := out.Data()
	require.Equal(t, w[0:4], got[0:4])     // token 0
	require.Equal(t, w[12:16], got[4:8])   // token 3
	require.Equal(t, w[36:40], got[8:12])  // token 9
	require.Equal(t, w[4:8], got[12:16])   // token 1
}

func TestEmbeddingPanics(t *testing.T) {
	e := NewEmbedding(10, 4)
	require.Panics(t, func() { e.Forward([][]int{{10}}) })
	require.Panics(t, func() { e.Forward([][]int{{-1}}) })
	require.Panics(t, func() { e.Forward([][]int{{1, 2}, {3}}) })
	require.Panics(t, func() { e.Forward(nil) })
}

// Linear with a hand-set weight matches the expected x @ W^T.
func TestLinearForward(t *testing.T) {
	l := NewLinear(2, 3, true)
	copy(l.weight.DataPtr(), []float32{1, 0, 0, 1, 1, 1}) // rows: [1,0], [0,1], [1,1]
	copy(l.bias.DataPtr(), []float32{0.5, 0, -0.5})

	out := l.Forward(FromSlice([]float32{2, 3}, NewShape(1, 2)))
	require.Equal(t, []float32{2.5, 3, 4.5}, out.Data())

	// Leading dims are a flat batch: [2, 2, 2] in -> [2, 2, 3] out.
	batched := l.Forward(FromSlice(make([]float32, 8), NewShape(2, 2, 2)))
	require.Equal(t, []int{2, 2, 3}, batched.Shape().Dims())

	require.Panics(t, func() { l.Forward(FromSlice([]float32{1, 2, 3}, NewShape(1, 3))) })
}

// RMSNorm scales each vector to unit RMS before applying gamma.
func TestRMSNormForward(t *testing.T) {
	n := NewRMSNorm(4, 1e-6)
	out := n.Forward(FromSlice([]float32{2, 2, 2, 2}, NewShape(1, 4)))
	for _, v := range out.Data() {
		require.InDelta(t, 1.0, v, 1e-4)
	}

	// Gamma rescales per channel.
	copy(n.weight.DataPtr(), []float32{1, 2, 3, 4})
	out = n.Forward(FromSlice([]float32{2, 2, 2, 2}, NewShape(1, 4)))
	require.InDelta(t, 1.0, out.Data()[0], 1e-4)
	require.InDelta(t, 4.0, out.Data()[3], 1e-4)

	require.Panics(t, func() { n.Forward(FromSlice([]float32{1, 2}, NewShape(1, 2))) })
}

// The activation enum evaluates the standard pointwise definitions.
func TestActivations(t *testing.T) {
	require.InDelta(t, 0.0, ActSiLU.Apply(0), 1e-6)
	require.InDelta(t, 0.7310586, ActSiLU.Apply(1), 1e-3)
	require.InDelta(t, 0.8411920, ActGELU.Apply(1), 1e-3)
	require.Equal(t, float32(0), ActReLU.Apply(-5))
	require.Equal(t, float32(5), ActReLU.Apply(5))

	xs := []float32{-1, 0, 1}
	ActReLU.ApplyInPlace(xs)
	require.Equal(t, []float32{0, 0, 1}, xs)
}
