// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2024-2026 Jingze Shi

package doge

import (
	"github.com/pkg/errors"
)

// InnerFuncAttention implements multi-head scaled dot-product attention with
// an inner-function value path: alongside the ordinary value projection, a
// learned pool of inner value vectors is mixed into the value tensor through
// a per-token gating computation. Query heads may outnumber key/value heads
// (grouped-query attention); each KV head serves nGroups query heads.
//
// Full attention equation:
//
//	V' = V + innerMix(x)
//	scores = (Q @ K^T) / sqrt(d_k) + additive_mask
//	output = W_O @ (softmax(scores) @ V')
//
// The inner mix, per token and per retrieval head: project the token to a
// gate query, score it against the pool keys, keep the top entries (ties to
// the lower pool index), softmax over just those, and add the weighted pool
// vectors into the token's value row. Head contributions are averaged.
type InnerFuncAttention struct {
	wQ, wK, wV, wO *Linear
	wInnerGate     *Linear
	innerKeys      *Tensor // [innerHeads, numInner, innerDim]
	innerValues    *Tensor // [numInner, kvHeads*headDim]
	rope           *RotaryEmbedding

	nHeads, nKVHeads, nGroups int
	headDim, hiddenDim        int
	innerHeads, innerPerHead  int
	innerDim, numInner        int
	scale                     float32 // 1 / sqrt(head_dim)
}

// NewInnerFuncAttention builds the attention sublayer from a validated
// config. The rotary encoder is shared across layers and owned by the model.
func NewInnerFuncAttention(cfg Config, rope *RotaryEmbedding) *InnerFuncAttention {
	d, hd, kvh := cfg.HiddenSize, cfg.HeadDim(), cfg.KVHeads()
	poolStd := SqrtF32(2.0 / float32(cfg.InnerRetrievalDim))
	return &InnerFuncAttention{
		wQ:         NewLinear(d, cfg.NumHeads*hd, false),
		wK:         NewLinear(d, kvh*hd, false),
		wV:         NewLinear(d, kvh*hd, false),
		wO:         NewLinear(cfg.NumHeads*hd, d, false),
		wInnerGate: NewLinear(d, cfg.NumInnerValueHeads*cfg.InnerRetrievalDim, false),
		innerKeys: RandnWithStd(
			NewShape(cfg.NumInnerValueHeads, cfg.NumInnerValues, cfg.InnerRetrievalDim), F32, poolStd),
		innerValues: RandnWithStd(
			NewShape(cfg.NumInnerValues, kvh*hd), F32, poolStd),
		rope:         rope,
		nHeads:       cfg.NumHeads,
		nKVHeads:     kvh,
		nGroups:      cfg.NumGroups,
		headDim:      hd,
		hiddenDim:    d,
		innerHeads:   cfg.NumInnerValueHeads,
		innerPerHead: cfg.NumInnerValuesPerHead,
		innerDim:     cfg.InnerRetrievalDim,
		numInner:     cfg.NumInnerValues,
		scale:        1.0 / SqrtF32(float32(hd)),
	}
}

// Forward computes the attention sublayer for one layer of the stack.
//
// input is [batch, seq, hidden]. mask, if non-nil, is the additive mask
// [batch, seq, pastLen+seq] from BuildAdditiveMask; a nil mask means the
// plain causal constraint. cache, if non-nil, supplies pastLen previously
// committed positions and receives this call's keys/values (append-only).
//
// Returns output of exactly the input's shape.
func (a *InnerFuncAttention) Forward(input *Tensor, mask *Tensor, cache *Cache, layer int) (*Tensor, error) {
	dims := input.Shape().DimsRef()
	if len(dims) != 3 || dims[2] != a.hiddenDim {
		return nil, errors.Errorf("attention: input shape %v, want [batch, seq, %d]", input.Shape(), a.hiddenDim)
	}
	batch, seqLen := dims[0], dims[1]

	pastLen := 0
	if cache != nil {
		if cache.Batch() != batch {
			return nil, errors.Errorf("attention: cache batch %d does not match input batch %d", cache.Batch(), batch)
		}
		pastLen = cache.Len()
	}
	kvLen := pastLen + seqLen

	if mask != nil {
		md := mask.Shape().DimsRef()
		if len(md) != 3 || md[0] != batch || md[1] != seqLen || md[2] != kvLen {
			return nil, errors.Errorf("attention: mask shape %v, want [%d, %d, %d]", mask.Shape(), batch, seqLen, kvLen)
		}
	}

	q := a.wQ.Forward(input)
	k := a.wK.Forward(input)
	v := a.wV.Forward(input)
	a.addInnerValues(input, v, batch, seqLen)

	qData, kData, vData := q.DataPtr(), k.DataPtr(), v.DataPtr()
	if err := a.rope.Rotate(qData, batch, seqLen, a.nHeads, pastLen); err != nil {
		return nil, err
	}
	if err := a.rope.Rotate(kData, batch, seqLen, a.nKVHeads, pastLen); err != nil {
		return nil, err
	}

	// Keys/values are consumed in head-major layout [batch, kvHeads, pos, dim]
	// so one head's rows are contiguous across positions. With a cache the
	// arena provides that layout directly; without one a local copy does.
	var kArena, vArena []float32
	var posStride int
	if cache != nil {
		if err := cache.Append(layer, kData, vData, seqLen); err != nil {
			return nil, err
		}
		kArena, vArena = cache.View(layer)
		posStride = cache.Stride()
	} else {
		kArena = toHeadMajor(kData, batch, seqLen, a.nKVHeads, a.headDim)
		vArena = toHeadMajor(vData, batch, seqLen, a.nKVHeads, a.headDim)
		posStride = seqLen
	}

	var maskData []float32
	if mask != nil {
		maskData = mask.DataPtr()
	}

	output := New(NewShape(batch, seqLen, a.nHeads, a.headDim), F32)
	outData := output.DataPtr()
	scores := make([]float32, kvLen)

	for b := 0; b < batch; b++ {
		for h := 0; h < a.nHeads; h++ {
			// Grouped-query mapping: nGroups consecutive query heads share
			// one KV head.
			kvH := h / a.nGroups
			kBase := (b*a.nKVHeads + kvH) * posStride * a.headDim
			vBase := kBase

			for qi := 0; qi < seqLen; qi++ {
				qOff := ((b*seqLen+qi)*a.nHeads + h) * a.headDim
				qRow := qData[qOff : qOff+a.headDim]

				for ki := 0; ki < kvLen; ki++ {
					kRow := kArena[kBase+ki*a.headDim : kBase+(ki+1)*a.headDim]
					dot := float32(0)
					for d := range qRow {
						dot += qRow[d] * kRow[d]
					}
					scores[ki] = dot * a.scale
				}

				if maskData != nil {
					mRow := maskData[(b*seqLen+qi)*kvLen : (b*seqLen+qi+1)*kvLen]
					for ki := range scores {
						scores[ki] += mRow[ki]
					}
				} else {
					// Causal only: future positions get -inf so softmax
					// zeroes them.
					for ki := pastLen + qi + 1; ki < kvLen; ki++ {
						scores[ki] = NegInf
					}
				}

				maskedSoftmaxInPlace(scores)

				oRow := outData[qOff : qOff+a.headDim]
				for ki := 0; ki < kvLen; ki++ {
					w := scores[ki]
					if w == 0 {
						continue
					}
					vRow := vArena[vBase+ki*a.headDim : vBase+(ki+1)*a.headDim]
					for d := range oRow {
						oRow[d] += w * vRow[d]
					}
				}
			}
		}
	}

	// Concatenate heads: [batch, seq, nHeads, headDim] -> [batch, seq, hidden]
	return a.wO.Forward(output.Reshape(NewShape(batch, seqLen, a.nHeads*a.headDim))), nil
}

// addInnerValues mixes the learned inner value pool into the value tensor v
// ([batch, seq, kvHeads*headDim]) in place.
func (a *InnerFuncAttention) addInnerValues(input, v *Tensor, batch, seqLen int) {
	gates := a.wInnerGate.Forward(input) // [batch, seq, innerHeads*innerDim]
	gData := gates.DataPtr()
	keyData := a.innerKeys.DataPtr()
	poolData := a.innerValues.DataPtr()
	vData := v.DataPtr()

	vDim := a.nKVHeads * a.headDim
	invHeads := 1.0 / float32(a.innerHeads)
	scores := make([]float32, a.numInner)
	selected := make([]float32, a.innerPerHead)

	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			vRow := vData[(b*seqLen+s)*vDim : (b*seqLen+s+1)*vDim]
			for h := 0; h < a.innerHeads; h++ {
				qOff := ((b*seqLen+s)*a.innerHeads + h) * a.innerDim
				qRow := gData[qOff : qOff+a.innerDim]

				for n := 0; n < a.numInner; n++ {
					kOff := (h*a.numInner + n) * a.innerDim
					kRow := keyData[kOff : kOff+a.innerDim]
					dot := float32(0)
					for d := range qRow {
						dot += qRow[d] * kRow[d]
					}
					scores[n] = dot
				}

				picked := topKIndices(scores, a.innerPerHead)
				for j, idx := range picked {
					selected[j] = scores[idx]
				}
				softmaxInPlace(selected)

				for j, idx := range picked {
					w := selected[j] * invHeads
					pool := poolData[idx*vDim : (idx+1)*vDim]
					for d := range vRow {
						vRow[d] += w * pool[d]
					}
				}
			}
		}
	}
}

// maskedSoftmaxInPlace normalizes a score row in place. A fully masked row
// (every entry at -inf) becomes all zeros instead of NaN, so downstream
// weighted sums produce a defined zero output.
func maskedSoftmaxInPlace(row []float32) {
	maxVal := NegInf
	for _, v := range row {
		if v > maxVal {
			maxVal = v
		}
	}
	if maxVal <= NegInf {
		for i := range row {
			row[i] = 0
		}
		return
	}
	sum := float32(0)
	for i := range row {
		e := ExpF32(row[i] - maxVal)
		row[i] = e
		sum += e
	}
	invSum := 1.0 / sum
	for i := range row {
		row[i] *= invSum
	}
}

// toHeadMajor repacks [batch, seq, heads, dim] into [batch, heads, seq, dim].
func toHeadMajor(data []float32, batch, seqLen, heads, dim int) []float32 {
	out := make([]float32, len(data))
	for b := 0; b < batch; b++ {
		for s := 0; s < seqLen; s++ {
			for h := 0; h < heads; h++ {
				src := ((b*seqLen+s)*heads + h) * dim
				dst := ((b*heads+h)*seqLen + s) * dim
				copy(out[dst:dst+dim], data[src:src+dim])
			}
		}
	}
	return out
}
