// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2024-2026 Jingze Shi

package doge

import (
	"github.com/pkg/errors"
)

// Cache holds the attention key/value history of one generation session,
// one key arena and one value arena per layer. Each arena is pre-sized to
// maxSeqLen with layout [batch, kvHeads, maxSeqLen, headDim]; length counts
// the live prefix. Positions, once written, are never overwritten, only
// appended after.
//
// A Cache is exclusively owned by one session: two concurrent forward calls
// must use independent instances.
type Cache struct {
	batch     int
	kvHeads   int
	headDim   int
	maxSeqLen int
	length    int
	keys      [][]float32
	values    [][]float32
}

// NewCache allocates empty per-layer arenas for a generation session.
func NewCache(cfg Config, batch int) *Cache {
	c := &Cache{
		batch:     batch,
		kvHeads:   cfg.KVHeads(),
		headDim:   cfg.HeadDim(),
		maxSeqLen: cfg.MaxSeqLen,
		keys:      make([][]float32, cfg.NumLayers),
		values:    make([][]float32, cfg.NumLayers),
	}
	arenaLen := batch * c.kvHeads * c.maxSeqLen * c.headDim
	for l := range c.keys {
		c.keys[l] = make([]float32, arenaLen)
		c.values[l] = make([]float32, arenaLen)
	}
	return c
}

// Len returns the number of positions already written for every layer.
func (c *Cache) Len() int { return c.length }

// Batch returns the batch size the cache was allocated for.
func (c *Cache) Batch() int { return c.batch }

// NumLayers returns the number of per-layer arenas.
func (c *Cache) NumLayers() int { return len(c.keys) }

// Stride returns the arena's per-head row capacity (maxSeqLen). Attention
// uses it to index key rows beyond the current live length.
func (c *Cache) Stride() int { return c.maxSeqLen }

// Append writes seqLen new key/value positions for one layer at the current
// live offset. k and v are laid out [batch, seqLen, kvHeads, headDim] (the
// projection layout); the arena stores [batch, kvHeads, maxSeqLen, headDim]
// so rows for one head are contiguous across positions.
//
// Every layer appends the same seqLen within a forward pass; the owning
// model calls Advance once after all layers have appended.
func (c *Cache) Append(layer int, k, v []float32, seqLen int) error {
	if layer < 0 || layer >= len(c.keys) {
		return errors.Errorf("cache: layer %d out of range [0, %d)", layer, len(c.keys))
	}
	if c.length+seqLen > c.maxSeqLen {
		return errors.Errorf("cache: appending %d positions at length %d exceeds capacity %d",
			seqLen, c.length, c.maxSeqLen)
	}
	want := c.batch * seqLen * c.kvHeads * c.headDim
	if len(k) != want || len(v) != want {
		return errors.Errorf("cache: key/value length %d/%d does not match batch %d x seq %d x heads %d x dim %d",
			len(k), len(v), c.batch, seqLen, c.kvHeads, c.headDim)
	}
	kArena, vArena := c.keys[layer], c.values[layer]
	for b := 0; b < c.batch; b++ {
		for s := 0; s < seqLen; s++ {
			srcOff := (b*seqLen + s) * c.kvHeads * c.headDim
			for h := 0; h < c.kvHeads; h++ {
				dstOff := ((b*c.kvHeads+h)*c.maxSeqLen + c.length + s) * c.headDim
				copy(kArena[dstOff:dstOff+c.headDim], k[srcOff+h*c.headDim:srcOff+(h+1)*c.headDim])
				copy(vArena[dstOff:dstOff+c.headDim], v[srcOff+h*c.headDim:srcOff+(h+1)*c.headDim])
			}
		}
	}
	return nil
}

// View returns the raw key and value arenas for one layer. The live region
// covers positions [0, Len()+pending) where pending is whatever the current
// forward pass has appended but not yet advanced past.
func (c *Cache) View(layer int) (keys, values []float32) {
	return c.keys[layer], c.values[layer]
}

// Advance commits seqLen freshly appended positions, growing the live prefix.
func (c *Cache) Advance(seqLen int) {
	c.length += seqLen
}

// LayerKeys returns a copy of one layer's live keys as a tensor of shape
// [batch, kvHeads, Len(), headDim].
func (c *Cache) LayerKeys(layer int) *Tensor {
	return c.layerSlice(c.keys[layer])
}

// LayerValues returns a copy of one layer's live values as a tensor of shape
// [batch, kvHeads, Len(), headDim].
func (c *Cache) LayerValues(layer int) *Tensor {
	return c.layerSlice(c.values[layer])
}

func (c *Cache) layerSlice(arena []float32) *Tensor {
	out := New(NewShape(c.batch, c.kvHeads, c.length, c.headDim), F32)
	data := out.DataPtr()
	for b := 0; b < c.batch; b++ {
		for h := 0; h < c.kvHeads; h++ {
			srcOff := ((b*c.kvHeads + h) * c.maxSeqLen) * c.headDim
			dstOff := ((b*c.kvHeads + h) * c.length) * c.headDim
			copy(data[dstOff:dstOff+c.length*c.headDim], arena[srcOff:srcOff+c.length*c.headDim])
		}
	}
	return out
}
