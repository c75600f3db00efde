// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2024-2026 Jingze Shi

package doge

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
	"k8s.io/klog/v2"
)

// Checkpoints are a flat, order-independent mapping from parameter name to
// tensor, serialized with msgpack. Loading is shape-checked: every model
// parameter must be present with its exact shape, and unknown names are
// rejected.

type checkpointTensor struct {
	Dims []int     `msgpack:"dims"`
	Data []float32 `msgpack:"data"`
}

type checkpointFile struct {
	Params map[string]checkpointTensor `msgpack:"params"`
}

// StateDict returns the model's parameters as a flat name -> tensor map.
// The tensors are the live weights, not copies: writing through them
// mutates the model.
func (m *Model) StateDict() map[string]*Tensor {
	sd := map[string]*Tensor{
		"embedding.weight":  m.embedding.weight,
		"final_norm.weight": m.finalNorm.weight,
		"lm_head.weight":    m.lmHead.weight,
	}
	for i, l := range m.layers {
		p := fmt.Sprintf("layers.%d.", i)
		sd[p+"attn_norm.weight"] = l.attnNorm.weight
		sd[p+"attn.q_proj.weight"] = l.attention.wQ.weight
		sd[p+"attn.k_proj.weight"] = l.attention.wK.weight
		sd[p+"attn.v_proj.weight"] = l.attention.wV.weight
		sd[p+"attn.out_proj.weight"] = l.attention.wO.weight
		sd[p+"attn.inner_gate.weight"] = l.attention.wInnerGate.weight
		sd[p+"attn.inner_keys"] = l.attention.innerKeys
		sd[p+"attn.inner_values"] = l.attention.innerValues
		sd[p+"ffn_norm.weight"] = l.ffnNorm.weight
		sd[p+"moe.dense_up.weight"] = l.moe.denseUp.weight
		sd[p+"moe.dense_down.weight"] = l.moe.denseDown.weight
		sd[p+"moe.query.weight"] = l.moe.wQuery.weight
		sd[p+"moe.row_keys"] = l.moe.rowKeys
		sd[p+"moe.col_keys"] = l.moe.colKeys
		sd[p+"moe.up_embed"] = l.moe.upEmbed
		sd[p+"moe.down_embed"] = l.moe.downEmbed
	}
	return sd
}

// LoadStateDict copies src into the model's parameters. src must contain
// exactly the model's parameter names, each with a matching shape.
func (m *Model) LoadStateDict(src map[string]*Tensor) error {
	dst := m.StateDict()
	for name := range src {
		if _, ok := dst[name]; !ok {
			return errors.Errorf("checkpoint: unexpected parameter %q", name)
		}
	}
	for name, t := range dst {
		s, ok := src[name]
		if !ok {
			return errors.Errorf("checkpoint: missing parameter %q", name)
		}
		if !s.Shape().Equal(t.Shape()) {
			return errors.Errorf("checkpoint: parameter %q has shape %v, want %v", name, s.Shape(), t.Shape())
		}
		copy(t.data, s.data)
	}
	return nil
}

// SaveCheckpoint writes every model parameter to path.
func (m *Model) SaveCheckpoint(path string) error {
	sd := m.StateDict()
	file := checkpointFile{Params: make(map[string]checkpointTensor, len(sd))}
	for name, t := range sd {
		file.Params[name] = checkpointTensor{Dims: t.Shape().Dims(), Data: t.Data()}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "checkpoint: creating %s", path)
	}
	defer f.Close()
	if err := msgpack.NewEncoder(f).Encode(&file); err != nil {
		return errors.Wrapf(err, "checkpoint: encoding %s", path)
	}
	klog.V(1).Infof("saved %d parameters to %s", len(file.Params), path)
	return nil
}

// LoadCheckpoint reads a checkpoint from path into the model's parameters,
// shape-checking every tensor.
func (m *Model) LoadCheckpoint(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "checkpoint: opening %s", path)
	}
	defer f.Close()

	var file checkpointFile
	if err := msgpack.NewDecoder(f).Decode(&file); err != nil {
		return errors.Wrapf(err, "checkpoint: decoding %s", path)
	}

	src := make(map[string]*Tensor, len(file.Params))
	for name, ct := range file.Params {
		shape := NewShape(ct.Dims...)
		if len(ct.Data) != shape.Numel() {
			return errors.Errorf("checkpoint: parameter %q has %d values for shape %v", name, len(ct.Data), shape)
		}
		src[name] = FromSliceNoCopy(ct.Data, shape)
	}
	if err := m.LoadStateDict(src); err != nil {
		return err
	}
	klog.V(1).Infof("loaded %d parameters from %s", len(src), path)
	return nil
}
