// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2024-2026 Jingze Shi

// Package tokenizer wraps github.com/eliben/go-sentencepiece behind the
// token-id contract the model consumes: integer id sequences plus a padding
// mask (1 = real token, 0 = padding). The model never sees raw text.
package tokenizer

import (
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/pkg/errors"
)

// Tokenizer is a sentencepiece processor plus the special token ids the
// generation loop needs.
type Tokenizer struct {
	proc *esentencepiece.Processor

	padID int
	bosID int
	eosID int
}

// NewFromPath loads a sentencepiece model file. padID, bosID and eosID come
// from the model config so tokenizer and model stay in agreement.
func NewFromPath(vocabPath string, padID, bosID, eosID int) (*Tokenizer, error) {
	proc, err := esentencepiece.NewProcessorFromPath(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "tokenizer: loading %s", vocabPath)
	}
	return &Tokenizer{proc: proc, padID: padID, bosID: bosID, eosID: eosID}, nil
}

// EncodeAsIds returns the text encoded into a sequence of ids, with a
// leading BOS.
func (t *Tokenizer) EncodeAsIds(text string) []int {
	tokens := t.proc.Encode(text)
	ids := make([]int, 0, len(tokens)+1)
	ids = append(ids, t.bosID)
	for _, tok := range tokens {
		ids = append(ids, tok.ID)
	}
	return ids
}

// DecodeIds returns the text for a sequence of ids, skipping the special
// tokens.
func (t *Tokenizer) DecodeIds(ids []int) string {
	kept := make([]int, 0, len(ids))
	for _, id := range ids {
		if id == t.padID || id == t.bosID || id == t.eosID {
			continue
		}
		kept = append(kept, id)
	}
	return t.proc.Decode(kept)
}

// PadBatch left-pads a ragged batch of id sequences to a rectangle and
// returns the padded ids alongside the matching attention mask
// (1 = real token, 0 = padding).
func (t *Tokenizer) PadBatch(batch [][]int) (ids [][]int, mask [][]int) {
	maxLen := 0
	for _, row := range batch {
		if len(row) > maxLen {
			maxLen = len(row)
		}
	}
	ids = make([][]int, len(batch))
	mask = make([][]int, len(batch))
	for b, row := range batch {
		ids[b] = make([]int, maxLen)
		mask[b] = make([]int, maxLen)
		pad := maxLen - len(row)
		for i := 0; i < pad; i++ {
			ids[b][i] = t.padID
		}
		for i, id := range row {
			ids[b][pad+i] = id
			mask[b][pad+i] = 1
		}
	}
	return ids, mask
}

// PadID returns the padding token id.
func (t *Tokenizer) PadID() int { return t.padID }

// BOSID returns the beginning-of-sentence token id.
func (t *Tokenizer) BOSID() int { return t.bosID }

// EOSID returns the end-of-sentence token id.
func (t *Tokenizer) EOSID() int { return t.eosID }
