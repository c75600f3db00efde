// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2024-2026 Jingze Shi

package doge

import (
	"github.com/pkg/errors"
)

// BuildAdditiveMask composes the causal constraint with a padding mask into
// an additive attention mask of shape [batch, qLen, kLen], shared by every
// head. Allowed entries are 0, disallowed entries are NegInf (added to the
// raw scores before softmax).
//
// padding follows the tokenizer contract: 1 = real token, 0 = padding. Each
// row must cover every key position, i.e. have length pastLen + qLen; the
// current qLen query rows sit at absolute positions pastLen .. pastLen+qLen-1.
// A nil padding mask means no padding (causal constraint only).
func BuildAdditiveMask(padding [][]int, batch, qLen, pastLen int) (*Tensor, error) {
	kLen := pastLen + qLen
	if padding != nil && len(padding) != batch {
		return nil, errors.Errorf("mask: padding batch %d does not match input batch %d", len(padding), batch)
	}
	mask := New(NewShape(batch, qLen, kLen), F32)
	data := mask.DataPtr()
	for b := 0; b < batch; b++ {
		if padding != nil && len(padding[b]) != kLen {
			return nil, errors.Errorf("mask: padding row %d has length %d, expected past %d + seq %d = %d",
				b, len(padding[b]), pastLen, qLen, kLen)
		}
		for qi := 0; qi < qLen; qi++ {
			row := data[(b*qLen+qi)*kLen : (b*qLen+qi+1)*kLen]
			limit := pastLen + qi // causal: absolute query position
			for ki := 0; ki < kLen; ki++ {
				if ki > limit || (padding != nil && padding[b][ki] == 0) {
					row[ki] = NegInf
				}
			}
		}
	}
	return mask, nil
}
