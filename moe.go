// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2024-2026 Jingze Shi

package doge

// ---------------------------------------------------------------------------
// Decomposed expert addressing
// ---------------------------------------------------------------------------

// The expert bank is addressed through two key tables of side entries each;
// their Cartesian product covers side*side experts, so side key vectors
// represent side^2 addresses. The bijection between a linear expert index
// and its (row, col) coordinate pair lives here and nowhere else.

// expertCoords maps a linear expert index to its (row, col) key coordinates.
func expertCoords(index, side int) (row, col int) {
	return index / side, index % side
}

// expertIndex maps (row, col) key coordinates back to the linear expert index.
func expertIndex(row, col, side int) int {
	return row*side + col
}

// ---------------------------------------------------------------------------
// CDMoE
// ---------------------------------------------------------------------------

// CDMoE is the cross-domain mixture-of-experts feed-forward block: a dense
// path every token receives, plus a sparse path where a small top-k subset
// of a large expert bank is retrieved per token through the decomposed key
// tables.
//
//	dense  = W_down @ act(W_up @ x)
//	sparse = sum_k softmax(score_k) * act(x . up[e_k]) * down[e_k]
//	output = dense + sparse
//
// Retrieval, per token and per expert head: the token's retrieval query is
// split into two halves scored against the row and column key tables; the
// top perHead entries of each axis form perHead^2 candidate experts whose
// combined score is row + col; the top perHead of those are kept. Routing
// weights are one softmax over all k = heads*perHead selected scores of the
// token, so they sum to 1. Ties resolve to the lower expert index at every
// stage. Cost per token is O(k), never O(numExperts).
type CDMoE struct {
	denseUp, denseDown *Linear
	wQuery             *Linear
	rowKeys, colKeys   *Tensor // [heads, side, halfDim]
	upEmbed, downEmbed *Tensor // [numExperts, hidden]
	act                Activation

	hiddenDim, interDim         int
	numExperts, side            int
	heads, perHead, retrievalDim int
}

// NewCDMoE builds the feed-forward sublayer from a validated config.
func NewCDMoE(cfg Config) *CDMoE {
	d := cfg.HiddenSize
	side := cfg.ExpertsSide()
	halfDim := cfg.ExpertRetrievalDim / 2
	keyStd := SqrtF32(2.0 / float32(halfDim))
	embedStd := SqrtF32(2.0 / float32(d))
	return &CDMoE{
		denseUp:   NewLinear(d, cfg.IntermediateSize, false),
		denseDown: NewLinear(cfg.IntermediateSize, d, false),
		wQuery:    NewLinear(d, cfg.NumExpertHeads*cfg.ExpertRetrievalDim, false),
		rowKeys:   RandnWithStd(NewShape(cfg.NumExpertHeads, side, halfDim), F32, keyStd),
		colKeys:   RandnWithStd(NewShape(cfg.NumExpertHeads, side, halfDim), F32, keyStd),
		upEmbed:   RandnWithStd(NewShape(cfg.NumExperts, d), F32, embedStd),
		downEmbed: RandnWithStd(NewShape(cfg.NumExperts, d), F32, embedStd),
		act:       cfg.Activation,

		hiddenDim:    d,
		interDim:     cfg.IntermediateSize,
		numExperts:   cfg.NumExperts,
		side:         side,
		heads:        cfg.NumExpertHeads,
		perHead:      cfg.NumExpertsPerHead,
		retrievalDim: cfg.ExpertRetrievalDim,
	}
}

// Forward computes dense + sparse feed-forward for every token.
// Input and output are both [batch, seq, hidden] (leading dims arbitrary).
func (m *CDMoE) Forward(input *Tensor) *Tensor {
	leadingDims, numTokens, _ := splitLast(input.Shape().DimsRef())
	flatInput := input.Reshape(NewShape(numTokens, m.hiddenDim))
	xData := flatInput.DataPtr()

	// Dense path, batched through BLAS.
	up := m.denseUp.Forward(flatInput)
	m.act.ApplyInPlace(up.DataPtr())
	output := m.denseDown.Forward(up)
	outData := output.DataPtr()

	// Sparse path.
	queries := m.wQuery.Forward(flatInput) // [numTokens, heads*retrievalDim]
	qData := queries.DataPtr()

	topK := m.heads * m.perHead
	indices := make([]int, topK)
	weights := make([]float32, topK)
	rowScores := make([]float32, m.side)
	colScores := make([]float32, m.side)

	for t := 0; t < numTokens; t++ {
		xRow := xData[t*m.hiddenDim : (t+1)*m.hiddenDim]
		m.route(qData[t*m.retrievalDim*m.heads:(t+1)*m.retrievalDim*m.heads],
			rowScores, colScores, indices, weights)

		oRow := outData[t*m.hiddenDim : (t+1)*m.hiddenDim]
		for k := 0; k < topK; k++ {
			e := indices[k]
			upE := m.upEmbed.DataPtr()[e*m.hiddenDim : (e+1)*m.hiddenDim]
			dot := float32(0)
			for d := range xRow {
				dot += xRow[d] * upE[d]
			}
			g := m.act.Apply(dot) * weights[k]
			downE := m.downEmbed.DataPtr()[e*m.hiddenDim : (e+1)*m.hiddenDim]
			for d := range oRow {
				oRow[d] += g * downE[d]
			}
		}
	}

	return output.Reshape(withLastDim(leadingDims, m.hiddenDim))
}

// route fills indices and weights with one token's expert selection.
// query is the token's [heads*retrievalDim] retrieval projection; rowScores
// and colScores are scratch buffers of length side.
func (m *CDMoE) route(query, rowScores, colScores []float32, indices []int, weights []float32) {
	halfDim := m.retrievalDim / 2
	keyData := m.rowKeys.DataPtr()
	colKeyData := m.colKeys.DataPtr()

	for h := 0; h < m.heads; h++ {
		qRow := query[h*m.retrievalDim : h*m.retrievalDim+halfDim]
		qCol := query[h*m.retrievalDim+halfDim : (h+1)*m.retrievalDim]

		for s := 0; s < m.side; s++ {
			rk := keyData[(h*m.side+s)*halfDim : (h*m.side+s+1)*halfDim]
			ck := colKeyData[(h*m.side+s)*halfDim : (h*m.side+s+1)*halfDim]
			rDot, cDot := float32(0), float32(0)
			for d := 0; d < halfDim; d++ {
				rDot += qRow[d] * rk[d]
				cDot += qCol[d] * ck[d]
			}
			rowScores[s] = rDot
			colScores[s] = cDot
		}

		rowTop := topKIndices(rowScores, m.perHead)
		colTop := topKIndices(colScores, m.perHead)

		// Combine the two candidate axes: perHead^2 candidates scored
		// row + col, then keep the best perHead. Ties go to the lower
		// expert index.
		nCand := m.perHead * m.perHead
		candIdx := make([]int, nCand)
		candScore := make([]float32, nCand)
		for i, r := range rowTop {
			for j, c := range colTop {
				candIdx[i*m.perHead+j] = expertIndex(r, c, m.side)
				candScore[i*m.perHead+j] = rowScores[r] + colScores[c]
			}
		}

		used := make([]bool, nCand)
		for k := 0; k < m.perHead; k++ {
			best := -1
			for i := 0; i < nCand; i++ {
				if used[i] {
					continue
				}
				if best < 0 || candScore[i] > candScore[best] ||
					(candScore[i] == candScore[best] && candIdx[i] < candIdx[best]) {
					best = i
				}
			}
			used[best] = true
			indices[h*m.perHead+k] = candIdx[best]
			weights[h*m.perHead+k] = candScore[best]
		}
	}

	// One softmax over every selected score of the token, across heads.
	softmaxInPlace(weights)
}

// TopK returns the number of experts contributing per token.
func (m *CDMoE) TopK() int { return m.heads * m.perHead }
