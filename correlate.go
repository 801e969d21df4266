// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Recovers AES key byte candidates from two timing snapshots.
//
// In a table-lookup AES the first round indexes its tables with k^p for key
// byte k and plaintext byte p, so the timing profile of a byte position is a
// fixed function f of k^p. Phase 1 is collected under a known key k1 and
// phase 2 under the unknown key k2. Then
//
//	score[i] = sum_j t1[j] * t2[i^j] = sum_j f(j^k1) * f(i^j^k2)
//
// peaks at i = k1^k2, which is k2 itself when k1 is the all-zero key.
package cachetiming

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Width of the band, in propagated standard deviations, within which a guess
// is considered indistinguishable from the best one.
const CandidateSigmas = 10

type Guess struct {
	Value      byte
	Score      float64
	ErrorBound float64
}

func (g Guess) String() string {
	return fmt.Sprintf("<Key:0x%02x, Score:%f, Err:%f>", g.Value, g.Score, g.ErrorBound)
}

// Correlation outcome for one key byte position.
type ByteResult struct {
	Index int
	// All 256 guesses by descending score. Equal scores keep guess order.
	Ranked []Guess
	// Retained guess values, best first.
	Candidates []byte
}

// Correlates the centered means of phase1 and phase2 for every byte index.
// The result depends only on the two snapshots.
func Correlate(phase1, phase2 *Snapshot) []ByteResult {
	M1, E1 := phase1.CenteredMatrix(), phase1.StdErrMatrix()
	M2, E2 := phase2.CenteredMatrix(), phase2.StdErrMatrix()

	results := make([]ByteResult, NumBytes)
	var wg sync.WaitGroup
	wg.Add(NumBytes)
	for b := 0; b < NumBytes; b++ {
		go func(b int) {
			defer wg.Done()
			results[b] = correlateByte(b,
				M1.RawRowView(b), E1.RawRowView(b), M2.RawRowView(b), E2.RawRowView(b))
		}(b)
	}
	wg.Wait()
	return results
}

// Scores every guess i for one byte position:
//
//	score[i] = sum_j m1[j] * m2[i^j]
//	bound[i] = sum_j (e1[j] * m2[i^j])^2 + (m1[j] * e2[i^j])^2
//
// bound is the first-order propagation of the standard errors through the
// product sum. It is a heuristic threshold, not a calibrated confidence level.
func correlateByte(b int, m1, e1, m2, e2 []float64) ByteResult {
	m1sq := make([]float64, NumValues)
	floats.MulTo(m1sq, m1, m1)
	e1sq := make([]float64, NumValues)
	floats.MulTo(e1sq, e1, e1)

	shifted := make([]float64, NumValues)
	shiftedErr := make([]float64, NumValues)
	ranked := make([]Guess, NumValues)
	for i := 0; i < NumValues; i++ {
		for j := 0; j < NumValues; j++ {
			shifted[j] = m2[i^j]
			shiftedErr[j] = e2[i^j]
		}
		score := floats.Dot(m1, shifted)
		floats.Mul(shifted, shifted)
		floats.Mul(shiftedErr, shiftedErr)
		bound := floats.Dot(e1sq, shifted) + floats.Dot(m1sq, shiftedErr)
		ranked[i] = Guess{byte(i), score, bound}
	}

	sort.SliceStable(ranked, func(x, y int) bool {
		return ranked[x].Score > ranked[y].Score
	})

	res := ByteResult{Index: b, Ranked: ranked}
	top := ranked[0].Score
	for r, g := range ranked {
		// The best guess is retained even when its bound is zero.
		if r == 0 || top-g.Score < CandidateSigmas*math.Sqrt(g.ErrorBound) {
			res.Candidates = append(res.Candidates, g.Value)
		}
	}
	return res
}

// Writes one line per byte index: candidate count, byte index and the
// candidates as two-digit hex, best first.
func WriteCandidates(dst io.Writer, results []ByteResult) error {
	for _, r := range results {
		if _, err := fmt.Fprintf(dst, "%3d %2d", len(r.Candidates), r.Index); err != nil {
			return err
		}
		for _, v := range r.Candidates {
			if _, err := fmt.Fprintf(dst, " %02x", v); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(dst); err != nil {
			return err
		}
	}
	return nil
}

// Most likely key: the top guess of every byte position.
func BestKey(results []ByteResult) []byte {
	key := make([]byte, len(results))
	for i, r := range results {
		key[i] = r.Ranked[0].Value
	}
	return key
}

// log2 of the number of keys consistent with the retained candidates.
func KeySpaceBits(results []ByteResult) float64 {
	var bits float64
	for _, r := range results {
		bits += math.Log2(float64(len(r.Candidates)))
	}
	return bits
}
