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

// Per-(byte index, byte value) timing accumulators.
package cachetiming

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

const (
	NumBytes  = NonceLen
	NumValues = 256
	NumCells  = NumBytes * NumValues
)

var ErrEmptyCell = errors.New("statistics cell has no samples")

// Raw sums for one (byte index, byte value) cell.
type Cell struct {
	Count int64
	Sum   float64
	SumSq float64
}

func (c *Cell) add(x float64) {
	c.Count++
	c.Sum += x
	c.SumSq += x * x
}

func (c *Cell) merge(o Cell) {
	c.Count += o.Count
	c.Sum += o.Sum
	c.SumSq += o.SumSq
}

// Mean and population standard deviation of the cell's samples.
// Variance is clamped at zero: for constant samples rounding can push
// SumSq/Count - mean^2 slightly below it.
func (c *Cell) MeanStd() (float64, float64) {
	n := float64(c.Count)
	mean := c.Sum / n
	variance := c.SumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

// Accumulates timing samples keyed by the nonce bytes of the probe that
// produced them. Every accepted sample updates one cell per byte index.
// Not safe for concurrent use; each collector owns its own accumulator.
type Accumulator struct {
	cells [NumBytes][NumValues]Cell
	total Cell
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Records one timing sample for the given nonce.
func (a *Accumulator) Add(nonce []byte, timing uint64) {
	x := float64(timing)
	for i := 0; i < NumBytes; i++ {
		a.cells[i][nonce[i]].add(x)
	}
	a.total.add(x)
}

// Adds the raw sums of o into a. Merging before deriving statistics is
// equivalent to having accumulated both sample streams in one grid.
func (a *Accumulator) Merge(o *Accumulator) {
	for i := range a.cells {
		for v := range a.cells[i] {
			a.cells[i][v].merge(o.cells[i][v])
		}
	}
	a.total.merge(o.total)
}

func (a *Accumulator) Reset() {
	*a = Accumulator{}
}

// Number of accepted samples.
func (a *Accumulator) Samples() int64 {
	return a.total.Count
}

func (a *Accumulator) Cell(byteIdx int, value byte) Cell {
	return a.cells[byteIdx][value]
}

// Derives the statistics snapshot for the current sums.
// Fails with ErrEmptyCell if any cell has not seen a sample yet.
func (a *Accumulator) Snapshot(messageLen int) (*Snapshot, error) {
	if a.total.Count == 0 {
		return nil, fmt.Errorf("%w: no samples accumulated", ErrEmptyCell)
	}
	globalMean := a.total.Sum / float64(a.total.Count)

	s := &Snapshot{MessageLen: messageLen, GlobalMean: globalMean}
	for i := range a.cells {
		for v := range a.cells[i] {
			c := a.cells[i][v]
			if c.Count == 0 {
				return nil, fmt.Errorf("%w: byte %d value %d", ErrEmptyCell, i, v)
			}
			mean, std := c.MeanStd()
			s.Cells[i][v] = CellStats{
				Count:    c.Count,
				Mean:     mean,
				Std:      std,
				Centered: mean - globalMean,
				StdErr:   stat.StdErr(std, float64(c.Count)),
			}
		}
	}
	return s, nil
}
