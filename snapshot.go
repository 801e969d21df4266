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

// Statistics snapshots and their plain-text interchange format.
//
// One line per (byte index, byte value) cell, byte index outer, 4096 lines
// per snapshot:
//
//	<byteIndex> <messageLen> <byteValue> <count> <mean> <std> <mean-globalMean> <std/sqrt(count)>
package cachetiming

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

const snapshotFields = 8

var ErrMalformedSnapshot = errors.New("malformed snapshot")

// Derived statistics of one cell. Centered is the mean minus the global mean
// of all samples, StdErr the standard error of the mean.
type CellStats struct {
	Count    int64   `json:"count"`
	Mean     float64 `json:"mean"`
	Std      float64 `json:"std"`
	Centered float64 `json:"centered"`
	StdErr   float64 `json:"stderr"`
}

type Snapshot struct {
	MessageLen int                            `json:"messageLen"`
	GlobalMean float64                        `json:"globalMean"`
	Cells      [NumBytes][NumValues]CellStats `json:"cells"`
}

// Total samples behind the snapshot, taken from the byte 0 row (every
// sample lands in exactly one cell per row).
func (s *Snapshot) Samples() int64 {
	var n int64
	for _, c := range s.Cells[0] {
		n += c.Count
	}
	return n
}

// Locally centered means as a 16 x 256 matrix, one row per byte index.
func (s *Snapshot) CenteredMatrix() *mat.Dense {
	return s.matrix(func(c CellStats) float64 { return c.Centered })
}

// Standard errors of the means as a 16 x 256 matrix.
func (s *Snapshot) StdErrMatrix() *mat.Dense {
	return s.matrix(func(c CellStats) float64 { return c.StdErr })
}

func (s *Snapshot) matrix(field func(CellStats) float64) *mat.Dense {
	data := make([]float64, NumCells)
	for i := 0; i < NumBytes; i++ {
		for v := 0; v < NumValues; v++ {
			data[i*NumValues+v] = field(s.Cells[i][v])
		}
	}
	return mat.NewDense(NumBytes, NumValues, data)
}

// Exported for testing.
func (s *Snapshot) SaveIo(dst io.Writer) error {
	w := bufio.NewWriter(dst)
	for i := 0; i < NumBytes; i++ {
		for v := 0; v < NumValues; v++ {
			c := s.Cells[i][v]
			if _, err := fmt.Fprintf(w, "%2d %4d %3d %d %.3f %.3f %.6f %.6f\n",
				i, s.MessageLen, v, c.Count, c.Mean, c.Std, c.Centered, c.StdErr); err != nil {
				return fmt.Errorf("snapshot write failed: %v", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("snapshot flush failed: %v", err)
	}
	return nil
}

func (s *Snapshot) Save(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("Error creating snapshot file: %v", err)
	}
	if err = s.SaveIo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Loads a single snapshot from file.
func LoadSnapshot(filename string) (*Snapshot, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("Error opening snapshot file: %v", err)
	}
	defer f.Close()
	return NewSnapshotReader(f).Next()
}

// Reads consecutive snapshots from a single text stream.
type SnapshotReader struct {
	scanner *bufio.Scanner
	line    int
}

func NewSnapshotReader(src io.Reader) *SnapshotReader {
	return &SnapshotReader{scanner: bufio.NewScanner(src)}
}

// Reads the next 4096 lines as one snapshot.
// Returns io.EOF if the stream ends cleanly before the first line; any other
// short, malformed or out-of-range input wraps ErrMalformedSnapshot.
func (r *SnapshotReader) Next() (*Snapshot, error) {
	s := &Snapshot{}
	var seen [NumBytes][NumValues]bool
	for n := 0; n < NumCells; {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return nil, fmt.Errorf("snapshot read failed: %v", err)
			}
			if n == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: unexpected end of input after %d of %d lines",
				ErrMalformedSnapshot, n, NumCells)
		}
		r.line++
		text := r.scanner.Text()
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("%w: line %d: blank line", ErrMalformedSnapshot, r.line)
		}
		i, v, msgLen, c, err := parseSnapshotLine(text)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedSnapshot, r.line, err)
		}
		if seen[i][v] {
			return nil, fmt.Errorf("%w: line %d: duplicate cell (%d, %d)", ErrMalformedSnapshot, r.line, i, v)
		}
		seen[i][v] = true
		if n == 0 {
			s.MessageLen = msgLen
			s.GlobalMean = c.Mean - c.Centered
		}
		s.Cells[i][v] = c
		n++
	}
	return s, nil
}

func parseSnapshotLine(line string) (int, int, int, CellStats, error) {
	var c CellStats
	f := strings.Fields(line)
	if len(f) != snapshotFields {
		return 0, 0, 0, c, fmt.Errorf("got %d fields, want %d", len(f), snapshotFields)
	}
	var ints [3]int
	for k := range ints {
		x, err := strconv.Atoi(f[k])
		if err != nil {
			return 0, 0, 0, c, fmt.Errorf("field %d: %v", k+1, err)
		}
		ints[k] = x
	}
	i, msgLen, v := ints[0], ints[1], ints[2]
	if i < 0 || i >= NumBytes {
		return 0, 0, 0, c, fmt.Errorf("byte index %d out of range", i)
	}
	if v < 0 || v >= NumValues {
		return 0, 0, 0, c, fmt.Errorf("byte value %d out of range", v)
	}
	count, err := strconv.ParseInt(f[3], 10, 64)
	if err != nil {
		return 0, 0, 0, c, fmt.Errorf("field 4: %v", err)
	}
	if count <= 0 {
		return 0, 0, 0, c, fmt.Errorf("cell (%d, %d): %v", i, v, ErrEmptyCell)
	}
	c.Count = count
	floats := []*float64{&c.Mean, &c.Std, &c.Centered, &c.StdErr}
	for k, dst := range floats {
		x, err := strconv.ParseFloat(f[4+k], 64)
		if err != nil {
			return 0, 0, 0, c, fmt.Errorf("field %d: %v", 5+k, err)
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, 0, 0, c, fmt.Errorf("field %d: non-finite value %q", 5+k, f[4+k])
		}
		*dst = x
	}
	return i, v, msgLen, c, nil
}
