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

package cachetiming_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	cachetiming "github.com/jmpleo/aes-cache-timing-attack-pi4"

	"github.com/stretchr/testify/require"
)

// Builds a snapshot whose centered means and standard errors are given by f.
func gridSnapshot(f func(i, v int) (float64, float64)) *cachetiming.Snapshot {
	snap := &cachetiming.Snapshot{MessageLen: cachetiming.NonceLen, GlobalMean: 100}
	for i := 0; i < cachetiming.NumBytes; i++ {
		for v := 0; v < cachetiming.NumValues; v++ {
			centered, stdErr := f(i, v)
			snap.Cells[i][v] = cachetiming.CellStats{
				Count:    1,
				Mean:     snap.GlobalMean + centered,
				Centered: centered,
				StdErr:   stdErr,
			}
		}
	}
	return snap
}

// +1 or -1 depending on the top bit of sbox[v^key].
func sboxSign(key byte) func(i, v int) (float64, float64) {
	return func(i, v int) (float64, float64) {
		if sbox[byte(v)^key]&0x80 != 0 {
			return 1, 0
		}
		return -1, 0
	}
}

func TestCorrelateSelfPeaksAtZero(t *testing.T) {
	snap := randomSnapshot(t, 21, 16)
	results := cachetiming.Correlate(snap, snap)
	require.Len(t, results, cachetiming.NumBytes)
	for b, r := range results {
		require.Equal(t, b, r.Index)
		require.Len(t, r.Ranked, cachetiming.NumValues)

		var want float64
		for v := 0; v < cachetiming.NumValues; v++ {
			c := snap.Cells[b][v].Centered
			want += c * c
		}
		top := r.Ranked[0]
		require.Equal(t, byte(0), top.Value, "byte %d ranking %v", b, r.Ranked[:3])
		require.InDelta(t, want, top.Score, 1e-6*want)
	}
}

func TestCorrelateRanksByScore(t *testing.T) {
	results := cachetiming.Correlate(randomSnapshot(t, 22, 16), randomSnapshot(t, 23, 16))
	for _, r := range results {
		seen := make(map[byte]bool)
		for k, g := range r.Ranked {
			require.False(t, seen[g.Value], "guess %#02x ranked twice", g.Value)
			seen[g.Value] = true
			if k > 0 {
				require.LessOrEqual(t, g.Score, r.Ranked[k-1].Score)
			}
			require.GreaterOrEqual(t, g.ErrorBound, 0.0)
		}
		require.NotEmpty(t, r.Candidates)
		require.Equal(t, r.Ranked[0].Value, r.Candidates[0])
	}
}

func TestCorrelateIsDeterministic(t *testing.T) {
	p1, p2 := randomSnapshot(t, 24, 16), randomSnapshot(t, 25, 16)
	var first, second bytes.Buffer
	require.NoError(t, cachetiming.WriteCandidates(&first, cachetiming.Correlate(p1, p2)))
	require.NoError(t, cachetiming.WriteCandidates(&second, cachetiming.Correlate(p1, p2)))
	require.Equal(t, first.String(), second.String())
}

func TestCorrelateExactProfiles(t *testing.T) {
	results := cachetiming.Correlate(gridSnapshot(sboxSign(0)), gridSnapshot(sboxSign(0xa7)))
	for _, r := range results {
		require.Equal(t, []byte{0xa7}, r.Candidates, "byte %d", r.Index)
		require.Equal(t, float64(cachetiming.NumValues), r.Ranked[0].Score)
		require.Zero(t, r.Ranked[0].ErrorBound)
	}
	require.Zero(t, cachetiming.KeySpaceBits(results))
	require.Equal(t, bytes.Repeat([]byte{0xa7}, cachetiming.NumBytes), cachetiming.BestKey(results))
}

func TestCorrelateErrorBoundWidensCandidates(t *testing.T) {
	noisy := func(key byte) func(i, v int) (float64, float64) {
		return func(i, v int) (float64, float64) {
			m, _ := sboxSign(key)(i, v)
			return m, 10
		}
	}
	results := cachetiming.Correlate(gridSnapshot(noisy(0)), gridSnapshot(noisy(0x11)))
	for _, r := range results {
		require.Len(t, r.Candidates, cachetiming.NumValues)
		require.Equal(t, byte(0x11), r.Candidates[0])
		// 256 * (10^2 + 10^2)
		require.Equal(t, 51200.0, r.Ranked[0].ErrorBound)
	}
	require.Equal(t, 128.0, cachetiming.KeySpaceBits(results))
}

func TestWriteCandidatesFormat(t *testing.T) {
	results := []cachetiming.ByteResult{
		{Index: 0, Candidates: []byte{0x42}},
		{Index: 13, Candidates: []byte{0x00, 0xff, 0x0a}},
	}
	var buf bytes.Buffer
	require.NoError(t, cachetiming.WriteCandidates(&buf, results))
	require.Equal(t, "  1  0 42\n  3 13 00 ff 0a\n", buf.String())
}

func TestGuessString(t *testing.T) {
	g := cachetiming.Guess{Value: 0x0b, Score: 1.5, ErrorBound: 0.25}
	require.Equal(t, "<Key:0x0b, Score:1.500000, Err:0.250000>", g.String())
}

// Runs the whole attack against a simulated leaky oracle: phase 1 under the
// zero key, phase 2 under a key whose first byte is 0x42. Both snapshots go
// through the text format before being correlated.
func TestAttackRecoversLeakyKeyByte(t *testing.T) {
	const samples = 1 << 14
	var stream bytes.Buffer
	for phase, key := range []byte{0x00, 0x42} {
		conf := testCollectorConfig(16, uint64(phase+1))
		conf.ReportThreshold = samples
		c, err := cachetiming.NewCollector(&tableOracle{key: key, base: 300, delta: 60}, conf)
		require.NoError(t, err)

		reports := 0
		err = c.Run(context.Background(), samples, func(s *cachetiming.Snapshot) error {
			reports++
			return s.SaveIo(&stream)
		})
		require.NoError(t, err)
		require.Equal(t, 1, reports, "phase %d", phase+1)
	}

	reader := cachetiming.NewSnapshotReader(strings.NewReader(stream.String()))
	phase1, err := reader.Next()
	require.NoError(t, err)
	phase2, err := reader.Next()
	require.NoError(t, err)

	results := cachetiming.Correlate(phase1, phase2)
	require.Equal(t, []byte{0x42}, results[0].Candidates, "ranking %v", results[0].Ranked[:4])

	var out bytes.Buffer
	require.NoError(t, cachetiming.WriteCandidates(&out, results))
	require.True(t, strings.HasPrefix(out.String(), "  1  0 42\n"), out.String())
	require.Equal(t, cachetiming.NumBytes, strings.Count(out.String(), "\n"))
	require.Contains(t, fmt.Sprint(results[0].Ranked[0]), "Key:0x42")
}
