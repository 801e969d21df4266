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

// Collects oracle timing statistics over the probe protocol.
package cachetiming

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/golang/glog"
	"github.com/jmpleo/aes-cache-timing-attack-pi4/util"
)

// Receives every derived snapshot. A non-nil error stops the collector.
type ReportFunc func(*Snapshot) error

// Probe loop counters.
type CollectorStats struct {
	Sent     int64
	Timeouts int64
	// Short, malformed or stale responses (nonce mismatch).
	Rejected int64
	Outliers int64
	Accepted int64
}

func (s CollectorStats) String() string {
	return fmt.Sprintf("<Sent:%d, Accepted:%d, Timeouts:%d, Rejected:%d, Outliers:%d>",
		s.Sent, s.Accepted, s.Timeouts, s.Rejected, s.Outliers)
}

// Drives one probe at a time against an oracle and accumulates the
// resulting timings. Not safe for concurrent use.
type Collector struct {
	conn  ProbeConn
	conf  CollectorConfig
	rng   *rand.Rand
	acc   *Accumulator
	probe []byte
	buf   []byte
	stats CollectorStats
}

func NewCollector(conn ProbeConn, conf CollectorConfig) (*Collector, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	seed := conf.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	if conf.Sleep == nil {
		conf.Sleep = time.Sleep
	}
	return &Collector{
		conn:  conn,
		conf:  conf,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		acc:   NewAccumulator(),
		probe: make([]byte, conf.MessageLen),
		// One spare byte so oversized datagrams are seen as such.
		buf: make([]byte, ResponseLen+1),
	}, nil
}

func (c *Collector) Accumulator() *Accumulator {
	return c.acc
}

func (c *Collector) Stats() CollectorStats {
	return c.stats
}

// Fills the probe buffer with fresh pseudo-random bytes.
func (c *Collector) nextProbe() {
	p := c.probe
	for len(p) >= 8 {
		binary.LittleEndian.PutUint64(p, c.rng.Uint64())
		p = p[8:]
	}
	if len(p) > 0 {
		var tail [8]byte
		binary.LittleEndian.PutUint64(tail[:], c.rng.Uint64())
		copy(p, tail[:])
	}
}

// Blocks until one valid timing below the outlier cutoff has been recorded,
// resending fresh probes as often as needed. Returns the recorded timing.
func (c *Collector) Sample(ctx context.Context) (uint64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		c.nextProbe()
		if err := c.conn.Send(c.probe); err != nil {
			glog.V(2).Infof("Send failed: %v. Re-trying", err)
			c.conf.Sleep(c.conf.RetryDelay)
			continue
		}
		c.stats.Sent++
		if timing, ok := c.await(); ok {
			return timing, nil
		}
	}
}

// Reads datagrams until the current probe's response is accepted or the
// socket has nothing more queued. Stale responses to earlier probes are
// drained and never attributed to the current one.
func (c *Collector) await() (uint64, bool) {
	wait := c.conf.ResponseTimeout
	for first := true; ; first = false {
		n, err := c.conn.Receive(c.buf, wait)
		if err != nil {
			if !errors.Is(err, ErrNoData) {
				glog.V(2).Infof("Receive failed: %v. Re-trying", err)
				c.conf.Sleep(c.conf.RetryDelay)
			} else if first {
				c.stats.Timeouts++
			}
			return 0, false
		}
		wait = c.conf.DrainTimeout

		var resp Response
		if n != ResponseLen || resp.UnmarshalBinary(c.buf[:n]) != nil || !resp.Matches(c.probe) {
			c.stats.Rejected++
			continue
		}
		timing := resp.Timing()
		if timing >= c.conf.OutlierCutoff {
			glog.V(2).Infof("Discarding outlier timing %d", timing)
			c.stats.Outliers++
			continue
		}
		c.acc.Add(c.probe[:NonceLen], timing)
		c.stats.Accepted++
		return timing, true
	}
}

func timeToReport(n, threshold int64) bool {
	return n >= threshold && n&(n-1) == 0
}

// Collects samples until the budget is spent (samples == 0 runs until ctx is
// done), calling report after every power-of-two sample count at or above
// the report threshold.
func (c *Collector) Run(ctx context.Context, samples int64, report ReportFunc) error {
	for n := int64(0); samples == 0 || n < samples; n++ {
		if _, err := c.Sample(ctx); err != nil {
			return err
		}
		if total := c.acc.Samples(); timeToReport(total, c.conf.ReportThreshold) {
			glog.Infof("Reporting after %d samples %v", total, c.stats)
			if err := c.report(report); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Collector) report(report ReportFunc) error {
	snap, err := c.acc.Snapshot(c.conf.MessageLen)
	if errors.Is(err, ErrEmptyCell) {
		glog.Warningf("Skipping report: %v", err)
		return nil
	}
	if err != nil {
		return err
	}
	if report == nil {
		return nil
	}
	return report(snap)
}

// Dials the oracle at addr and collects the given number of samples.
// Returns the snapshot of everything collected, or nil if the samples did
// not reach every cell.
func Collect(ctx context.Context, addr string, conf CollectorConfig, setup util.Backoff,
	samples int64, report ReportFunc) (*Snapshot, error) {
	var err error
	if err = conf.Validate(); err != nil {
		return nil, err
	}

	var conn ProbeConn
	if conn, err = DialOracle(ctx, addr, setup); err != nil {
		return nil, err
	}
	defer conn.Close()

	var c *Collector
	if c, err = NewCollector(conn, conf); err != nil {
		return nil, err
	}
	if err = c.Run(ctx, samples, report); err != nil {
		return nil, err
	}
	glog.V(1).Infof("Collection finished %v", c.Stats())
	snap, err := c.acc.Snapshot(conf.MessageLen)
	if errors.Is(err, ErrEmptyCell) {
		glog.Warningf("No final snapshot after %d samples: %v", c.acc.Samples(), err)
		return nil, nil
	}
	return snap, err
}
