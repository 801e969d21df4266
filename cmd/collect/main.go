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

// Collects per-byte timing statistics from an oracle and prints a snapshot
// to stdout after every power-of-two sample count.
//
//	$ go run ./cmd/collect -logtostderr -addr 127.0.0.1 -len 600 > study.txt
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"

	cachetiming "github.com/jmpleo/aes-cache-timing-attack-pi4"
	"github.com/jmpleo/aes-cache-timing-attack-pi4/util"

	"github.com/golang/glog"
)

var (
	addrFlag      = flag.String("addr", "", "Oracle address (ip or ip:port)")
	lenFlag       = flag.Int("len", cachetiming.NonceLen, "Probe message length in bytes")
	samplesFlag   = flag.Int64("samples", 0, "Number of samples to collect (0 = until interrupted)")
	configFlag    = flag.String("config", "", "YAML config file")
	outputDirFlag = flag.String("output_dir", "", "Also save every snapshot to this directory")
	seedFlag      = flag.Uint64("seed", 0, "Probe PRNG seed (0 = from clock)")
)

func init() {
	flag.Parse()
}

func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func snapshotPath(s *cachetiming.Snapshot) string {
	return path.Join(*outputDirFlag, fmt.Sprintf("len%04d_n%d.stats", s.MessageLen, s.Samples()))
}

func report(s *cachetiming.Snapshot) error {
	if err := s.SaveIo(os.Stdout); err != nil {
		return err
	}
	if len(*outputDirFlag) > 0 {
		if err := s.Save(snapshotPath(s)); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	var err error
	defer glog.Flush()

	conf := cachetiming.DefaultConfig()
	if len(*configFlag) > 0 {
		if conf, err = cachetiming.LoadConfig(*configFlag); err != nil {
			util.Exit(util.ExitUsage, "%v", err)
		}
	}
	if isFlagSet("len") || len(*configFlag) == 0 {
		conf.Collector.MessageLen = *lenFlag
	}
	if isFlagSet("seed") {
		conf.Collector.Seed = *seedFlag
	}

	if len(*addrFlag) == 0 {
		util.Exit(util.ExitUsage, "Missing --addr argument")
	}
	if err = conf.Collector.Validate(); err != nil {
		util.Exit(util.ExitUsage, "%v", err)
	}
	if *samplesFlag < 0 {
		util.Exit(util.ExitUsage, "--samples must not be negative")
	}
	if len(*outputDirFlag) > 0 {
		if err = os.MkdirAll(*outputDirFlag, 0755); err != nil {
			util.Exit(util.ExitStartup, "Failed to create output directory: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	glog.Infof("Collecting from %v with %d byte probes", cachetiming.OracleAddress(*addrFlag),
		conf.Collector.MessageLen)
	snap, err := cachetiming.Collect(ctx, *addrFlag, conf.Collector, conf.Setup.Backoff(),
		*samplesFlag, report)
	if err != nil {
		if ctx.Err() != nil {
			glog.Info("Interrupted")
			return
		}
		util.Exit(util.ExitStartup, "%v", err)
	}
	if snap != nil {
		glog.Infof("Collected %d samples, global mean %.3f", snap.Samples(), snap.GlobalMean)
	}
}
