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

// Checks that an oracle answers: sends one random probe until the matching
// response arrives and dumps both.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cachetiming "github.com/jmpleo/aes-cache-timing-attack-pi4"
	"github.com/jmpleo/aes-cache-timing-attack-pi4/util"

	"github.com/golang/glog"
)

var (
	addrFlag    = flag.String("addr", "", "Oracle address (ip or ip:port)")
	timeoutFlag = flag.Duration("timeout", 100*time.Millisecond, "Wait per attempt")
	retryFlag   = flag.Duration("retry_delay", 10*time.Millisecond, "Pause after a send or receive error")
)

func init() {
	flag.Parse()
}

func main() {
	var err error
	defer glog.Flush()

	if len(*addrFlag) == 0 {
		util.Exit(util.ExitUsage, "Missing --addr argument")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var conn cachetiming.ProbeConn
	if conn, err = cachetiming.DialOracle(ctx, *addrFlag, util.DefaultBackoff); err != nil {
		util.Exit(util.ExitStartup, "%v", err)
	}
	defer conn.Close()

	packet := make([]byte, cachetiming.ResponseLen)
	if _, err = rand.Read(packet); err != nil {
		util.Exit(util.ExitStartup, "rand.Read failed: %v", err)
	}
	fmt.Printf("Message: % x\n", packet)

	resp, err := cachetiming.Ping(ctx, conn, packet, *timeoutFlag, util.Backoff{Delay: *retryFlag})
	if err != nil {
		util.Exit(util.ExitStartup, "%v", err)
	}
	raw, _ := resp.MarshalBinary()
	fmt.Printf("Response: % x\n", raw)
	glog.Infof("Oracle answered, encryption took %d ticks", resp.Timing())
}
