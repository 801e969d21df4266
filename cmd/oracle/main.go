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

// Serves the timing oracle over UDP.
// The 16 byte AES key is read from stdin at startup.
//
// The oracle encrypts with crypto/aes, which uses constant-time AES
// instructions where the CPU has them (AES-NI on amd64, ARMv8 crypto
// extensions). It is a reference for the probe protocol, not a leaky target:
// to mount the attack, point the collector at a server running a
// table-lookup AES, such as an OpenSSL build without hardware AES support.
//
//	$ head -c 16 /dev/urandom | go run ./cmd/oracle -logtostderr -addr 127.0.0.1
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	cachetiming "github.com/jmpleo/aes-cache-timing-attack-pi4"
	"github.com/jmpleo/aes-cache-timing-attack-pi4/util"

	"github.com/golang/glog"
)

var (
	addrFlag   = flag.String("addr", "", "Bind address (overrides config)")
	portFlag   = flag.Int("port", cachetiming.DefaultPort, "UDP port (overrides config)")
	configFlag = flag.String("config", "", "YAML config file")
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

func main() {
	var err error
	defer glog.Flush()

	conf := cachetiming.DefaultConfig()
	if len(*configFlag) > 0 {
		if conf, err = cachetiming.LoadConfig(*configFlag); err != nil {
			util.Exit(util.ExitUsage, "%v", err)
		}
	}
	if isFlagSet("addr") {
		conf.Oracle.Addr = *addrFlag
	}
	if isFlagSet("port") {
		conf.Oracle.Port = *portFlag
	}
	if len(conf.Oracle.Addr) == 0 {
		util.Exit(util.ExitUsage, "Missing --addr argument")
	}

	key := make([]byte, cachetiming.KeyLen)
	if _, err = io.ReadFull(os.Stdin, key); err != nil {
		util.Exit(util.ExitStartup, "Failed to read key: %v", err)
	}

	counter, name := cachetiming.HardwareCounter()
	glog.Infof("Using %s counter", name)

	var oracle *cachetiming.Oracle
	if oracle, err = cachetiming.NewOracle(key, counter); err != nil {
		util.Exit(util.ExitStartup, "%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := cachetiming.ListenOracle(ctx, conf.Oracle.Addr, conf.Oracle.Port, conf.Setup.Backoff())
	if err != nil {
		util.Exit(util.ExitStartup, "%v", err)
	}
	defer conn.Close()

	glog.Info("Starting server")
	if err = oracle.Serve(ctx, conn); err != nil && ctx.Err() == nil {
		util.Exit(util.ExitStartup, "Serve failed: %v", err)
	}
	glog.Info("Server stopped")
}
