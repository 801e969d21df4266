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

// Timing oracle: answers probes with a timestamped encryption.
package cachetiming

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/jmpleo/aes-cache-timing-attack-pi4/util"
)

const KeyLen = 16

// Encrypts the nonce of every probe with a fixed key and reports how many
// counter ticks the encryption took. Not safe for concurrent use.
type Oracle struct {
	block   cipher.Block
	counter CycleCounter
	// Encryption of the all-zero block, returned in every response.
	output [16]byte
	work   [aes.BlockSize]byte
}

func NewOracle(key []byte, counter CycleCounter) (*Oracle, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeyLen, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher failed: %v", err)
	}
	o := &Oracle{block: block, counter: counter}
	var zeros [aes.BlockSize]byte
	block.Encrypt(o.output[:], zeros[:])
	return o, nil
}

// Fills resp for the probe req. Returns false if req must be dropped.
// The two counter reads bracket nothing but the block encryption.
func (o *Oracle) Handle(req []byte, resp *Response) bool {
	if len(req) < NonceLen || len(req) > MaxMessageLen {
		return false
	}
	copy(resp.Nonce[:], req[:NonceLen])
	resp.Output = o.output

	resp.Start = o.counter()
	o.block.Encrypt(o.work[:], req[:NonceLen])
	resp.End = o.counter()
	return true
}

// Answers probes arriving on conn until ctx is done or conn is closed.
func (o *Oracle) Serve(ctx context.Context, conn net.PacketConn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			// Unblocks ReadFrom.
			conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	in := make([]byte, MaxMessageLen+1)
	out := make([]byte, ResponseLen)
	var resp Response
	for {
		n, addr, err := conn.ReadFrom(in)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			glog.V(1).Infof("ReadFrom failed: %v", err)
			continue
		}
		if !o.Handle(in[:n], &resp) {
			glog.V(2).Infof("Dropping %d byte request from %v", n, addr)
			continue
		}
		resp.encode(out)
		if _, err = conn.WriteTo(out, addr); err != nil {
			glog.V(1).Infof("WriteTo %v failed: %v", addr, err)
		}
	}
}

// Binds the oracle's UDP socket, retrying per backoff.
func ListenOracle(ctx context.Context, host string, port int, backoff util.Backoff) (net.PacketConn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var conn net.PacketConn
	err := util.Retry(ctx, backoff, "bind "+addr, func() error {
		var lerr error
		conn, lerr = net.ListenPacket("udp", addr)
		return lerr
	})
	if err != nil {
		return nil, err
	}
	glog.Infof("Oracle listening on %v", conn.LocalAddr())
	return conn, nil
}
