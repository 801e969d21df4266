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

// Datagram transport between the collector and the oracle.
package cachetiming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/jmpleo/aes-cache-timing-attack-pi4/util"
)

// Returned by Receive when no datagram arrived before the timeout.
var ErrNoData = errors.New("no datagram received")

// Shortest wait used for a drain poll. A deadline that has already passed
// fails reads without looking at the socket queue.
const minPollTimeout = time.Millisecond

//go:generate mockgen -destination=mocks/conn.go -package=mocks github.com/jmpleo/aes-cache-timing-attack-pi4 ProbeConn
type ProbeConn interface {
	io.Closer
	// Sends one datagram.
	Send(p []byte) error
	// Waits up to timeout for one datagram and copies it into p.
	// A zero timeout polls whatever is already queued.
	// Returns ErrNoData if nothing arrived in time.
	Receive(p []byte, timeout time.Duration) (int, error)
}

type udpConn struct {
	conn *net.UDPConn
}

func (u *udpConn) Send(p []byte) error {
	_, err := u.conn.Write(p)
	return err
}

func (u *udpConn) Receive(p []byte, timeout time.Duration) (int, error) {
	if timeout < minPollTimeout {
		timeout = minPollTimeout
	}
	if err := u.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	n, err := u.conn.Read(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, ErrNoData
		}
		return 0, err
	}
	return n, nil
}

func (u *udpConn) Close() error {
	return u.conn.Close()
}

// Appends DefaultPort to addr if it carries no port.
func OracleAddress(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
}

// Connects a UDP socket to the oracle, retrying socket setup per backoff.
func DialOracle(ctx context.Context, addr string, backoff util.Backoff) (ProbeConn, error) {
	addr = OracleAddress(addr)
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid oracle address %q: %v", addr, err)
	}

	var conn *net.UDPConn
	err = util.Retry(ctx, backoff, "dial "+addr, func() error {
		var derr error
		conn, derr = net.DialUDP("udp", nil, raddr)
		return derr
	})
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("Connected %v -> %v", conn.LocalAddr(), conn.RemoteAddr())
	return &udpConn{conn}, nil
}

// Sends probe until a response echoing its nonce arrives.
// Used as a liveness check against the oracle. Send and receive errors other
// than a timeout pause for retry.Delay before the next attempt.
func Ping(ctx context.Context, conn ProbeConn, probe []byte, timeout time.Duration,
	retry util.Backoff) (*Response, error) {
	if err := ValidateMessageLen(len(probe)); err != nil {
		return nil, err
	}
	buf := make([]byte, ResponseLen+1)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := conn.Send(probe); err != nil {
			glog.V(2).Infof("Send failed: %v. Re-trying", err)
			if werr := retry.Wait(ctx); werr != nil {
				return nil, werr
			}
			continue
		}
		wait := timeout
		for {
			n, err := conn.Receive(buf, wait)
			if errors.Is(err, ErrNoData) {
				break
			}
			if err != nil {
				glog.V(2).Infof("Receive failed: %v. Re-trying", err)
				if werr := retry.Wait(ctx); werr != nil {
					return nil, werr
				}
				break
			}
			wait = 0
			var resp Response
			if n == ResponseLen && resp.UnmarshalBinary(buf[:n]) == nil && resp.Matches(probe) {
				return &resp, nil
			}
		}
	}
}
