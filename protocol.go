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

// Probe/response wire protocol shared by the collector and the oracle.
//
// A probe is L raw bytes (NonceLen <= L <= MaxMessageLen). Its first 16 bytes
// are the nonce, which is also the plaintext block the oracle encrypts.
// The response is always 48 bytes:
//
//	 0               16              32        40        48
//	| nonce echo    | oracle output | start   | end     |
//
// Timestamps are little-endian 64-bit counter values.
package cachetiming

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	NonceLen      = 16
	ResponseLen   = 48
	MaxMessageLen = 2048
	DefaultPort   = 10000

	startOffset = 32
	endOffset   = 40
)

var ErrResponseLen = errors.New("unexpected response length")

type Response struct {
	Nonce  [NonceLen]byte
	Output [16]byte
	Start  uint64
	End    uint64
}

// Number of counter ticks spent in the keyed transform.
// Unsigned subtraction, so a counter wraparound yields a huge value that the
// outlier cutoff discards instead of a panic.
func (r *Response) Timing() uint64 {
	return r.End - r.Start
}

// Reports whether the response echoes the nonce of probe.
func (r *Response) Matches(probe []byte) bool {
	if len(probe) < NonceLen {
		return false
	}
	return bytes.Equal(r.Nonce[:], probe[:NonceLen])
}

func (r *Response) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ResponseLen)
	r.encode(buf)
	return buf, nil
}

func (r *Response) encode(buf []byte) {
	copy(buf[0:NonceLen], r.Nonce[:])
	copy(buf[NonceLen:startOffset], r.Output[:])
	binary.LittleEndian.PutUint64(buf[startOffset:endOffset], r.Start)
	binary.LittleEndian.PutUint64(buf[endOffset:ResponseLen], r.End)
}

func (r *Response) UnmarshalBinary(buf []byte) error {
	if len(buf) != ResponseLen {
		return fmt.Errorf("%w: got %d, want %d", ErrResponseLen, len(buf), ResponseLen)
	}
	copy(r.Nonce[:], buf[0:NonceLen])
	copy(r.Output[:], buf[NonceLen:startOffset])
	r.Start = binary.LittleEndian.Uint64(buf[startOffset:endOffset])
	r.End = binary.LittleEndian.Uint64(buf[endOffset:ResponseLen])
	return nil
}

// Checks that a probe length can be sent over the protocol.
func ValidateMessageLen(n int) error {
	if n < NonceLen || n > MaxMessageLen {
		return fmt.Errorf("message length %d out of range [%d, %d]", n, NonceLen, MaxMessageLen)
	}
	return nil
}
