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
	"context"
	"errors"
	"testing"
	"time"

	cachetiming "github.com/jmpleo/aes-cache-timing-attack-pi4"
	"github.com/jmpleo/aes-cache-timing-attack-pi4/mocks"
	"github.com/jmpleo/aes-cache-timing-attack-pi4/util"

	"github.com/golang/mock/gomock"
)

func TestPingPausesAfterErrors(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	var slept []time.Duration
	retry := util.Backoff{Delay: 250 * time.Millisecond, Sleep: func(d time.Duration) { slept = append(slept, d) }}
	probe := []byte("0123456789abcdef")
	timeout := 20 * time.Millisecond

	conn := mocks.NewMockProbeConn(mockCtrl)
	gomock.InOrder(
		conn.EXPECT().Send(probe).Return(errors.New("network is unreachable")),
		conn.EXPECT().Send(probe).Return(nil),
		conn.EXPECT().Receive(gomock.Any(), timeout).Return(0, errors.New("connection refused")),
		conn.EXPECT().Send(probe).Return(nil),
		// A plain timeout resends without pausing.
		conn.EXPECT().Receive(gomock.Any(), timeout).Return(0, cachetiming.ErrNoData),
		conn.EXPECT().Send(probe).Return(nil),
		conn.EXPECT().Receive(gomock.Any(), timeout).
			DoAndReturn(func(buf []byte, _ time.Duration) (int, error) {
				return respond(buf, probe, 100, 142), nil
			}),
	)

	resp, err := cachetiming.Ping(context.Background(), conn, probe, timeout, retry)
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if resp.Timing() != 42 {
		t.Errorf("Ping returned timing %d, want 42", resp.Timing())
	}
	if len(slept) != 2 || slept[0] != retry.Delay || slept[1] != retry.Delay {
		t.Errorf("Unexpected pauses %v", slept)
	}
}

func TestPingStopsWhileRefused(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pauses := 0
	retry := util.Backoff{Delay: time.Second, Sleep: func(time.Duration) {
		if pauses++; pauses == 3 {
			cancel()
		}
	}}

	conn := mocks.NewMockProbeConn(mockCtrl)
	conn.EXPECT().Send(gomock.Any()).Return(nil).Times(3)
	conn.EXPECT().Receive(gomock.Any(), gomock.Any()).Return(0, errors.New("connection refused")).Times(3)

	_, err := cachetiming.Ping(ctx, conn, make([]byte, 16), time.Millisecond, retry)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Ping returned %v, want context.Canceled", err)
	}
	if pauses != 3 {
		t.Errorf("Paused %d times, want 3", pauses)
	}
}

func TestPingRejectsShortProbe(t *testing.T) {
	_, err := cachetiming.Ping(context.Background(), &tableOracle{}, make([]byte, 8), time.Millisecond, util.Backoff{})
	if err == nil {
		t.Errorf("Ping expected to fail with an 8 byte probe")
	}
}
