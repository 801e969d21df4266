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

package util

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Retry policy for setup operations (socket creation, bind, dial).
// MaxAttempts == 0 retries until the context is done.
type Backoff struct {
	Delay       time.Duration
	MaxAttempts int
	// Replaces the wall-clock wait between attempts. Used by tests.
	Sleep func(time.Duration)
}

var DefaultBackoff = Backoff{Delay: time.Second}

// Pauses for Delay. Returns early with ctx.Err() if ctx is done.
func (b Backoff) Wait(ctx context.Context) error {
	if b.Sleep != nil {
		b.Sleep(b.Delay)
		return ctx.Err()
	}
	t := time.NewTimer(b.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Calls op until it succeeds, the attempts are exhausted or ctx is done.
// Returns the last error of op when giving up.
func Retry(ctx context.Context, b Backoff, what string, op func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				return cerr
			}
			return fmt.Errorf("%s: %v (last error: %v)", what, cerr, err)
		}
		if err = op(); err == nil {
			return nil
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("%s failed after %d attempts: %w", what, attempt, err)
		}
		glog.Warningf("%s failed (attempt %d): %v. Re-trying", what, attempt, err)
		if werr := b.Wait(ctx); werr != nil {
			return fmt.Errorf("%s: %v (last error: %v)", what, werr, err)
		}
	}
}
