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
	"os"

	"github.com/golang/glog"
)

// Process exit codes shared by the command line tools.
const (
	// Invalid arguments or malformed statistics input.
	ExitUsage = 100
	// Missing key material, socket setup failure.
	ExitStartup = 111
)

// Logs the error, flushes the log and terminates with code.
func Exit(code int, format string, args ...interface{}) {
	glog.Errorf(format, args...)
	glog.Flush()
	os.Exit(code)
}
