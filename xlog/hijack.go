// Copyright 2015 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package xlog

import (
	"log"
	"strings"
)

// hijackLogger is the PackageLogger that stdlib log output is routed
// through. It is registered under an empty repo/pkg so it never gains an
// "xlog_test: "-style prefix of its own, but still participates in
// SetGlobalLogLevel like any other registered logger.
var hijackLogger = NewPackageLogger("", "")

func init() {
	log.SetFlags(0)
	log.SetOutput(hijackWriter{})
}

// hijackWriter adapts the stdlib "log" package's io.Writer sink onto
// hijackLogger, so anything still using log.Println et al. (most often
// third-party code this module doesn't control) is captured by the same
// Formatter/level gating as the rest of xlog.
type hijackWriter struct{}

func (hijackWriter) Write(p []byte) (int, error) {
	hijackLogger.internalLog(plain, calldepth, INFO, strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
