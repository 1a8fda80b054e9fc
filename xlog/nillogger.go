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

// NilLogger discards everything logged to it. Useful as a default for
// libraries that accept an optional logger and fall back to silence.
type NilLogger struct{}

// NewNilLogger returns a logger that writes nothing, ever.
func NewNilLogger() *NilLogger {
	return &NilLogger{}
}

func (*NilLogger) Debug(...interface{})          {}
func (*NilLogger) Debugf(string, ...interface{})  {}
func (*NilLogger) Info(...interface{})            {}
func (*NilLogger) Infof(string, ...interface{})   {}
func (*NilLogger) Error(...interface{})           {}
func (*NilLogger) Errorf(string, ...interface{})  {}
func (*NilLogger) Trace(...interface{})           {}
func (*NilLogger) Tracef(string, ...interface{})  {}
func (*NilLogger) Notice(...interface{})          {}
func (*NilLogger) Noticef(string, ...interface{}) {}
func (*NilLogger) Print(...interface{})           {}
func (*NilLogger) Println(...interface{})         {}
func (*NilLogger) Printf(string, ...interface{})  {}
