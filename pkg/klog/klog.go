/*
Copyright 2024 The ReefOS Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package klog is the kernel's logging convention: a subsystem-prefixed
// wrapper over the standard log package, in the style the teacher's own
// packages use directly (log.Printf("fs: ...")) rather than a structured
// logging dependency.
package klog

import (
	"log"
	"sync/atomic"
)

// verbosity is the global verbosity gate; V(n) calls below n are no-ops.
var verbosity int32

// SetVerbosity adjusts the global verbosity level used by V.
func SetVerbosity(v int) {
	atomic.StoreInt32(&verbosity, int32(v))
}

// Subsystem is a logger bound to one subsystem name, e.g. "sched", "tcp",
// "ext2". Every line it emits is prefixed with that name.
type Subsystem struct {
	name string
}

// New returns a Subsystem logger for name.
func New(name string) *Subsystem {
	return &Subsystem{name: name}
}

func (s *Subsystem) Printf(format string, args ...interface{}) {
	log.Printf(s.name+": "+format, args...)
}

func (s *Subsystem) Println(args ...interface{}) {
	all := make([]interface{}, 0, len(args)+1)
	all = append(all, s.name+":")
	all = append(all, args...)
	log.Println(all...)
}

// Level gates logging by verbosity, mirroring glog-style V(n).Printf use
// without pulling in glog.
type Level struct {
	name    string
	enabled bool
}

// V returns a Level that logs only if the global verbosity is >= n.
func (s *Subsystem) V(n int32) Level {
	return Level{name: s.name, enabled: atomic.LoadInt32(&verbosity) >= n}
}

func (l Level) Printf(format string, args ...interface{}) {
	if !l.enabled {
		return
	}
	log.Printf(l.name+": "+format, args...)
}
