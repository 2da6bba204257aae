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

package ipv4

import (
	"sync"
	"time"

	"reefos.dev/kernel/pkg/netstack"
)

// ReassemblyTimeout is how long a partial datagram is held before Expire
// discards it (spec.md §4.4). It is a fixed 30 seconds, independent of
// how often Expire is called.
const ReassemblyTimeout = 30 * time.Second

// MaxReassemblyDatagrams bounds how many in-flight reassemblies a
// Reassembler holds at once, so a flood of bogus fragments can't grow
// memory without bound.
const MaxReassemblyDatagrams = 256

type fragKey struct {
	Src, Dst [4]byte
	Protocol byte
	ID       uint16
}

// partial is one datagram being reassembled: its growing data buffer and,
// in have, the 8-byte-aligned offsets of the fragments that have arrived.
type partial struct {
	data       []byte // grows to TotalLen once known
	have       map[uint16]bool
	totalLen   int // -1 until the final fragment (MoreFragments=0) is seen
	lastTouch  time.Time
}

// Reassembler holds in-flight fragmented datagrams keyed by
// (src, dst, protocol, identification), per RFC 791 §3.2.
type Reassembler struct {
	mu    sync.Mutex
	parts map[fragKey]*partial
}

func NewReassembler() *Reassembler {
	return &Reassembler{parts: make(map[fragKey]*partial)}
}

func (r *Reassembler) insert(h Header, payload []byte, now time.Time) ([]byte, bool) {
	key := fragKey{Src: h.Src, Dst: h.Dst, Protocol: h.Protocol, ID: h.ID}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, found := r.parts[key]
	if !found {
		if len(r.parts) >= MaxReassemblyDatagrams {
			netstack.Drop("ipv4", netstack.DropReassemblyFull)
			return nil, false
		}
		p = &partial{have: make(map[uint16]bool), totalLen: -1}
		r.parts[key] = p
	}
	p.lastTouch = now

	end := int(h.FragOff) + len(payload)
	if p.totalLen < 0 && h.Flags&flagMoreFragments == 0 {
		p.totalLen = end
		if p.data == nil {
			p.data = make([]byte, p.totalLen)
		}
	}
	if p.data == nil || end > len(p.data) {
		grown := make([]byte, end)
		copy(grown, p.data)
		p.data = grown
	}
	copy(p.data[h.FragOff:end], payload)
	for off := h.FragOff; off < h.FragOff+uint16(len(payload)); off += 8 {
		p.have[off] = true
	}

	if p.totalLen < 0 {
		return nil, false
	}
	for off := uint16(0); int(off) < p.totalLen; off += 8 {
		if !p.have[off] {
			return nil, false
		}
	}
	delete(r.parts, key)
	return p.data[:p.totalLen], true
}

// Expire discards in-flight reassemblies that have sat idle past
// ReassemblyTimeout, intended to run from the same periodic janitor that
// ages the ARP cache.
func (r *Reassembler) Expire(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, p := range r.parts {
		if now.Sub(p.lastTouch) >= ReassemblyTimeout {
			delete(r.parts, k)
		}
	}
}
