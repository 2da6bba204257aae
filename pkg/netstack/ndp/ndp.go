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

// Package ndp is the IPv6 neighbor cache: the v6 analogue of
// pkg/netstack/arp, keyed by 16-byte address and populated by neighbor
// solicitation/advertisement instead of ARP request/reply (spec.md
// §4.3, §4.5).
package ndp

import (
	"sync"
	"time"
)

// EntryAge matches arp.EntryAge: entries expire at a fixed age.
const EntryAge = 10 * time.Minute

type Entry struct {
	HardwareAddr [6]byte
	Resolved     bool
	Timestamp    time.Time
	Pending      []byte
}

// Cache is the IPv6 neighbor table for one interface.
type Cache struct {
	mu      sync.Mutex
	entries map[[16]byte]*Entry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[[16]byte]*Entry)}
}

// Lookup reports the resolved hardware address for ip, if any.
func (c *Cache) Lookup(ip [16]byte) (hw [6]byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[ip]
	if !found || !e.Resolved || time.Since(e.Timestamp) >= EntryAge {
		return hw, false
	}
	return e.HardwareAddr, true
}

// QueuePending stashes a frame to transmit once ip resolves, creating an
// incomplete entry if one doesn't exist yet.
func (c *Cache) QueuePending(ip [16]byte, frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[ip]
	if !found {
		e = &Entry{}
		c.entries[ip] = e
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	e.Pending = cp
}

// Resolve records a solicited (or gratuitous) advertisement, returning
// any frame that was queued awaiting this resolution.
func (c *Cache) Resolve(ip [16]byte, hw [6]byte) (pending []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries[ip]
	if !found {
		e = &Entry{}
		c.entries[ip] = e
	}
	e.HardwareAddr = hw
	e.Resolved = true
	e.Timestamp = time.Now()
	pending = e.Pending
	e.Pending = nil
	return pending
}

func (c *Cache) Expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ip, e := range c.entries {
		if e.Resolved && now.Sub(e.Timestamp) >= EntryAge {
			delete(c.entries, ip)
		}
	}
}
