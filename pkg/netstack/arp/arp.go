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

// Package arp implements IPv4 neighbor resolution (spec.md §4.3): a
// single cache mapping protocol address to hardware address, ARP
// request/reply framing, and pending-packet hand-off on a cache miss.
// The IPv6 neighbor cache lives in pkg/netstack/ndp, and its neighbor
// discovery messages are handled in pkg/netstack/icmp6 since they are
// carried inside ICMPv6 rather than their own ethertype.
package arp

import (
	"encoding/binary"
	"sync"
	"time"

	"reefos.dev/kernel/pkg/device"
	"reefos.dev/kernel/pkg/netstack"
)

// EntryAge is how long a resolved cache entry remains valid (spec.md
// §4.3: "entries expire at a fixed age").
const EntryAge = 10 * time.Minute

const (
	opRequest = 1
	opReply   = 2
	hwTypeEthernet = 1
	protoTypeIPv4  = 0x0800
)

// Entry is one resolved (or pending) neighbor.
type Entry struct {
	HardwareAddr [6]byte
	Resolved     bool
	Timestamp    time.Time
	Pending      []byte // a single queued frame awaiting resolution (header+payload, copied by value)
}

// Cache is the IPv4 neighbor table for one interface.
type Cache struct {
	mu      sync.Mutex
	entries map[[4]byte]*Entry

	iface device.Ethernet
	srcIP [4]byte
}

// NewCache creates an empty ARP cache bound to iface, resolving requests
// as srcIP.
func NewCache(iface device.Ethernet, srcIP [4]byte) *Cache {
	return &Cache{entries: make(map[[4]byte]*Entry), iface: iface, srcIP: srcIP}
}

// Resolve reports the hardware address for ip if known and unexpired.
// On a miss it sends an ARP request and queues pending (if non-nil) to
// be transmitted once resolution completes, matching spec.md §4.3's
// "InProgress" contract.
func (c *Cache) Resolve(ip [4]byte, pending []byte) (hw [6]byte, ok bool) {
	c.mu.Lock()
	e, found := c.entries[ip]
	if found && e.Resolved && time.Since(e.Timestamp) < EntryAge {
		hw, ok = e.HardwareAddr, true
		c.mu.Unlock()
		return
	}
	if !found {
		e = &Entry{}
		c.entries[ip] = e
	}
	if pending != nil {
		cp := make([]byte, len(pending))
		copy(cp, pending)
		e.Pending = cp
	}
	c.mu.Unlock()

	c.sendRequest(ip)
	return hw, false
}

// HandleReply processes an inbound ARP packet (request or reply),
// updating the cache and replying to requests targeting srcIP.
func (c *Cache) HandleReply(frame []byte) {
	if len(frame) < 28 {
		netstack.Drop("arp", netstack.DropBadSize)
		return
	}
	op := binary.BigEndian.Uint16(frame[6:8])
	var senderHW [6]byte
	var senderIP, targetIP [4]byte
	copy(senderHW[:], frame[8:14])
	copy(senderIP[:], frame[14:18])
	copy(targetIP[:], frame[24:28])

	c.mu.Lock()
	e, found := c.entries[senderIP]
	if !found {
		e = &Entry{}
		c.entries[senderIP] = e
	}
	e.HardwareAddr = senderHW
	e.Resolved = true
	e.Timestamp = time.Now()
	pending := e.Pending
	e.Pending = nil
	c.mu.Unlock()

	if pending != nil {
		c.iface.Tx(rewriteDestMAC(pending, senderHW), true)
	}

	if op == opRequest && targetIP == c.srcIP {
		c.sendReply(senderIP, senderHW)
	}
}

func rewriteDestMAC(frame []byte, dst [6]byte) []byte {
	out := make([]byte, len(frame))
	copy(out, frame)
	copy(out[0:6], dst[:])
	return out
}

func (c *Cache) sendRequest(target [4]byte) {
	hw := c.iface.HardwareAddr()
	pkt := buildPacket(opRequest, hw, c.srcIP, [6]byte{}, target)
	frame := ethernetFrame([6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, hw, device.EtherTypeARP, pkt)
	c.iface.Tx(frame, false)
}

func (c *Cache) sendReply(dstIP [4]byte, dstHW [6]byte) {
	hw := c.iface.HardwareAddr()
	pkt := buildPacket(opReply, hw, c.srcIP, dstHW, dstIP)
	frame := ethernetFrame(dstHW, hw, device.EtherTypeARP, pkt)
	c.iface.Tx(frame, false)
}

func buildPacket(op uint16, senderHW [6]byte, senderIP [4]byte, targetHW [6]byte, targetIP [4]byte) []byte {
	pkt := make([]byte, 28)
	binary.BigEndian.PutUint16(pkt[0:2], hwTypeEthernet)
	binary.BigEndian.PutUint16(pkt[2:4], protoTypeIPv4)
	pkt[4] = 6
	pkt[5] = 4
	binary.BigEndian.PutUint16(pkt[6:8], op)
	copy(pkt[8:14], senderHW[:])
	copy(pkt[14:18], senderIP[:])
	copy(pkt[18:24], targetHW[:])
	copy(pkt[24:28], targetIP[:])
	return pkt
}

func ethernetFrame(dst, src [6]byte, etherType uint16, payload []byte) []byte {
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[14:], payload)
	return frame
}

// Expire drops entries older than EntryAge; intended to be driven from a
// periodic janitor alongside the IPv4 reassembly timer.
func (c *Cache) Expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ip, e := range c.entries {
		if e.Resolved && now.Sub(e.Timestamp) >= EntryAge {
			delete(c.entries, ip)
		}
	}
}
