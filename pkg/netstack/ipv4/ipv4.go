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

// Package ipv4 implements IPv4 send/receive, routing, and RFC 791
// fragmentation/reassembly (spec.md §4.4).
package ipv4

import (
	"encoding/binary"
	"sync"
	"time"

	"reefos.dev/kernel/pkg/device"
	"reefos.dev/kernel/pkg/errs"
	"reefos.dev/kernel/pkg/netstack"
	"reefos.dev/kernel/pkg/netstack/arp"
)

const (
	HeaderLen  = 20
	DefaultTTL = 64
	Version4   = 4
)

// Protocol numbers carried in the IPv4 header (spec.md §4.4/§4.5/§4.6/§4.7).
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

const (
	flagMoreFragments = 0x2000
	flagDontFragment  = 0x4000
	fragOffsetMask    = 0x1fff
)

// Header is a parsed IPv4 header.
type Header struct {
	TOS      byte
	TotalLen uint16
	ID       uint16
	Flags    uint16
	FragOff  uint16
	TTL      byte
	Protocol byte
	Checksum uint16
	Src      [4]byte
	Dst      [4]byte
}

// ParseHeader reads the fixed 20-byte IPv4 header from b (options, if
// present, are skipped over by the caller using ihl).
func ParseHeader(b []byte) (Header, int, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, 0, errs.ErrInvalidArgument
	}
	verIHL := b[0]
	ihl := int(verIHL&0x0f) * 4
	if ihl < HeaderLen || len(b) < ihl {
		return h, 0, errs.ErrInvalidArgument
	}
	h.TOS = b[1]
	h.TotalLen = binary.BigEndian.Uint16(b[2:4])
	h.ID = binary.BigEndian.Uint16(b[4:6])
	flagsFrag := binary.BigEndian.Uint16(b[6:8])
	h.Flags = flagsFrag &^ fragOffsetMask
	h.FragOff = (flagsFrag & fragOffsetMask) * 8
	h.TTL = b[8]
	h.Protocol = b[9]
	h.Checksum = binary.BigEndian.Uint16(b[10:12])
	copy(h.Src[:], b[12:16])
	copy(h.Dst[:], b[16:20])
	return h, ihl, nil
}

// BuildHeader serializes h (with a fixed 20-byte, option-free header) and
// payload into a complete IPv4 datagram with a correct checksum.
func BuildHeader(h Header, payload []byte) []byte {
	total := HeaderLen + len(payload)
	buf := make([]byte, total)
	buf[0] = Version4<<4 | (HeaderLen / 4)
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	flagsFrag := h.Flags | (h.FragOff / 8)
	binary.BigEndian.PutUint16(buf[6:8], flagsFrag)
	buf[8] = h.TTL
	buf[9] = h.Protocol
	binary.BigEndian.PutUint16(buf[10:12], 0)
	copy(buf[12:16], h.Src[:])
	copy(buf[16:20], h.Dst[:])
	binary.BigEndian.PutUint16(buf[10:12], netstack.Checksum(0, buf[:HeaderLen]))
	copy(buf[HeaderLen:], payload)
	return buf
}

// Route describes how to reach a destination: directly on-link via a
// resolved neighbor, or via a gateway. Loopback and broadcast
// destinations get no special handling; they are routed like any other
// address.
type Route struct {
	Iface   device.Ethernet
	Neigh   *arp.Cache
	LocalIP [4]byte
	Subnet  [4]byte
	Mask    [4]byte
	Gateway [4]byte // zero if directly connected
}

// RouteTable picks an outgoing route for a destination address.
type RouteTable struct {
	mu     sync.RWMutex
	routes []*Route
}

func NewRouteTable() *RouteTable { return &RouteTable{} }

func (rt *RouteTable) AddRoute(r *Route) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.routes = append(rt.routes, r)
}

// Lookup returns the first directly connected route whose subnet holds
// dst, else the first gateway route, and the address to resolve via ARP
// for that hop (the gateway if off-link, else dst itself).
func (rt *RouteTable) Lookup(dst [4]byte) (*Route, [4]byte, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var best *Route
	for _, r := range rt.routes {
		if r.Gateway == ([4]byte{}) && sameSubnet(dst, r.Subnet, r.Mask) {
			best = r
			break
		}
	}
	if best == nil {
		for _, r := range rt.routes {
			if r.Gateway != ([4]byte{}) {
				best = r
				break
			}
		}
	}
	if best == nil {
		return nil, [4]byte{}, false
	}
	if best.Gateway == ([4]byte{}) {
		return best, dst, true
	}
	return best, best.Gateway, true
}

func sameSubnet(addr, subnet, mask [4]byte) bool {
	for i := 0; i < 4; i++ {
		if addr[i]&mask[i] != subnet[i]&mask[i] {
			return false
		}
	}
	return true
}

// Send transmits payload (protocol) to dst, fragmenting at the route's
// MTU when it exceeds the link MTU minus header (spec.md §4.4).
func (rt *RouteTable) Send(src, dst [4]byte, protocol byte, id uint16, payload []byte) error {
	route, nextHop, ok := rt.Lookup(dst)
	if !ok {
		return errs.ErrNetworkUnreachable
	}
	mtu := route.Iface.MTU() - HeaderLen
	mtu -= mtu % 8

	if len(payload) <= mtu {
		return rt.sendFragment(route, nextHop, src, dst, protocol, id, 0, false, payload)
	}
	for off := 0; off < len(payload); off += mtu {
		end := off + mtu
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		if err := rt.sendFragment(route, nextHop, src, dst, protocol, id, off, more, payload[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (rt *RouteTable) sendFragment(route *Route, nextHop, src, dst [4]byte, protocol byte, id uint16, off int, more bool, chunk []byte) error {
	var flags uint16
	if more {
		flags = flagMoreFragments
	}
	h := Header{TTL: DefaultTTL, Protocol: protocol, ID: id, Flags: flags, FragOff: uint16(off), Src: src, Dst: dst}
	datagram := BuildHeader(h, chunk)

	hw, resolved := route.Neigh.Resolve(nextHop, datagram)
	if !resolved {
		return nil // queued in the neighbor cache's pending slot; flushed on ARP reply
	}
	frame := ethernetFrame(hw, route.Iface.HardwareAddr(), device.EtherTypeIPv4, datagram)
	return route.Iface.Tx(frame, false)
}

func ethernetFrame(dst, src [6]byte, etherType uint16, payload []byte) []byte {
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[14:], payload)
	return frame
}

// Deliver reassembles fragmented datagrams and returns the complete
// payload once ready. A whole, unfragmented datagram is returned
// immediately. Until the datagram is complete, ok is false.
func (reasm *Reassembler) Deliver(h Header, payload []byte) (complete []byte, ok bool) {
	if h.Flags&flagMoreFragments == 0 && h.FragOff == 0 {
		return payload, true
	}
	return reasm.insert(h, payload, time.Now())
}
