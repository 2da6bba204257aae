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

// Package ipv6 implements the IPv6 fixed header, routing, and the
// neighbor-discovery plumbing ICMPv6 drives (spec.md §4.4).
package ipv6

import (
	"encoding/binary"
	"sync"

	"reefos.dev/kernel/pkg/device"
	"reefos.dev/kernel/pkg/errs"
	"reefos.dev/kernel/pkg/netstack/ndp"
)

const HeaderLen = 40
const Version6 = 6

const (
	NextHeaderICMPv6 = 58
	NextHeaderTCP    = 6
	NextHeaderUDP    = 17
)

// Header is a parsed IPv6 fixed header (no extension headers, matching
// spec.md's Non-goal scope of "no IPv4-options processing beyond length
// skipping" carried over to v6: extension headers are not walked).
type Header struct {
	TrafficClass byte
	FlowLabel    uint32
	PayloadLen   uint16
	NextHeader   byte
	HopLimit     byte
	Src, Dst     [16]byte
}

func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, errs.ErrInvalidArgument
	}
	verTCFL := binary.BigEndian.Uint32(b[0:4])
	h := Header{
		TrafficClass: byte(verTCFL >> 20),
		FlowLabel:    verTCFL & 0xfffff,
		PayloadLen:   binary.BigEndian.Uint16(b[4:6]),
		NextHeader:   b[6],
		HopLimit:     b[7],
	}
	copy(h.Src[:], b[8:24])
	copy(h.Dst[:], b[24:40])
	return h, nil
}

func BuildHeader(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	verTCFL := uint32(Version6)<<28 | uint32(h.TrafficClass)<<20 | (h.FlowLabel & 0xfffff)
	binary.BigEndian.PutUint32(buf[0:4], verTCFL)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(payload)))
	buf[6] = h.NextHeader
	buf[7] = h.HopLimit
	copy(buf[8:24], h.Src[:])
	copy(buf[24:40], h.Dst[:])
	copy(buf[HeaderLen:], payload)
	return buf
}

// SolicitedNodeMulticast derives the solicited-node multicast address
// ff02::1:ffXX:XXXX for target, used by neighbor solicitation and
// duplicate address detection (spec.md §4.5).
func SolicitedNodeMulticast(target [16]byte) [16]byte {
	var m [16]byte
	m[0], m[1] = 0xff, 0x02
	m[11] = 0x01
	m[12] = 0xff
	copy(m[13:16], target[13:16])
	return m
}

// Route mirrors ipv4.Route for the v6 address family.
type Route struct {
	Iface     device.Ethernet
	Neigh     *ndp.Cache
	LocalIP   [16]byte
	Prefix    [16]byte
	PrefixLen int
	Gateway   [16]byte
}

// RouteTable picks an outgoing route per destination prefix (spec.md
// §4.4: "per-prefix routing").
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

func (rt *RouteTable) Lookup(dst [16]byte) (*Route, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, r := range rt.routes {
		if onPrefix(dst, r.Prefix, r.PrefixLen) {
			return r, true
		}
	}
	if len(rt.routes) > 0 {
		return rt.routes[0], true // default route fallback
	}
	return nil, false
}

func onPrefix(addr, prefix [16]byte, bits int) bool {
	full := bits / 8
	for i := 0; i < full; i++ {
		if addr[i] != prefix[i] {
			return false
		}
	}
	rem := bits % 8
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return addr[full]&mask == prefix[full]&mask
}
