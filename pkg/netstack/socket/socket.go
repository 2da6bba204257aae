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

// Package socket holds the protocol-agnostic socket state (spec.md
// §3.7, §6.4): the common socket Header, v4-mapped addressing, and List,
// a per-protocol list of live sockets with port binding, ephemeral port
// choice, and inbound demux lookup. It has no registry of protocol
// records keyed by (domain, type, protocol).
package socket

import (
	"sync"

	"reefos.dev/kernel/pkg/errs"
)

// Domain distinguishes IPv4 from IPv6 addressing.
type Domain int

const (
	DomainIPv4 Domain = iota
	DomainIPv6
)

// Proto identifies the transport protocol carried in a socket.
type Proto int

const (
	ProtoUDP Proto = iota
	ProtoUDPLite
	ProtoTCP
)

// Addr is a socket endpoint, always stored in IPv6 form — an IPv4
// address is kept as a v4-mapped ::ffff:a.b.c.d address per spec.md §3.7.
type Addr struct {
	IP   [16]byte
	Port uint16
}

// V4 reports the address in dotted form if it is v4-mapped.
func (a Addr) V4() (ip [4]byte, ok bool) {
	for i := 0; i < 10; i++ {
		if a.IP[i] != 0 {
			return ip, false
		}
	}
	if a.IP[10] != 0xff || a.IP[11] != 0xff {
		return ip, false
	}
	copy(ip[:], a.IP[12:16])
	return ip, true
}

// MappedV4 builds a v4-mapped IPv6 address from an IPv4 address.
func MappedV4(ip [4]byte, port uint16) Addr {
	var a Addr
	a.IP[10], a.IP[11] = 0xff, 0xff
	copy(a.IP[12:16], ip[:])
	a.Port = port
	return a
}

// Flags are the user-visible per-socket options (spec.md §4.6).
type Flags struct {
	NonBlock     bool
	V6Only       bool
	SendCoverage int // UDP-Lite only; 0 means full coverage
	RecvCoverage int
	HopLimit     int // TTL (v4) / hop limit (v6); shared field per spec.md §4.6
}

// Header is the common socket state shared by every protocol (spec.md
// §3.7): UDP sockets embed it directly, TCP sockets (pkg/netstack/tcp)
// embed it inside their richer per-connection state.
type Header struct {
	Domain Domain
	Proto  Proto
	Local  Addr
	Remote Addr
	Flags  Flags
	FD     int
}

// Matches reports whether an inbound packet of the given domain and
// proto, addressed to local from remote, should be delivered to this
// socket (spec.md §4.6 matching rule). Only the local port is compared,
// not the local address.
func (h *Header) Matches(domain Domain, local, remote Addr, proto Proto) bool {
	if h.Proto != proto {
		return false
	}
	if h.Domain == DomainIPv4 && domain == DomainIPv6 {
		return false
	}
	if h.Domain == DomainIPv6 && h.Flags.V6Only && domain == DomainIPv4 {
		return false
	}
	if h.Local.Port != local.Port {
		return false
	}
	if h.Remote.Port != 0 {
		if h.Remote.Port != remote.Port || h.Remote.IP != remote.IP {
			return false
		}
	}
	return true
}

// EphemeralBase is the first port handed out by auto-bind (spec.md
// §4.6: "auto-pick ephemeral port ≥ 1024").
const EphemeralBase = 1024
const ephemeralTop = 65535

// List is a protocol's flat registry of live sockets, guarded by one
// mutex per spec.md §5 ("UDP socket list: one flat mutex for the whole
// list").
type List struct {
	mu      sync.Mutex
	sockets []*Header
	nextEph uint16
}

func NewList() *List {
	return &List{nextEph: EphemeralBase}
}

func (l *List) Add(h *Header) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sockets = append(l.sockets, h)
}

func (l *List) Remove(h *Header) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.sockets {
		if s == h {
			l.sockets = append(l.sockets[:i], l.sockets[i+1:]...)
			return
		}
	}
}

// Bind assigns h.Local.Port, auto-picking an ephemeral port if it is
// currently zero, and registers h in the list. Returns errs.ErrAlreadyExists
// if the requested port is already taken by a matching socket.
func (l *List) Bind(h *Header) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h.Local.Port == 0 {
		for n := 0; n < ephemeralTop-EphemeralBase; n++ {
			port := l.nextEph
			l.nextEph++
			if l.nextEph < EphemeralBase { // wrapped past ephemeralTop
				l.nextEph = EphemeralBase
			}
			if !l.portTakenLocked(port, h.Domain) {
				h.Local.Port = port
				l.sockets = append(l.sockets, h)
				return nil
			}
		}
		return errs.ErrAddressNotAvailable
	}

	if l.portTakenLocked(h.Local.Port, h.Domain) {
		return errs.ErrAlreadyExists
	}
	l.sockets = append(l.sockets, h)
	return nil
}

func (l *List) portTakenLocked(port uint16, domain Domain) bool {
	for _, s := range l.sockets {
		if s.Local.Port == port && s.Domain == domain {
			return true
		}
	}
	return false
}

// Lookup finds the socket an inbound packet demuxes to, if any.
func (l *List) Lookup(domain Domain, local, remote Addr, proto Proto) *Header {
	l.mu.Lock()
	defer l.mu.Unlock()
	var unconnected *Header
	for _, s := range l.sockets {
		if !s.Matches(domain, local, remote, proto) {
			continue
		}
		if s.Remote.Port != 0 {
			return s // exact match on a connected socket wins
		}
		if unconnected == nil {
			unconnected = s
		}
	}
	return unconnected
}
