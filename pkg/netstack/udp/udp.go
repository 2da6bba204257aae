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

// Package udp implements datagram sockets over IPv4/IPv6, including
// UDP-Lite partial checksum coverage (spec.md §4.6).
package udp

import (
	"encoding/binary"
	"sync"

	"reefos.dev/kernel/pkg/errs"
	"reefos.dev/kernel/pkg/genwait"
	"reefos.dev/kernel/pkg/netstack"
	"reefos.dev/kernel/pkg/netstack/socket"
	"reefos.dev/kernel/pkg/sched"
)

const HeaderLen = 8

// datagram is one queued inbound packet, FIFO per socket (spec.md §3.7).
type datagram struct {
	from    socket.Addr
	payload []byte
}

// Socket is a UDP or UDP-Lite datagram socket.
type Socket struct {
	socket.Header

	mu        sync.Mutex
	queue     []datagram
	readShut  bool
	writeShut bool
	closed    bool

	table *genwait.Table
}

// New creates a socket of the given protocol (ProtoUDP or ProtoUDPLite).
func New(domain socket.Domain, proto socket.Proto, table *genwait.Table) *Socket {
	return &Socket{
		Header: socket.Header{Domain: domain, Proto: proto, Flags: socket.Flags{HopLimit: 64}},
		table:  table,
	}
}

// Bind registers the socket in list, auto-picking an ephemeral port when
// local.Port is zero.
func (s *Socket) Bind(list *socket.List, local socket.Addr) error {
	s.mu.Lock()
	s.Local = local
	s.mu.Unlock()
	return list.Bind(&s.Header)
}

// Connect fixes the peer address for subsequent unaddressed SendTo calls.
func (s *Socket) Connect(remote socket.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Remote = remote
}

// Sender transmits a fully-built transport payload to dst over the
// matching IP layer (pkg/netstack/ipv4.RouteTable for v4, the IPv6
// equivalent for v6); kept as an interface so udp stays address-family
// agnostic.
type Sender interface {
	SendUDP(domain socket.Domain, src, dst socket.Addr, proto socket.Proto, payload []byte) error
}

// SendTo transmits payload to dst (or the connected remote if dst is
// the zero Addr), building the UDP/UDP-Lite header according to the
// socket's configured send coverage.
func (s *Socket) SendTo(sender Sender, dst socket.Addr, payload []byte) error {
	s.mu.Lock()
	if s.writeShut || s.closed {
		s.mu.Unlock()
		return errs.ErrPipeClosed
	}
	if dst == (socket.Addr{}) {
		dst = s.Remote
		if dst.Port == 0 {
			s.mu.Unlock()
			return errs.ErrNotConnected
		}
	}
	src := s.Local
	proto := s.Proto
	coverage := s.Flags.SendCoverage
	s.mu.Unlock()

	return sender.SendUDP(s.Domain, src, dst, proto, buildPacket(proto, coverage, src.Port, dst.Port, payload))
}

func buildPacket(proto socket.Proto, coverage int, srcPort, dstPort uint16, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)

	lengthField := uint16(HeaderLen + len(payload))
	if proto == socket.ProtoUDPLite && coverage > 0 {
		cov := coverage
		if cov < HeaderLen {
			cov = HeaderLen
		}
		lengthField = uint16(cov)
	}
	binary.BigEndian.PutUint16(buf[4:6], lengthField)
	copy(buf[HeaderLen:], payload)
	return buf
}

// Deliver is called by the transport demux on a packet that has already
// been matched to this socket via socket.List.Lookup. It enforces
// UDP-Lite receive-coverage filtering (spec.md §4.6: silently dropped,
// no counter, "configuration is not a protocol error") and enqueues the
// payload for RecvFrom.
func (s *Socket) Deliver(from socket.Addr, packet []byte) {
	if len(packet) < HeaderLen {
		netstack.Drop("udp", netstack.DropBadSize)
		return
	}
	lengthField := binary.BigEndian.Uint16(packet[4:6])
	payload := packet[HeaderLen:]

	s.mu.Lock()
	if s.readShut || s.closed {
		s.mu.Unlock()
		return
	}
	if s.Proto == socket.ProtoUDPLite && s.Flags.RecvCoverage > 0 {
		if int(lengthField) < s.Flags.RecvCoverage {
			s.mu.Unlock()
			return // silently dropped per spec, not counted
		}
	}
	s.queue = append(s.queue, datagram{from: from, payload: payload})
	s.mu.Unlock()

	s.table.WakeOne(s)
}

// RecvFrom blocks (unless NonBlock is set) until a datagram is
// available, returning it FIFO.
func (s *Socket) RecvFrom(self *sched.Thread) (from socket.Addr, payload []byte, err error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			d := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return d.from, d.payload, nil
		}
		if s.readShut || s.closed {
			s.mu.Unlock()
			return socket.Addr{}, nil, errs.ErrPipeClosed
		}
		nonBlock := s.Flags.NonBlock
		s.mu.Unlock()

		if nonBlock {
			return socket.Addr{}, nil, errs.ErrWouldBlock
		}
		if self == nil {
			return socket.Addr{}, nil, errs.ErrWouldBlock
		}
		if res := s.table.Wait(self, s, "udp-recv", 0); res != genwait.Ok {
			return socket.Addr{}, nil, errs.ErrInterrupted
		}
	}
}

// Shutdown half-closes the read and/or write direction independently
// (spec.md §4.6).
func (s *Socket) Shutdown(read, write bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if read {
		s.readShut = true
	}
	if write {
		s.writeShut = true
	}
}

// Close removes the socket from its list and wakes any blocked reader.
func (s *Socket) Close(list *socket.List) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	list.Remove(&s.Header)
	s.table.WakeAll(s)
}
