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

// Package icmp implements ICMPv4 echo request/reply handling and
// destination-unreachable / time-exceeded logging (spec.md §4.5).
package icmp

import (
	"encoding/binary"

	"reefos.dev/kernel/pkg/errs"
	"reefos.dev/kernel/pkg/klog"
	"reefos.dev/kernel/pkg/netstack"
	"reefos.dev/kernel/pkg/netstack/ipv4"
)

// Message types this kernel acts on (RFC 792).
const (
	TypeEchoReply   = 0
	TypeDestUnreach = 3
	TypeEchoRequest = 8
	TypeTimeExceeded = 11
)

const headerLen = 8

var log = klog.New("icmp")

// Header is the common 8-byte ICMP header (type, code, checksum, and a
// 4-byte type-specific field — identifier+sequence for echo).
type Header struct {
	Type       byte
	Code       byte
	Checksum   uint16
	Identifier uint16
	Sequence   uint16
}

func ParseHeader(b []byte) (Header, []byte, error) {
	if len(b) < headerLen {
		return Header{}, nil, errs.ErrInvalidArgument
	}
	h := Header{
		Type:       b[0],
		Code:       b[1],
		Checksum:   binary.BigEndian.Uint16(b[2:4]),
		Identifier: binary.BigEndian.Uint16(b[4:6]),
		Sequence:   binary.BigEndian.Uint16(b[6:8]),
	}
	return h, b[headerLen:], nil
}

func BuildPacket(h Header, payload []byte) []byte {
	buf := make([]byte, headerLen+len(payload))
	buf[0] = h.Type
	buf[1] = h.Code
	binary.BigEndian.PutUint16(buf[4:6], h.Identifier)
	binary.BigEndian.PutUint16(buf[6:8], h.Sequence)
	copy(buf[headerLen:], payload)
	binary.BigEndian.PutUint16(buf[2:4], netstack.Checksum(0, buf))
	return buf
}

// Sender transmits ICMPv4 packets over an IPv4 route table.
type Sender interface {
	Send(src, dst [4]byte, protocol byte, id uint16, payload []byte) error
}

// Handle processes an inbound ICMPv4 packet addressed to this host,
// replying to echo requests and logging the diagnostic types a real
// host otherwise only surfaces to an application via a raw socket
// (spec.md §4.5).
func Handle(sender Sender, src, dst [4]byte, datagramID uint16, packet []byte) {
	h, body, err := ParseHeader(packet)
	if err != nil {
		netstack.Drop("icmp", netstack.DropBadSize)
		return
	}
	if netstack.Checksum(0, packet) != 0 {
		netstack.Drop("icmp", netstack.DropBadChecksum)
		return
	}

	switch h.Type {
	case TypeEchoRequest:
		reply := Header{Type: TypeEchoReply, Code: 0, Identifier: h.Identifier, Sequence: h.Sequence}
		out := BuildPacket(reply, body)
		if err := sender.Send(dst, src, ipv4.ProtoICMP, datagramID, out); err != nil {
			log.Printf("echo reply to %v failed: %v", src, err)
		}
	case TypeDestUnreach:
		log.Printf("destination unreachable from %v code %d", src, h.Code)
	case TypeTimeExceeded:
		log.Printf("time exceeded from %v code %d", src, h.Code)
	default:
		netstack.Drop("icmp", netstack.DropBadProtocol)
	}
}

// Unreachable builds a destination-unreachable message quoting the
// offending IPv4 header and first 8 bytes of its payload, per RFC 792.
func Unreachable(code byte, originalDatagram []byte) []byte {
	quote := originalDatagram
	if len(quote) > ipv4.HeaderLen+8 {
		quote = quote[:ipv4.HeaderLen+8]
	}
	return BuildPacket(Header{Type: TypeDestUnreach, Code: code}, quote)
}
