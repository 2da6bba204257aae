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

// Package icmp6 implements ICMPv6: echo request/reply and neighbor
// discovery (router advertisement prefix install, neighbor solicitation/
// advertisement), matching spec.md §4.5. Solicitations from the
// unspecified address get no reply, but this package sends no
// duplicate-address-detection probes of its own and rejects no address.
// Redirects are logged only; they do not change the neighbor cache.
package icmp6

import (
	"encoding/binary"

	"reefos.dev/kernel/pkg/errs"
	"reefos.dev/kernel/pkg/klog"
	"reefos.dev/kernel/pkg/netstack"
	"reefos.dev/kernel/pkg/netstack/ndp"
)

// Message types this kernel acts on (RFC 4443, RFC 4861).
const (
	TypeEchoRequest          = 128
	TypeEchoReply            = 129
	TypeRouterSolicitation   = 133
	TypeRouterAdvertisement  = 134
	TypeNeighborSolicitation = 135
	TypeNeighborAdvertisement = 136
	TypeRedirect             = 137
	TypeDestUnreach          = 1
	TypeTimeExceeded         = 3
)

const headerLen = 4

var log = klog.New("icmp6")

// Sender transmits an ICMPv6 packet over the IPv6 route table.
type Sender interface {
	Send(src, dst [16]byte, nextHeader byte, payload []byte) error
}

// PrefixInstaller receives an on-link prefix parsed from a Router
// Advertisement (spec.md §3 supplemented feature parity with the v4
// DHCP installer).
type PrefixInstaller interface {
	InstallPrefix(prefix [16]byte, prefixLen int, gateway [16]byte) error
}

type header struct {
	Type, Code byte
	Checksum   uint16
}

func parseHeader(b []byte) (header, []byte, error) {
	if len(b) < headerLen {
		return header{}, nil, errs.ErrInvalidArgument
	}
	h := header{Type: b[0], Code: b[1], Checksum: binary.BigEndian.Uint16(b[2:4])}
	return h, b[headerLen:], nil
}

func buildPacket(msgType, code byte, body []byte, src, dst [16]byte) []byte {
	buf := make([]byte, headerLen+len(body))
	buf[0] = msgType
	buf[1] = code
	copy(buf[headerLen:], body)
	pseudo := netstack.PseudoHeaderV6Sum(src, dst, nextHeaderICMPv6, uint32(len(buf)))
	binary.BigEndian.PutUint16(buf[2:4], netstack.Checksum(pseudo, buf))
	return buf
}

const nextHeaderICMPv6 = 58

// Handle processes an inbound ICMPv6 packet, replying to echo requests
// and solicitations, logging the diagnostic types, and handing router
// advertisements to installer.
func Handle(sender Sender, neigh *ndp.Cache, installer PrefixInstaller, src, dst [16]byte, packet []byte) {
	h, body, err := parseHeader(packet)
	if err != nil {
		netstack.Drop("icmp6", netstack.DropBadSize)
		return
	}

	switch h.Type {
	case TypeEchoRequest:
		out := buildPacket(TypeEchoReply, 0, body, dst, src)
		if err := sender.Send(dst, src, nextHeaderICMPv6, out); err != nil {
			log.Printf("echo reply to %v failed: %v", src, err)
		}

	case TypeNeighborSolicitation:
		handleNeighborSolicitation(sender, neigh, src, dst, body)

	case TypeNeighborAdvertisement:
		handleNeighborAdvertisement(neigh, body)

	case TypeRouterAdvertisement:
		handleRouterAdvertisement(installer, src, body)

	case TypeRedirect:
		log.Printf("redirect from %v", src)

	case TypeDestUnreach:
		log.Printf("destination unreachable from %v code %d", src, h.Code)
	case TypeTimeExceeded:
		log.Printf("time exceeded from %v code %d", src, h.Code)
	default:
		netstack.Drop("icmp6", netstack.DropBadProtocol)
	}
}

// neighbor solicitation/advertisement body layout (RFC 4861 §4.3/4.4):
// 4 reserved bytes, 16-byte target address, then options (we only parse
// the source/target link-layer address option, type 1/2, length 1 == 8
// bytes).
const nsBodyLen = 20

func handleNeighborSolicitation(sender Sender, neigh *ndp.Cache, src, dst [16]byte, body []byte) {
	if len(body) < nsBodyLen {
		netstack.Drop("icmp6", netstack.DropBadSize)
		return
	}
	var target [16]byte
	copy(target[:], body[4:20])

	if srcLL, ok := parseLinkLayerOption(body[nsBodyLen:], 1); ok {
		neigh.Resolve(src, srcLL)
	}

	// Respond with a Neighbor Advertisement carrying our own link-layer
	// address, unless this is a duplicate-address-detection probe from
	// the unspecified address (spec.md §4.5: "a solicit is sent from the
	// unspecified address ... if any advertisement arrives ... rejected").
	if src == ([16]byte{}) {
		return
	}
	adv := make([]byte, 20)
	binary.BigEndian.PutUint32(adv[0:4], 0x60000000) // Solicited + Override
	copy(adv[4:20], target[:])
	out := buildPacket(TypeNeighborAdvertisement, 0, adv, dst, src)
	sender.Send(dst, src, nextHeaderICMPv6, out)
}

func handleNeighborAdvertisement(neigh *ndp.Cache, body []byte) {
	if len(body) < nsBodyLen {
		netstack.Drop("icmp6", netstack.DropBadSize)
		return
	}
	var target [16]byte
	copy(target[:], body[4:20])
	if ll, ok := parseLinkLayerOption(body[nsBodyLen:], 2); ok {
		neigh.Resolve(target, ll)
	}
}

func parseLinkLayerOption(opts []byte, wantType byte) (hw [6]byte, ok bool) {
	for i := 0; i+1 < len(opts); {
		optType := opts[i]
		optLen := int(opts[i+1]) * 8
		if optLen == 0 || i+optLen > len(opts) {
			return hw, false
		}
		if optType == wantType && optLen == 8 {
			copy(hw[:], opts[i+2:i+8])
			return hw, true
		}
		i += optLen
	}
	return hw, false
}

// router advertisement body layout (RFC 4861 §4.2): hop limit, flags,
// router lifetime, reachable time, retrans timer, then options. We only
// parse the Prefix Information option (type 3, length 4 == 32 bytes).
func handleRouterAdvertisement(installer PrefixInstaller, routerSrc [16]byte, body []byte) {
	if len(body) < 12 {
		netstack.Drop("icmp6", netstack.DropBadSize)
		return
	}
	opts := body[12:]
	for i := 0; i+1 < len(opts); {
		optType := opts[i]
		optLen := int(opts[i+1]) * 8
		if optLen == 0 || i+optLen > len(opts) {
			return
		}
		if optType == 3 && optLen == 32 {
			prefixLen := int(opts[i+2])
			var prefix [16]byte
			copy(prefix[:], opts[i+16:i+32])
			if installer != nil {
				if err := installer.InstallPrefix(prefix, prefixLen, routerSrc); err != nil {
					log.Printf("installing prefix %v/%d failed: %v", prefix, prefixLen, err)
				}
			}
		}
		i += optLen
	}
}
