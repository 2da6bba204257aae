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

// Package netstack collects the shared wire-format helpers used by every
// protocol package underneath it (arp, ipv4, ipv6, icmp, icmp6, udp, tcp,
// socket, dhcp): the Internet checksum with its pseudo-header helpers,
// and a tiny protocol-drop counter registry.
package netstack

// PartialSum folds b into an accumulating Internet checksum (RFC 1071),
// returning the updated partial sum so a pseudo-header and payload can be
// checksummed in separate calls before Fold produces the final 16-bit
// value (spec.md §4.4 "accepts a starting partial sum").
func PartialSum(sum uint32, b []byte) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

// Fold reduces a partial sum to its final one's-complement 16-bit
// checksum.
func Fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Checksum computes the Internet checksum of b starting from an existing
// partial sum (0 for a fresh computation).
func Checksum(sum uint32, b []byte) uint16 {
	return Fold(PartialSum(sum, b))
}

// PseudoHeaderV4Sum folds an IPv4 pseudo-header (src, dst, zero,
// protocol, length) into a partial checksum, used by UDP/UDP-Lite/TCP.
func PseudoHeaderV4Sum(src, dst [4]byte, protocol uint8, length uint16) uint32 {
	var sum uint32
	sum = PartialSum(sum, src[:])
	sum = PartialSum(sum, dst[:])
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

// PseudoHeaderV6Sum folds an IPv6 pseudo-header (src, dst, length,
// zero[3], next-header) into a partial checksum.
func PseudoHeaderV6Sum(src, dst [16]byte, nextHeader uint8, length uint32) uint32 {
	var sum uint32
	sum = PartialSum(sum, src[:])
	sum = PartialSum(sum, dst[:])
	sum += uint32(length >> 16)
	sum += uint32(length & 0xffff)
	sum += uint32(nextHeader)
	return sum
}
