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

package tcp

import (
	"encoding/binary"

	"reefos.dev/kernel/pkg/errs"
	"reefos.dev/kernel/pkg/netstack"
)

// Flag bits of the TCP control word (spec.md §6.4).
const (
	FlagFIN = 1 << 0
	FlagSYN = 1 << 1
	FlagRST = 1 << 2
	FlagPSH = 1 << 3
	FlagACK = 1 << 4
	FlagURG = 1 << 5
)

// HeaderLen is the fixed 20-byte TCP header with no options (spec.md
// §6.4: "No other TCP options are emitted; unknown incoming options are
// skipped by length").
const HeaderLen = 20

const optKindMSS = 2

// Segment is a parsed TCP header plus its payload.
type Segment struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	Flags    uint8
	Window   uint16
	Checksum uint16
	Urgent   uint16
	MSS      uint16 // parsed from the MSS option, 0 if absent
	Payload  []byte
}

// Len is the sequence-space length of the segment: payload plus one for
// each of SYN and FIN (RFC 793 §3.3).
func (s *Segment) Len() uint32 {
	n := uint32(len(s.Payload))
	if s.Flags&FlagSYN != 0 {
		n++
	}
	if s.Flags&FlagFIN != 0 {
		n++
	}
	return n
}

// ParseSegment reads a TCP segment, skipping any options by their
// declared length (spec.md §6.4).
func ParseSegment(b []byte) (Segment, error) {
	if len(b) < HeaderLen {
		return Segment{}, errs.ErrInvalidArgument
	}
	dataOffset := int(b[12]>>4) * 4
	if dataOffset < HeaderLen || len(b) < dataOffset {
		return Segment{}, errs.ErrInvalidArgument
	}
	s := Segment{
		SrcPort:  binary.BigEndian.Uint16(b[0:2]),
		DstPort:  binary.BigEndian.Uint16(b[2:4]),
		Seq:      binary.BigEndian.Uint32(b[4:8]),
		Ack:      binary.BigEndian.Uint32(b[8:12]),
		Flags:    b[13],
		Window:   binary.BigEndian.Uint16(b[14:16]),
		Checksum: binary.BigEndian.Uint16(b[16:18]),
		Urgent:   binary.BigEndian.Uint16(b[18:20]),
		Payload:  b[dataOffset:],
	}
	parseOptions(b[HeaderLen:dataOffset], &s)
	return s, nil
}

func parseOptions(opts []byte, s *Segment) {
	for i := 0; i < len(opts); {
		kind := opts[i]
		if kind == 0 {
			break // end of option list
		}
		if kind == 1 {
			i++ // no-op
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		length := int(opts[i+1])
		if length < 2 || i+length > len(opts) {
			break
		}
		if kind == optKindMSS && length == 4 {
			s.MSS = binary.BigEndian.Uint16(opts[i+2 : i+4])
		}
		i += length
	}
}

// BuildSegment serializes s with a correct checksum over the IPv4
// pseudo-header (src, dst). The MSS option is emitted only when s.MSS is
// non-zero, per spec.md §6.4 ("at connection setup").
func BuildSegment(s Segment, src, dst [4]byte) []byte {
	optsLen := 0
	if s.MSS != 0 {
		optsLen = 4
	}
	dataOffset := HeaderLen + optsLen
	buf := make([]byte, dataOffset+len(s.Payload))

	binary.BigEndian.PutUint16(buf[0:2], s.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], s.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], s.Seq)
	binary.BigEndian.PutUint32(buf[8:12], s.Ack)
	buf[12] = byte(dataOffset/4) << 4
	buf[13] = s.Flags
	binary.BigEndian.PutUint16(buf[14:16], s.Window)
	binary.BigEndian.PutUint16(buf[18:20], s.Urgent)

	if s.MSS != 0 {
		buf[HeaderLen] = optKindMSS
		buf[HeaderLen+1] = 4
		binary.BigEndian.PutUint16(buf[HeaderLen+2:HeaderLen+4], s.MSS)
	}
	copy(buf[dataOffset:], s.Payload)

	pseudo := netstack.PseudoHeaderV4Sum(src, dst, protoTCP, uint16(len(buf)))
	binary.BigEndian.PutUint16(buf[16:18], netstack.Checksum(pseudo, buf))
	return buf
}

const protoTCP = 6
