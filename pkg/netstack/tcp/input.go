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
	"time"

	"reefos.dev/kernel/pkg/netstack/socket"
)

// HandleListener processes an inbound segment against a Listen-state
// socket: SYN creates (or overwrites, on duplicate) a queue entry;
// segments are ignored while the listener is in its Accepting critical
// section (spec.md §4.7).
func (s *Socket) HandleListener(remote socket.Addr, seg Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Listen || s.flags.accepting {
		return
	}
	if seg.Flags&FlagSYN == 0 {
		return
	}
	for i, pc := range s.queue {
		if pc.remote == remote {
			s.queue[i] = pendingConn{remote: remote, peerISS: seg.Seq, peerMSS: seg.MSS, peerWnd: seg.Window}
			return
		}
	}
	if len(s.queue) >= s.backlog {
		return // silently dropped; peer's SYN retransmission will retry
	}
	s.queue = append(s.queue, pendingConn{remote: remote, peerISS: seg.Seq, peerMSS: seg.MSS, peerWnd: seg.Window})
	s.acceptWaiter.Broadcast()
	s.table.WakeAll(&s.queue)
}

// HandleData runs the RFC 793 §3.9 eight-step segment-processing
// algorithm (spec.md §4.7) against a data socket not in Listen/Closed.
// sender is used to emit the ACKs and RSTs the algorithm calls for.
func (s *Socket) HandleData(sender Sender, seg Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case SynSent:
		s.handleSynSentLocked(sender, seg)
		return
	case Closed, Listen:
		return
	}

	// Step 1: sequence acceptability.
	if !s.acceptableLocked(seg) {
		if seg.Flags&FlagACK != 0 && len(seg.Payload) == 0 && seg.Flags&(FlagSYN|FlagFIN) == 0 {
			s.sendAckLocked(sender)
		}
		return
	}

	// Step 2: RST.
	if seg.Flags&FlagRST != 0 {
		s.flags.reset = true
		s.state = Closed
		s.table.WakeAll(&s.state)
		if s.sendBuf != nil {
			s.table.WakeAll(s.sendBuf)
		}
		if s.recvBuf != nil {
			s.table.WakeAll(s.recvBuf)
		}
		return
	}

	// Step 3: in-window SYN forces RST.
	if seg.Flags&FlagSYN != 0 {
		sendRST(sender, s, seg)
		s.flags.reset = true
		s.state = Closed
		s.table.WakeAll(&s.state)
		return
	}

	// Step 4: ACKless segments dropped.
	if seg.Flags&FlagACK == 0 {
		return
	}

	// Step 5: ACK processing.
	if s.state == SynReceived {
		if seg.Ack == s.snd.UNA+1 {
			s.snd.UNA = seg.Ack
			s.state = Established
			s.table.WakeAll(&s.state)
		}
	}
	if seqGT(seg.Ack, s.snd.NXT) {
		s.sendAckLocked(sender)
		return
	}
	if seqGT(seg.Ack, s.snd.UNA) {
		acked := int(seg.Ack - s.snd.UNA)
		s.sendBuf.Advance(acked)
		s.snd.UNA = seg.Ack
		s.sentOffset -= acked
		if s.sentOffset < 0 {
			s.sentOffset = 0
		}
		s.table.WakeAll(s.sendBuf)
	}
	switch s.state {
	case FinWait1:
		if s.finSent && seg.Ack == s.snd.NXT {
			s.state = FinWait2
		}
	case Closing:
		if s.finSent && seg.Ack == s.snd.NXT {
			s.state = TimeWait
			s.timeWaitAt = time.Now()
		}
	case LastAck:
		if s.finSent && seg.Ack == s.snd.NXT {
			s.state = Closed
			s.table.WakeAll(&s.state)
		}
	}

	// Step 6: urgent pointer recorded, not surfaced.
	if seg.Flags&FlagURG != 0 {
		s.rcv.UP = seg.Urgent
	}

	// Step 7: data.
	if len(seg.Payload) > 0 && (s.state == Established || s.state == FinWait1 || s.state == FinWait2) {
		if seg.Seq == s.rcv.NXT {
			n := s.recvBuf.Write(seg.Payload)
			s.rcv.NXT += uint32(n)
			s.rcv.WND = uint16(s.recvBuf.Free())
			s.table.WakeAll(s.recvBuf)
		}
		s.sendAckLocked(sender)
	}

	// Step 8: FIN.
	if seg.Flags&FlagFIN != 0 && seg.Seq+uint32(len(seg.Payload)) == s.rcv.NXT {
		s.rcv.NXT++
		switch s.state {
		case Established:
			s.state = CloseWait
			s.table.WakeAll(s.recvBuf)
		case FinWait1:
			s.state = Closing
		case FinWait2:
			s.state = TimeWait
			s.timeWaitAt = time.Now()
		}
		s.table.WakeAll(&s.state)
		s.sendAckLocked(sender)
	}
}

func (s *Socket) handleSynSentLocked(sender Sender, seg Segment) {
	if seg.Flags&FlagRST != 0 {
		if seg.Flags&FlagACK != 0 && seg.Ack == s.snd.NXT {
			s.flags.reset = true
			s.state = Closed
			s.table.WakeAll(&s.state)
		}
		return
	}
	if seg.Flags&FlagSYN == 0 {
		return
	}
	s.rcv.IRS = seg.Seq
	s.rcv.NXT = seg.Seq + 1
	s.snd.MSS = orDefaultMSS(seg.MSS)

	switch {
	case seg.Flags&FlagACK != 0 && seg.Ack == s.snd.NXT:
		s.snd.UNA = seg.Ack
		s.state = Established
		s.sendAckLocked(sender)
		s.table.WakeAll(&s.state)
	default:
		// Simultaneous open: both sides sent SYN with no ACK yet.
		s.state = SynReceived
		seg := BuildSegment(Segment{
			SrcPort: s.Local.Port, DstPort: s.Remote.Port,
			Seq: s.snd.ISS, Ack: s.rcv.NXT, Flags: FlagSYN | FlagACK,
			Window: DefaultBufferSize, MSS: s.snd.MSS,
		}, localV4(s.Local), localV4(s.Remote))
		sendSegment(sender, s, seg)
	}
}

func orDefaultMSS(mss uint16) uint16 {
	if mss == 0 {
		return defaultMSS
	}
	return mss
}

func (s *Socket) acceptableLocked(seg Segment) bool {
	if seg.Flags&FlagACK != 0 && len(seg.Payload) == 0 && seg.Flags&(FlagSYN|FlagFIN) == 0 {
		return true
	}
	segLen := seg.Len()
	if segLen == 0 {
		return s.rcv.WND == 0 && seg.Seq == s.rcv.NXT || (s.rcv.WND > 0 && seqInWindow(seg.Seq, s.rcv.NXT, s.rcv.WND))
	}
	if s.rcv.WND == 0 {
		return false
	}
	return seqInWindow(seg.Seq, s.rcv.NXT, s.rcv.WND) || seqInWindow(seg.Seq+segLen-1, s.rcv.NXT, s.rcv.WND)
}

func seqInWindow(seq, nxt uint32, wnd uint16) bool {
	offset := seq - nxt
	return offset < uint32(wnd)
}

func seqGT(a, b uint32) bool { return int32(a-b) > 0 }

func (s *Socket) sendAckLocked(sender Sender) {
	seg := BuildSegment(Segment{
		SrcPort: s.Local.Port, DstPort: s.Remote.Port,
		Seq: s.snd.NXT, Ack: s.rcv.NXT, Flags: FlagACK, Window: s.rcv.WND,
	}, localV4(s.Local), localV4(s.Remote))
	sendSegment(sender, s, seg)
}

func sendRST(sender Sender, s *Socket, seg Segment) {
	out := StatelessReset(s.Local, s.Remote, seg)
	sender.SendTCP(s.Local, s.Remote, out)
}

// StatelessReset builds the RST spec.md §4.7 describes for a segment
// that matched no socket: if the incoming ACK bit was set, the RST's
// sequence is the incoming ACK with no ACK bit; otherwise the RST's ACK
// is the incoming seq plus segment length (SYN/FIN counting as one),
// with ACK set and sequence zero.
func StatelessReset(local, remote socket.Addr, in Segment) []byte {
	var out Segment
	out.SrcPort, out.DstPort = in.DstPort, in.SrcPort
	out.Flags = FlagRST
	if in.Flags&FlagACK != 0 {
		out.Seq = in.Ack
	} else {
		out.Ack = in.Seq + in.Len()
		out.Flags |= FlagACK
	}
	return BuildSegment(out, localV4(local), localV4(remote))
}
