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

	"reefos.dev/kernel/pkg/errs"
	"reefos.dev/kernel/pkg/genwait"
	"reefos.dev/kernel/pkg/netstack/socket"
	"reefos.dev/kernel/pkg/sched"
)

// Close implements the per-state close semantics of spec.md §4.7.
func (s *Socket) Close(sender Sender, list *socket.List) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Listen:
		if !s.flags.accepting {
			for _, pc := range s.queue {
				rst := StatelessReset(s.Local, pc.remote, Segment{Ack: pc.peerISS + 1, Flags: FlagACK})
				sender.SendTCP(s.Local, pc.remote, rst)
			}
			s.queue = nil
			s.state = Closed
			list.Remove(&s.Header)
		}
		return nil

	case SynSent:
		s.state = Closed
		list.Remove(&s.Header)
		return nil

	case SynReceived, Established:
		if s.sendBuf.Len() > s.sentOffset {
			s.closeRequested = true
			s.finQueued = true
			return nil
		}
		s.sendFinLocked(sender)
		s.state = FinWait1
		return nil

	case CloseWait:
		if s.sendBuf.Len() > s.sentOffset {
			s.closeRequested = true
			s.finQueued = true
			return nil
		}
		s.sendFinLocked(sender)
		s.state = LastAck
		return nil

	default:
		// FinWait1/2, Closing, LastAck, TimeWait, or Closed-with-Reset:
		// a close is either already in flight or the connection is gone.
		return nil
	}
}

func (s *Socket) sendFinLocked(sender Sender) {
	seg := BuildSegment(Segment{
		SrcPort: s.Local.Port, DstPort: s.Remote.Port,
		Seq: s.snd.NXT, Ack: s.rcv.NXT, Flags: FlagFIN | FlagACK, Window: s.rcv.WND,
	}, localV4(s.Local), localV4(s.Remote))
	s.snd.NXT++
	s.finSent = true
	s.lastSent = time.Now()
	sendSegment(sender, s, seg)
}

// Send copies as much of p as fits into the send buffer and kicks the
// send engine. It never blocks, whatever the socket's NonBlock flag:
// when p does not fit, it returns the count copied and ErrWouldBlock.
func (s *Socket) Send(sender Sender, p []byte) (int, error) {
	s.mu.Lock()
	if s.state != Established && s.state != CloseWait {
		s.mu.Unlock()
		return 0, errs.ErrNotConnected
	}
	n := s.sendBuf.Write(p)
	s.mu.Unlock()

	s.sendPending(sender)
	if n < len(p) {
		return n, errs.ErrWouldBlock
	}
	return n, nil
}

// sendPending emits segments for any send-buffer bytes not yet
// transmitted, bounded by MSS (spec.md §4.7 send engine).
func (s *Socket) sendPending(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlockedSendPending(sender)
}

// Recv consumes up to len(p) bytes from the receive buffer, blocking
// until data arrives unless self is nil, NonBlock is set, or the peer
// has closed/reset the connection.
func (s *Socket) Recv(self *sched.Thread, p []byte) (int, error) {
	for {
		s.mu.Lock()
		n := s.recvBuf.Read(p)
		if n > 0 {
			s.mu.Unlock()
			return n, nil
		}
		if s.state == CloseWait || s.state == Closed || s.flags.reset {
			s.mu.Unlock()
			return 0, nil // EOF
		}
		nonBlock := s.Flags.NonBlock
		recvBuf := s.recvBuf
		s.mu.Unlock()

		if nonBlock || self == nil {
			return 0, errs.ErrWouldBlock
		}
		if res := s.table.Wait(self, recvBuf, "tcp-recv", 0); res != genwait.Ok {
			return 0, errs.ErrInterrupted
		}
	}
}
