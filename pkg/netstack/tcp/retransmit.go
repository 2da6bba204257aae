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

// RetransmitInterval is how often the periodic callback below should be
// driven (spec.md §4.7: "every 50 ms").
const RetransmitInterval = 50 * time.Millisecond

// Tick runs the periodic retransmission/close/time-wait callback over
// every socket in list (spec.md §4.7). It is meant to be driven by a
// single scheduler-spawned thread ticking at RetransmitInterval.
func Tick(sockets []*Socket, sender Sender, list *socket.List, now time.Time) {
	for _, s := range sockets {
		s.tickOne(sender, list, now)
	}
}

func (s *Socket) tickOne(sender Sender, list *socket.List, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case SynSent:
		if now.Sub(s.lastSent) > RetransmissionTimeout {
			seg := BuildSegment(Segment{
				SrcPort: s.Local.Port, DstPort: s.Remote.Port,
				Seq: s.snd.ISS, Flags: FlagSYN, Window: DefaultBufferSize, MSS: s.snd.MSS,
			}, localV4(s.Local), localV4(s.Remote))
			s.lastSent = now
			sendSegment(sender, s, seg)
		}

	case SynReceived:
		if now.Sub(s.lastSent) > RetransmissionTimeout {
			seg := BuildSegment(Segment{
				SrcPort: s.Local.Port, DstPort: s.Remote.Port,
				Seq: s.snd.ISS, Ack: s.rcv.NXT, Flags: FlagSYN | FlagACK, Window: DefaultBufferSize, MSS: s.snd.MSS,
			}, localV4(s.Local), localV4(s.Remote))
			s.lastSent = now
			sendSegment(sender, s, seg)
		}

	case Established, CloseWait:
		if s.sentOffset > 0 && now.Sub(s.lastSent) > RetransmissionTimeout {
			s.sentOffset = 0 // resend from SND.UNA
			s.unlockedSendPending(sender)
		}
		if s.closeRequested && s.finQueued && s.sendBuf.Len() == s.sentOffset {
			s.finQueued = false
			s.sendFinLocked(sender)
			if s.state == Established {
				s.state = FinWait1
			} else {
				s.state = LastAck
			}
		}

	case TimeWait:
		if now.Sub(s.timeWaitAt) >= 2*MSL {
			list.Remove(&s.Header)
		}
	}
}

// unlockedSendPending is sendPending's body without re-acquiring mu,
// for callers (Tick) that already hold it.
func (s *Socket) unlockedSendPending(sender Sender) {
	for {
		unsent := s.sendBuf.Len() - s.sentOffset
		if unsent <= 0 {
			return
		}
		chunkLen := unsent
		if chunkLen > int(s.snd.MSS) {
			chunkLen = int(s.snd.MSS)
		}
		chunk := s.sendBuf.Peek(s.sentOffset, chunkLen)
		seg := BuildSegment(Segment{
			SrcPort: s.Local.Port, DstPort: s.Remote.Port,
			Seq: s.snd.NXT, Ack: s.rcv.NXT, Flags: FlagACK | FlagPSH, Window: s.rcv.WND,
			Payload: chunk,
		}, localV4(s.Local), localV4(s.Remote))
		s.snd.NXT += uint32(len(chunk))
		s.sentOffset += len(chunk)
		s.lastSent = time.Now()
		sendSegment(sender, s, seg)
	}
}
