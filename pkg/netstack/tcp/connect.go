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

// Sender transmits a fully-built TCP segment over the matching IP layer.
type Sender interface {
	SendTCP(local, remote socket.Addr, segment []byte) error
}

// Connect actively opens a connection (spec.md §4.7 "Active"): picks an
// ISS, sends <SYN>, and (on a blocking socket) waits up to 2*MSL for the
// handshake to complete.
func (s *Socket) Connect(self *sched.Thread, sender Sender, remote socket.Addr) error {
	s.mu.Lock()
	if s.state != Closed {
		s.mu.Unlock()
		return errs.ErrAlreadyConnected
	}
	s.Remote = remote
	s.allocateDataBuffers()
	s.snd = sendRecord{ISS: isn(), MSS: defaultMSS}
	s.snd.UNA, s.snd.NXT = s.snd.ISS, s.snd.ISS+1
	s.state = SynSent
	nonBlock := s.Flags.NonBlock
	seg := BuildSegment(Segment{
		SrcPort: s.Local.Port, DstPort: remote.Port,
		Seq: s.snd.ISS, Flags: FlagSYN, Window: DefaultBufferSize, MSS: s.snd.MSS,
	}, localV4(s.Local), localV4(remote))
	s.lastSent = time.Now()
	s.mu.Unlock()

	if err := sendSegment(sender, s, seg); err != nil {
		return err
	}
	if nonBlock {
		return errs.ErrInProgress
	}
	return s.waitFor(self, Established, 2*MSL)
}

// waitFor blocks self on the socket's state object until state is
// reached, Reset is set, or timeout elapses.
func (s *Socket) waitFor(self *sched.Thread, want State, timeout time.Duration) error {
	s.mu.Lock()
	for s.state != want {
		if s.flags.reset {
			s.mu.Unlock()
			return errs.ErrConnectionReset
		}
		if self == nil {
			s.mu.Unlock()
			return errs.ErrWouldBlock
		}
		s.mu.Unlock()
		res := s.table.Wait(self, &s.state, "tcp-connect", int(timeout/time.Millisecond))
		if res != genwait.Ok {
			return errs.ErrTimedOut
		}
		s.mu.Lock()
	}
	s.mu.Unlock()
	return nil
}

// Accept pulls one pending connection off the listening queue, builds a
// real data socket for it, sends <SYN,ACK>, and registers the new socket
// in list. Blocks if the queue is empty on a blocking socket.
func (s *Socket) Accept(self *sched.Thread, sender Sender, list *socket.List, newTable *genwait.Table) (*Socket, error) {
	s.mu.Lock()
	for len(s.queue) == 0 {
		if s.state != Listen {
			s.mu.Unlock()
			return nil, errs.ErrInvalidArgument
		}
		if s.Flags.NonBlock {
			s.mu.Unlock()
			return nil, errs.ErrWouldBlock
		}
		if self == nil {
			s.mu.Unlock()
			return nil, errs.ErrWouldBlock
		}
		s.mu.Unlock()
		s.table.Wait(self, &s.queue, "tcp-accept", 0)
		s.mu.Lock()
	}
	// Mark Accepting for the critical section so a retransmitted SYN for
	// this pending conn isn't matched again before the new socket is
	// visible in list (spec.md §4.7).
	s.flags.accepting = true
	pc := s.queue[0]
	s.queue = s.queue[1:]
	local := s.Local
	s.mu.Unlock()

	child := New(s.Domain, newTable)
	child.Local = local
	child.Local.Port = s.Local.Port
	child.Remote = pc.remote
	child.allocateDataBuffers()
	child.snd = sendRecord{ISS: isn(), MSS: defaultMSS}
	child.snd.UNA, child.snd.NXT = child.snd.ISS, child.snd.ISS+1
	child.rcv = recvRecord{IRS: pc.peerISS, NXT: pc.peerISS + 1, WND: DefaultBufferSize}
	child.state = SynReceived

	seg := BuildSegment(Segment{
		SrcPort: local.Port, DstPort: pc.remote.Port,
		Seq: child.snd.ISS, Ack: child.rcv.NXT, Flags: FlagSYN | FlagACK,
		Window: DefaultBufferSize, MSS: child.snd.MSS,
	}, localV4(local), localV4(pc.remote))
	child.lastSent = time.Now()

	list.Add(&child.Header)

	s.mu.Lock()
	s.flags.accepting = false
	s.mu.Unlock()

	if err := sendSegment(sender, child, seg); err != nil {
		list.Remove(&child.Header)
		return nil, err
	}
	return child, nil
}

func sendSegment(sender Sender, s *Socket, seg []byte) error {
	return sender.SendTCP(s.Local, s.Remote, seg)
}

func localV4(a socket.Addr) [4]byte {
	ip, _ := a.V4()
	return ip
}

const defaultMSS = 1460
