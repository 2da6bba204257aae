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
	"sync"
	"time"

	"reefos.dev/kernel/pkg/genwait"
	"reefos.dev/kernel/pkg/netstack/socket"
	"reefos.dev/kernel/pkg/syncutil"
)

// State is one of the RFC 793 connection states (spec.md §4.7).
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN-SENT"
	case SynReceived:
		return "SYN-RECEIVED"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN-WAIT-1"
	case FinWait2:
		return "FIN-WAIT-2"
	case CloseWait:
		return "CLOSE-WAIT"
	case Closing:
		return "CLOSING"
	case LastAck:
		return "LAST-ACK"
	case TimeWait:
		return "TIME-WAIT"
	default:
		return "?"
	}
}

// Flags carried in the same control word as State (spec.md §4.7).
type connFlags struct {
	reset     bool
	accepting bool
}

// RetransmissionTimeout is the default RTO before a SYN/SYN-ACK/data
// segment is resent (spec.md §4.7).
const RetransmissionTimeout = 2000 * time.Millisecond

// MSL is the maximum segment lifetime; TimeWait holds the socket for 2*MSL.
const MSL = 15 * time.Second

// sendRecord tracks the send-side sequence space (RFC 793 §3.2).
type sendRecord struct {
	ISS, UNA, NXT uint32
	WND           uint16
	WL1, WL2      uint32
	MSS           uint16
}

// recvRecord tracks the receive-side sequence space.
type recvRecord struct {
	NXT, IRS uint32
	WND      uint16
	UP       uint32
}

// pendingConn is a half-open connection sitting in a listening socket's
// accept queue (spec.md §4.7: "not yet a full socket").
type pendingConn struct {
	remote  socket.Addr
	peerISS uint32
	peerMSS uint16
	peerWnd uint16
}

// Socket is a TCP connection or listener. Every field below is guarded
// by mu; the "flavor" in play is determined by state: Listen uses only
// the queue fields, Closed/freshly-created uses neither, everything else
// is a data socket using the buffers and send/recv records.
type Socket struct {
	socket.Header

	mu    sync.Mutex
	state State
	flags connFlags

	// Listening flavor.
	backlog      int
	queue        []pendingConn
	acceptWaiter *syncutil.Condvar

	// Data flavor.
	sendBuf    *ringBuffer
	recvBuf    *ringBuffer
	snd        sendRecord
	rcv        recvRecord
	sentOffset int // bytes beyond snd.UNA already transmitted at least once
	lastSent   time.Time
	finQueued  bool
	finSent    bool
	closeRequested bool
	timeWaitAt time.Time

	table *genwait.Table
}

// New creates a freshly-created socket in the Closed state.
func New(domain socket.Domain, table *genwait.Table) *Socket {
	return &Socket{
		Header: socket.Header{Domain: domain, Proto: socket.ProtoTCP, Flags: socket.Flags{HopLimit: 64}},
		state:  Closed,
		table:  table,
	}
}

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listen reserves the accept queue and transitions Closed -> Listen.
func (s *Socket) Listen(backlog int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Listen
	s.backlog = backlog
	s.acceptWaiter = syncutil.NewCondvar(s.table)
}

func isn() uint32 {
	// A monotonic high-resolution-timer-derived ISN, as spec.md §4.7
	// describes ("picks an ISS from the high-resolution timer").
	return uint32(time.Now().UnixNano())
}

func (s *Socket) allocateDataBuffers() {
	s.sendBuf = newRingBuffer(DefaultBufferSize)
	s.recvBuf = newRingBuffer(DefaultBufferSize)
}
