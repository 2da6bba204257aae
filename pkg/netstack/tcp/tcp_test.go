package tcp

import (
	"testing"

	"reefos.dev/kernel/pkg/genwait"
	"reefos.dev/kernel/pkg/netstack/socket"
)

type fakeSender struct {
	segments [][]byte
}

func (f *fakeSender) SendTCP(local, remote socket.Addr, segment []byte) error {
	f.segments = append(f.segments, segment)
	return nil
}

func (f *fakeSender) last() Segment {
	seg, _ := ParseSegment(f.segments[len(f.segments)-1])
	return seg
}

func TestPassiveHandshakeReachesEstablished(t *testing.T) {
	table := genwait.NewTable(nil)
	list := socket.NewList()
	listener := New(socket.DomainIPv4, table)
	listener.Local = socket.MappedV4([4]byte{10, 0, 0, 1}, 80)
	listener.Listen(4)

	remote := socket.MappedV4([4]byte{10, 0, 0, 2}, 5000)
	synSeg := Segment{SrcPort: 5000, DstPort: 80, Seq: 1000, Flags: FlagSYN, Window: 8192, MSS: 1400}
	listener.HandleListener(remote, synSeg)

	sender := &fakeSender{}
	child, err := listener.Accept(nil, sender, list, table)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if child.State() != SynReceived {
		t.Fatalf("expected SynReceived after accept, got %v", child.State())
	}
	synAck := sender.last()
	if synAck.Flags&(FlagSYN|FlagACK) != FlagSYN|FlagACK {
		t.Fatalf("expected SYN,ACK, got flags %x", synAck.Flags)
	}

	ack := Segment{SrcPort: 5000, DstPort: 80, Seq: 1001, Ack: synAck.Seq + 1, Flags: FlagACK, Window: 8192}
	child.HandleData(sender, ack)
	if child.State() != Established {
		t.Fatalf("expected Established after final ACK, got %v", child.State())
	}
}

func TestDataTransferAndGracefulClose(t *testing.T) {
	table := genwait.NewTable(nil)
	sender := &fakeSender{}
	s := New(socket.DomainIPv4, table)
	s.Local = socket.MappedV4([4]byte{10, 0, 0, 1}, 80)
	s.Remote = socket.MappedV4([4]byte{10, 0, 0, 2}, 5000)
	s.allocateDataBuffers()
	s.snd = sendRecord{ISS: 100, UNA: 100, NXT: 101, MSS: defaultMSS}
	s.rcv = recvRecord{IRS: 999, NXT: 1000, WND: DefaultBufferSize}
	s.state = Established

	dataSeg := Segment{SrcPort: 5000, DstPort: 80, Seq: 1000, Ack: 101, Flags: FlagACK | FlagPSH, Window: 8192, Payload: []byte("hello")}
	s.HandleData(sender, dataSeg)

	buf := make([]byte, 16)
	n, err := s.Recv(nil, buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("expected hello, got %q", buf[:n])
	}

	list := socket.NewList()
	list.Add(&s.Header)
	if err := s.Close(sender, list); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if s.State() != FinWait1 {
		t.Fatalf("expected FinWait1 after close, got %v", s.State())
	}
	fin := sender.last()
	if fin.Flags&FlagFIN == 0 {
		t.Fatalf("expected FIN in close segment, got flags %x", fin.Flags)
	}
}

func TestStatelessResetReflectsAckOrSeq(t *testing.T) {
	withAck := Segment{SrcPort: 1, DstPort: 2, Seq: 500, Ack: 42, Flags: FlagACK}
	out := StatelessReset(socket.Addr{}, socket.Addr{}, withAck)
	parsed, _ := ParseSegment(out)
	if parsed.Seq != 42 || parsed.Flags&FlagACK != 0 {
		t.Fatalf("unexpected RST for ACKed segment: %+v", parsed)
	}

	noAck := Segment{SrcPort: 1, DstPort: 2, Seq: 500, Flags: FlagSYN}
	out = StatelessReset(socket.Addr{}, socket.Addr{}, noAck)
	parsed, _ = ParseSegment(out)
	if parsed.Ack != 501 || parsed.Flags&FlagACK == 0 {
		t.Fatalf("unexpected RST for non-ACKed SYN: %+v", parsed)
	}
}

func TestSegmentRoundTripsMSSOption(t *testing.T) {
	seg := Segment{SrcPort: 80, DstPort: 5000, Seq: 1, Flags: FlagSYN, Window: 8192, MSS: 1460}
	raw := BuildSegment(seg, [4]byte{1, 2, 3, 4}, [4]byte{5, 6, 7, 8})
	parsed, err := ParseSegment(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.MSS != 1460 {
		t.Fatalf("expected MSS 1460, got %d", parsed.MSS)
	}
}
