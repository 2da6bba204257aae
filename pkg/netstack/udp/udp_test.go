package udp

import (
	"testing"

	"reefos.dev/kernel/pkg/genwait"
	"reefos.dev/kernel/pkg/netstack/socket"
)

type fakeSender struct {
	sentTo  socket.Addr
	payload []byte
}

func (f *fakeSender) SendUDP(domain socket.Domain, src, dst socket.Addr, proto socket.Proto, payload []byte) error {
	f.sentTo = dst
	f.payload = payload
	return nil
}

func TestSendToBuildsHeaderAndDeliverQueuesFIFO(t *testing.T) {
	s := New(socket.DomainIPv4, socket.ProtoUDP, genwait.NewTable(nil))
	s.Local = socket.MappedV4([4]byte{10, 0, 0, 1}, 5000)

	sender := &fakeSender{}
	dst := socket.MappedV4([4]byte{10, 0, 0, 2}, 6000)
	if err := s.SendTo(sender, dst, []byte("hi")); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	if sender.sentTo != dst {
		t.Fatalf("expected send to %v, got %v", dst, sender.sentTo)
	}

	s.Deliver(dst, sender.payload)
	from, payload, err := s.RecvFrom(nil)
	if err != nil {
		t.Fatalf("RecvFrom: %v", err)
	}
	if from != dst || string(payload) != "hi" {
		t.Fatalf("unexpected delivery: from=%v payload=%q", from, payload)
	}
}

func TestUDPLiteRecvCoverageDropsShortCoverage(t *testing.T) {
	s := New(socket.DomainIPv4, socket.ProtoUDPLite, genwait.NewTable(nil))
	s.Flags.RecvCoverage = 20

	packet := buildPacket(socket.ProtoUDPLite, 16, 1000, 2000, make([]byte, 30))
	s.Deliver(socket.Addr{}, packet)

	s.mu.Lock()
	n := len(s.queue)
	s.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected short-coverage packet to be dropped, queue has %d", n)
	}

	packet = buildPacket(socket.ProtoUDPLite, 24, 1000, 2000, make([]byte, 30))
	s.Deliver(socket.Addr{}, packet)
	s.mu.Lock()
	n = len(s.queue)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected sufficient-coverage packet to be delivered, queue has %d", n)
	}
}

func TestRecvFromNonBlockReturnsWouldBlockOnEmptyQueue(t *testing.T) {
	s := New(socket.DomainIPv4, socket.ProtoUDP, genwait.NewTable(nil))
	s.Flags.NonBlock = true

	if _, _, err := s.RecvFrom(nil); err == nil {
		t.Fatal("expected WouldBlock on empty queue")
	}
}
