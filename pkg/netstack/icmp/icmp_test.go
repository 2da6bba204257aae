package icmp

import "testing"

type fakeSender struct {
	dst [4]byte
	pkt []byte
	sent bool
}

func (f *fakeSender) Send(src, dst [4]byte, protocol byte, id uint16, payload []byte) error {
	f.dst = dst
	f.pkt = payload
	f.sent = true
	return nil
}

func TestHandleEchoRequestSendsReply(t *testing.T) {
	req := BuildPacket(Header{Type: TypeEchoRequest, Identifier: 1, Sequence: 2}, []byte("ping"))
	sender := &fakeSender{}

	Handle(sender, [4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 1}, 99, req)

	if !sender.sent {
		t.Fatal("expected a reply to be sent")
	}
	if sender.dst != ([4]byte{10, 0, 0, 2}) {
		t.Fatalf("expected reply to go back to requester, got %v", sender.dst)
	}
	h, body, err := ParseHeader(sender.pkt)
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	if h.Type != TypeEchoReply || h.Identifier != 1 || h.Sequence != 2 {
		t.Fatalf("unexpected reply header: %+v", h)
	}
	if string(body) != "ping" {
		t.Fatalf("expected echoed body, got %q", body)
	}
}

func TestHandleRejectsBadChecksum(t *testing.T) {
	req := BuildPacket(Header{Type: TypeEchoRequest}, []byte("x"))
	req[2] ^= 0xff // corrupt checksum
	sender := &fakeSender{}

	Handle(sender, [4]byte{10, 0, 0, 2}, [4]byte{10, 0, 0, 1}, 1, req)

	if sender.sent {
		t.Fatal("expected no reply for corrupt checksum")
	}
}
