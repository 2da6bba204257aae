package icmp6

import (
	"testing"

	"reefos.dev/kernel/pkg/netstack/ndp"
)

type fakeSender struct {
	dst [16]byte
	pkt []byte
}

func (f *fakeSender) Send(src, dst [16]byte, nextHeader byte, payload []byte) error {
	f.dst = dst
	f.pkt = payload
	return nil
}

func TestHandleEchoRequestSendsReply(t *testing.T) {
	req := buildPacket(TypeEchoRequest, 0, []byte("ping"), [16]byte{1}, [16]byte{2})
	sender := &fakeSender{}
	Handle(sender, ndp.NewCache(), nil, [16]byte{1}, [16]byte{2}, req)

	h, body, err := parseHeader(sender.pkt)
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	if h.Type != TypeEchoReply || string(body) != "ping" {
		t.Fatalf("unexpected reply: %+v %q", h, body)
	}
}

func TestNeighborSolicitationRecordsRequesterAndReplies(t *testing.T) {
	target := [16]byte{0xfe, 0x80, 15: 1}
	body := make([]byte, 28)
	copy(body[4:20], target[:])
	body[20], body[21] = 1, 1 // source link-layer address option, length 1 (8 bytes)
	copy(body[22:28], []byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff})
	req := buildPacket(TypeNeighborSolicitation, 0, body, [16]byte{0xfe, 0x80, 15: 2}, target)

	sender := &fakeSender{}
	neigh := ndp.NewCache()
	src := [16]byte{0xfe, 0x80, 15: 2}
	Handle(sender, neigh, nil, src, target, req)

	if hw, ok := neigh.Lookup(src); !ok || hw != ([6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}) {
		t.Fatalf("expected requester's link-layer address recorded, got %v ok=%v", hw, ok)
	}
	h, _, err := parseHeader(sender.pkt)
	if err != nil || h.Type != TypeNeighborAdvertisement {
		t.Fatalf("expected neighbor advertisement reply, got %+v err=%v", h, err)
	}
}

type fakeInstaller struct {
	prefix    [16]byte
	prefixLen int
}

func (f *fakeInstaller) InstallPrefix(prefix [16]byte, prefixLen int, gateway [16]byte) error {
	f.prefix, f.prefixLen = prefix, prefixLen
	return nil
}

func TestRouterAdvertisementInstallsPrefix(t *testing.T) {
	body := make([]byte, 12+32)
	opts := body[12:]
	opts[0], opts[1] = 3, 4 // Prefix Information, length 4*8=32
	opts[2] = 64            // prefix length
	copy(opts[16:32], []byte{0x20, 0x01, 0x0d, 0xb8})

	req := buildPacket(TypeRouterAdvertisement, 0, body, [16]byte{0xfe, 0x80, 15: 1}, [16]byte{0xff, 0x02})
	installer := &fakeInstaller{}
	Handle(&fakeSender{}, ndp.NewCache(), installer, [16]byte{0xfe, 0x80, 15: 1}, [16]byte{0xff, 0x02}, req)

	if installer.prefixLen != 64 || installer.prefix[0] != 0x20 {
		t.Fatalf("expected prefix installed, got %+v", installer)
	}
}
