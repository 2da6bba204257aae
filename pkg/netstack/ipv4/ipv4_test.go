package ipv4

import (
	"bytes"
	"testing"
	"time"
)

func TestBuildAndParseHeaderRoundTrips(t *testing.T) {
	h := Header{TTL: 64, Protocol: ProtoUDP, ID: 7, Src: [4]byte{10, 0, 0, 1}, Dst: [4]byte{10, 0, 0, 2}}
	payload := []byte("hello")
	datagram := BuildHeader(h, payload)

	parsed, ihl, err := ParseHeader(datagram)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ihl != HeaderLen {
		t.Fatalf("expected ihl %d, got %d", HeaderLen, ihl)
	}
	if parsed.Src != h.Src || parsed.Dst != h.Dst || parsed.Protocol != h.Protocol || parsed.ID != h.ID {
		t.Fatalf("header mismatch: %+v", parsed)
	}
	if !bytes.Equal(datagram[ihl:], payload) {
		t.Fatal("payload mismatch")
	}
}

func TestParseHeaderRejectsShortBuffer(t *testing.T) {
	if _, _, err := ParseHeader([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error on short buffer")
	}
}

func TestReassemblerReturnsWholeDatagramWithoutFragmentation(t *testing.T) {
	r := NewReassembler()
	h := Header{Protocol: ProtoUDP, ID: 1}
	got, ok := r.Deliver(h, []byte("whole"))
	if !ok || string(got) != "whole" {
		t.Fatalf("expected immediate delivery, got %v %v", got, ok)
	}
}

func TestReassemblerJoinsTwoFragments(t *testing.T) {
	r := NewReassembler()
	first := Header{Protocol: ProtoUDP, ID: 42, Flags: flagMoreFragments, FragOff: 0}
	second := Header{Protocol: ProtoUDP, ID: 42, Flags: 0, FragOff: 8}

	payload1 := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	payload2 := []byte{9, 10}

	_, ok := r.Deliver(first, payload1)
	if ok {
		t.Fatal("first fragment alone must not be complete")
	}
	full, ok := r.Deliver(second, payload2)
	if !ok {
		t.Fatal("expected completion after second fragment")
	}
	want := append(append([]byte{}, payload1...), payload2...)
	if !bytes.Equal(full, want) {
		t.Fatalf("reassembled mismatch: got %v want %v", full, want)
	}
}

func TestReassemblerExpiresStaleFragments(t *testing.T) {
	r := NewReassembler()
	h := Header{Protocol: ProtoUDP, ID: 5, Flags: flagMoreFragments}
	r.Deliver(h, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	r.Expire(time.Now().Add(ReassemblyTimeout + time.Second))

	if len(r.parts) != 0 {
		t.Fatalf("expected stale fragment to be dropped, still have %d", len(r.parts))
	}
}

func TestRouteTablePrefersDirectlyConnectedSubnet(t *testing.T) {
	rt := NewRouteTable()
	rt.AddRoute(&Route{
		Subnet:  [4]byte{10, 0, 0, 0},
		Mask:    [4]byte{255, 255, 255, 0},
		Gateway: [4]byte{},
	})
	rt.AddRoute(&Route{
		Subnet:  [4]byte{0, 0, 0, 0},
		Mask:    [4]byte{0, 0, 0, 0},
		Gateway: [4]byte{10, 0, 0, 254},
	})

	route, nextHop, ok := rt.Lookup([4]byte{10, 0, 0, 5})
	if !ok {
		t.Fatal("expected route")
	}
	if nextHop != ([4]byte{10, 0, 0, 5}) {
		t.Fatalf("expected on-link next hop == dst, got %v", nextHop)
	}
	if route.Gateway != ([4]byte{}) {
		t.Fatal("expected directly-connected route")
	}
}

func TestRouteTableFallsBackToGateway(t *testing.T) {
	rt := NewRouteTable()
	rt.AddRoute(&Route{
		Subnet:  [4]byte{10, 0, 0, 0},
		Mask:    [4]byte{255, 255, 255, 0},
		Gateway: [4]byte{},
	})
	rt.AddRoute(&Route{
		Subnet:  [4]byte{0, 0, 0, 0},
		Mask:    [4]byte{0, 0, 0, 0},
		Gateway: [4]byte{10, 0, 0, 254},
	})

	_, nextHop, ok := rt.Lookup([4]byte{8, 8, 8, 8})
	if !ok {
		t.Fatal("expected default route")
	}
	if nextHop != ([4]byte{10, 0, 0, 254}) {
		t.Fatalf("expected gateway as next hop, got %v", nextHop)
	}
}
