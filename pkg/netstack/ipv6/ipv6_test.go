package ipv6

import "testing"

func TestBuildAndParseHeaderRoundTrips(t *testing.T) {
	h := Header{NextHeader: NextHeaderUDP, HopLimit: 64, Src: [16]byte{1}, Dst: [16]byte{2}}
	payload := []byte("payload")
	datagram := BuildHeader(h, payload)

	parsed, err := ParseHeader(datagram)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.NextHeader != h.NextHeader || parsed.HopLimit != h.HopLimit {
		t.Fatalf("header mismatch: %+v", parsed)
	}
	if parsed.Src != h.Src || parsed.Dst != h.Dst {
		t.Fatalf("address mismatch: %+v", parsed)
	}
}

func TestSolicitedNodeMulticastUsesLastThreeBytes(t *testing.T) {
	target := [16]byte{0x20, 0x01, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x12, 0x34, 0x56, 0x78}
	m := SolicitedNodeMulticast(target)
	if m[0] != 0xff || m[1] != 0x02 || m[12] != 0xff {
		t.Fatalf("unexpected multicast prefix: %v", m)
	}
	if m[13] != 0x34 || m[14] != 0x56 || m[15] != 0x78 {
		t.Fatalf("expected last 3 bytes of target, got %v", m[13:16])
	}
}

func TestRouteTableMatchesPrefix(t *testing.T) {
	rt := NewRouteTable()
	rt.AddRoute(&Route{Prefix: [16]byte{0x20, 0x01, 0x0d, 0xb8}, PrefixLen: 32})

	dst := [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	route, ok := rt.Lookup(dst)
	if !ok || route.PrefixLen != 32 {
		t.Fatalf("expected prefix match, got %+v ok=%v", route, ok)
	}
}
