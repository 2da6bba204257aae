package socket

import "testing"

func TestMappedV4RoundTrips(t *testing.T) {
	a := MappedV4([4]byte{192, 168, 1, 1}, 8080)
	ip, ok := a.V4()
	if !ok {
		t.Fatal("expected v4-mapped address to report ok")
	}
	if ip != ([4]byte{192, 168, 1, 1}) {
		t.Fatalf("unexpected round-trip: %v", ip)
	}
}

func TestBindAutoPicksEphemeralPort(t *testing.T) {
	list := NewList()
	h := &Header{Domain: DomainIPv4, Proto: ProtoUDP}
	if err := list.Bind(h); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if h.Local.Port < EphemeralBase {
		t.Fatalf("expected ephemeral port >= %d, got %d", EphemeralBase, h.Local.Port)
	}
}

func TestBindRejectsDuplicatePort(t *testing.T) {
	list := NewList()
	h1 := &Header{Domain: DomainIPv4, Proto: ProtoUDP, Local: Addr{Port: 5000}}
	h2 := &Header{Domain: DomainIPv4, Proto: ProtoUDP, Local: Addr{Port: 5000}}
	if err := list.Bind(h1); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := list.Bind(h2); err == nil {
		t.Fatal("expected second bind to the same port to fail")
	}
}

func TestLookupPrefersConnectedSocket(t *testing.T) {
	list := NewList()
	unconnected := &Header{Domain: DomainIPv4, Proto: ProtoUDP, Local: Addr{Port: 53}}
	connected := &Header{Domain: DomainIPv4, Proto: ProtoUDP, Local: Addr{Port: 53}, Remote: Addr{Port: 9999}}
	list.Add(unconnected)
	list.Add(connected)

	got := list.Lookup(DomainIPv4, Addr{Port: 53}, Addr{Port: 9999}, ProtoUDP)
	if got != connected {
		t.Fatal("expected the connected socket to win the match")
	}
}

func TestMatchesRejectsV6OnlyFromV4(t *testing.T) {
	h := &Header{Domain: DomainIPv6, Proto: ProtoUDP, Local: Addr{Port: 80}, Flags: Flags{V6Only: true}}
	if h.Matches(DomainIPv4, Addr{Port: 80}, Addr{}, ProtoUDP) {
		t.Fatal("expected V6Only socket to reject a v4 packet")
	}
}
