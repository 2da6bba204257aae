package arp

import (
	"encoding/binary"
	"testing"
	"time"
)

type fakeEthernet struct {
	hw   [6]byte
	sent [][]byte
}

func (f *fakeEthernet) Init() error                      { return nil }
func (f *fakeEthernet) Detect() (bool, error)            { return true, nil }
func (f *fakeEthernet) Start() error                      { return nil }
func (f *fakeEthernet) Stop() error                       { return nil }
func (f *fakeEthernet) Shutdown() error                   { return nil }
func (f *fakeEthernet) Rx() ([]byte, error)               { return nil, nil }
func (f *fakeEthernet) SetMulticast(addrs [][6]byte) error { return nil }
func (f *fakeEthernet) HardwareAddr() [6]byte             { return f.hw }
func (f *fakeEthernet) MTU() int                          { return 1500 }
func (f *fakeEthernet) Tx(frame []byte, blocking bool) error {
	f.sent = append(f.sent, frame)
	return nil
}

func TestResolveMissSendsRequestAndReportsNotOK(t *testing.T) {
	eth := &fakeEthernet{hw: [6]byte{1, 2, 3, 4, 5, 6}}
	c := NewCache(eth, [4]byte{10, 0, 0, 1})

	_, ok := c.Resolve([4]byte{10, 0, 0, 2}, nil)
	if ok {
		t.Fatal("expected miss on empty cache")
	}
	if len(eth.sent) != 1 {
		t.Fatalf("expected one ARP request sent, got %d", len(eth.sent))
	}
	op := binary.BigEndian.Uint16(eth.sent[0][20:22])
	if op != opRequest {
		t.Fatalf("expected opRequest, got %d", op)
	}
}

func TestHandleReplyResolvesAndFlushesPending(t *testing.T) {
	eth := &fakeEthernet{hw: [6]byte{1, 2, 3, 4, 5, 6}}
	c := NewCache(eth, [4]byte{10, 0, 0, 1})

	pending := []byte{0, 0, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 0x08, 0x00, 'h', 'i'}
	c.Resolve([4]byte{10, 0, 0, 2}, pending)

	reply := buildPacket(opReply, [6]byte{9, 9, 9, 9, 9, 9}, [4]byte{10, 0, 0, 2}, eth.hw, [4]byte{10, 0, 0, 1})
	c.HandleReply(reply)

	hw, ok := c.Resolve([4]byte{10, 0, 0, 2}, nil)
	if !ok {
		t.Fatal("expected resolved entry after reply")
	}
	if hw != ([6]byte{9, 9, 9, 9, 9, 9}) {
		t.Fatalf("unexpected resolved hw addr: %v", hw)
	}
	if len(eth.sent) != 2 {
		t.Fatalf("expected request + flushed pending frame, got %d sends", len(eth.sent))
	}
}

func TestExpireDropsStaleEntries(t *testing.T) {
	eth := &fakeEthernet{hw: [6]byte{1, 2, 3, 4, 5, 6}}
	c := NewCache(eth, [4]byte{10, 0, 0, 1})

	reply := buildPacket(opReply, [6]byte{9, 9, 9, 9, 9, 9}, [4]byte{10, 0, 0, 2}, eth.hw, [4]byte{10, 0, 0, 1})
	c.HandleReply(reply)

	c.Expire(time.Now().Add(EntryAge + time.Second))

	if _, ok := c.Resolve([4]byte{10, 0, 0, 2}, nil); ok {
		t.Fatal("expected entry to have expired")
	}
}
