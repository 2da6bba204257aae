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

package device

import (
	"errors"
	"fmt"
	"net"

	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"
	"github.com/vishvananda/netlink"
	"golang.org/x/net/bpf"
)

// EtherType values recognized on the wire (spec.md §6.2).
const (
	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806
	EtherTypeIPv6 = 0x86DD
)

// BuildFrame marshals an Ethernet II frame around payload using
// github.com/mdlayher/ethernet rather than hand-rolling the 14-byte
// header, the same library the rest of the pack reaches for to frame
// raw AF_PACKET traffic.
func BuildFrame(dst, src [6]byte, etherType uint16, payload []byte) ([]byte, error) {
	f := &ethernet.Frame{
		Destination: net.HardwareAddr(dst[:]),
		Source:      net.HardwareAddr(src[:]),
		EtherType:   ethernet.EtherType(etherType),
		Payload:     payload,
	}
	return f.MarshalBinary()
}

// ParseFrame unmarshals an Ethernet II frame, returning its addresses,
// EtherType, and payload.
func ParseFrame(raw []byte) (dst, src [6]byte, etherType uint16, payload []byte, err error) {
	var f ethernet.Frame
	if err := f.UnmarshalBinary(raw); err != nil {
		return dst, src, 0, nil, err
	}
	copy(dst[:], f.Destination)
	copy(src[:], f.Source)
	return dst, src, uint16(f.EtherType), f.Payload, nil
}

// Ethernet is the abstract network interface contract pkg/netstack is
// built against (spec.md §6.2): init/detect/start/stop/shutdown plus
// blocking tx/rx and multicast filter updates.
type Ethernet interface {
	Init() error
	Detect() (bool, error)
	Start() error
	Stop() error
	Shutdown() error
	Tx(frame []byte, blocking bool) error
	Rx() ([]byte, error)
	SetMulticast(addrs [][6]byte) error
	HardwareAddr() [6]byte
	MTU() int
}

// RawEthernet drives a real NIC through an AF_PACKET socket, the hosted
// equivalent of the original's bare-metal NIC driver. Interface lookup
// goes through netlink the way a modern Go network tool enumerates
// links; the datapath itself goes through github.com/mdlayher/packet,
// which wraps the same AF_PACKET syscalls golang.org/x/sys/unix exposes.
type RawEthernet struct {
	ifaceName string
	link      netlink.Link
	conn      *packet.Conn
	hwAddr    [6]byte
	mtu       int
}

// NewRawEthernet prepares (but does not open) a raw Ethernet device
// bound to the named host interface.
func NewRawEthernet(ifaceName string) *RawEthernet {
	return &RawEthernet{ifaceName: ifaceName}
}

func (e *RawEthernet) Init() error {
	link, err := netlink.LinkByName(e.ifaceName)
	if err != nil {
		return fmt.Errorf("device: netlink lookup %s: %w", e.ifaceName, err)
	}
	e.link = link
	attrs := link.Attrs()
	e.mtu = attrs.MTU
	if len(attrs.HardwareAddr) == 6 {
		copy(e.hwAddr[:], attrs.HardwareAddr)
	}
	return nil
}

func (e *RawEthernet) Detect() (bool, error) {
	if e.link == nil {
		return false, nil
	}
	return e.link.Attrs().OperState == netlink.OperUp, nil
}

func (e *RawEthernet) Start() error {
	if e.link == nil {
		return errors.New("device: Start called before Init")
	}
	ifi, err := net.InterfaceByName(e.ifaceName)
	if err != nil {
		return fmt.Errorf("device: lookup %s: %w", e.ifaceName, err)
	}
	conn, err := packet.Listen(ifi, packet.Raw, int(ethernetTypeAll), nil)
	if err != nil {
		return fmt.Errorf("device: packet.Listen %s: %w", e.ifaceName, err)
	}
	e.conn = conn
	filter, err := etherTypeFilter()
	if err != nil {
		conn.Close()
		return fmt.Errorf("device: assemble BPF filter: %w", err)
	}
	if err := conn.SetBPF(filter); err != nil {
		conn.Close()
		return fmt.Errorf("device: attach BPF filter %s: %w", e.ifaceName, err)
	}
	if err := netlink.LinkSetUp(e.link); err != nil {
		conn.Close()
		return fmt.Errorf("device: link up %s: %w", e.ifaceName, err)
	}
	return nil
}

// etherTypeFilter assembles a classic BPF program that accepts only
// the EtherTypes pkg/netstack knows how to dispatch (ARP, IPv4, IPv6)
// and drops everything else at the kernel socket filter, before it
// ever reaches the rx pump thread.
func etherTypeFilter() ([]bpf.RawInstruction, error) {
	const snaplen = 1 << 18
	return bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: EtherTypeIPv4, SkipTrue: 3},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: EtherTypeARP, SkipTrue: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: EtherTypeIPv6, SkipTrue: 1},
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: snaplen},
	})
}

func (e *RawEthernet) Stop() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

func (e *RawEthernet) Shutdown() error {
	return e.Stop()
}

func (e *RawEthernet) Tx(frame []byte, blocking bool) error {
	if e.conn == nil {
		return errors.New("device: Tx before Start")
	}
	addr := &packet.Addr{HardwareAddr: frame[0:6]}
	_, err := e.conn.WriteTo(frame, addr)
	return err
}

func (e *RawEthernet) Rx() ([]byte, error) {
	if e.conn == nil {
		return nil, errors.New("device: Rx before Start")
	}
	buf := make([]byte, 65536)
	n, _, err := e.conn.ReadFrom(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// SetMulticast asks the kernel to join the given multicast hardware
// addresses on this interface (used by IPv4 IGMP and IPv6 MLD/NDP).
func (e *RawEthernet) SetMulticast(addrs [][6]byte) error {
	for _, a := range addrs {
		mac := make([]byte, 6)
		copy(mac, a[:])
		if err := netlink.LinkSetMulticastMAC(e.link, mac); err != nil {
			return fmt.Errorf("device: join multicast %x: %w", a, err)
		}
	}
	return nil
}

func (e *RawEthernet) HardwareAddr() [6]byte { return e.hwAddr }
func (e *RawEthernet) MTU() int              { return e.mtu }

const ethernetTypeAll = 0x0003 // ETH_P_ALL
