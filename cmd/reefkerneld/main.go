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

// Command reefkerneld boots the console runtime: it brings up the
// scheduler, mounts every configured ext2 volume, brings up every
// configured network interface (static or DHCP-assigned), and then
// blocks until a user thread's failure leaves only housekeeping behind
// or the process receives a termination signal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"reefos.dev/kernel/pkg/config"
	"reefos.dev/kernel/pkg/device"
	"reefos.dev/kernel/pkg/errs"
	"reefos.dev/kernel/pkg/klog"
	"reefos.dev/kernel/pkg/netstack"
	"reefos.dev/kernel/pkg/netstack/arp"
	"reefos.dev/kernel/pkg/netstack/dhcp"
	"reefos.dev/kernel/pkg/netstack/icmp"
	"reefos.dev/kernel/pkg/netstack/icmp6"
	"reefos.dev/kernel/pkg/netstack/ipv4"
	"reefos.dev/kernel/pkg/netstack/ipv6"
	"reefos.dev/kernel/pkg/netstack/ndp"
	"reefos.dev/kernel/pkg/sched"
	"reefos.dev/kernel/pkg/vfs"
)

var (
	configPath = flag.String("config", "", "path to boot configuration JSON (defaults to a single DHCP interface, no mounts)")
	verbosity  = flag.Int("v", 0, "log verbosity")
)

var log = klog.New("reefkerneld")

func usage() {
	fmt.Fprintf(os.Stderr, "usage: reefkerneld [-config path] [-v level]\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	klog.SetVerbosity(*verbosity)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}

	mode := sched.ModePreemptive
	if cfg.Scheduler == config.ModeCooperative {
		mode = sched.ModeCooperative
	}
	s := sched.New(mode, cfg.TickHz)

	mounts := mountAll(cfg.Mounts)
	defer unmountAll(mounts)

	ifaces := bringUpAll(s, cfg.Net)
	defer shutdownAll(ifaces)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() { s.Wait(); close(done) }()

	select {
	case sig := <-sigc:
		log.Printf("signal %s received, shutting down", sig)
	case <-done:
		log.Printf("scheduler idle: no user threads left, shutting down")
	}
	s.Shutdown()
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		log.Printf("no -config given; using default boot configuration")
		return config.Default(), nil
	}
	return config.Load(path)
}

// mountAll opens and mounts every configured ext2 volume. A volume that
// fails to mount is logged and skipped rather than aborting boot — the
// console still comes up with whatever storage is available, matching
// the original runtime's "mount failure doesn't halt the kernel" init
// order.
func mountAll(cfgs []config.Mount) []*vfs.Filesystem {
	var mounted []*vfs.Filesystem
	for _, m := range cfgs {
		dev, err := device.OpenFileBlockDevice(m.Device, 9, m.ReadOnly) // 512-byte sectors
		if err != nil {
			log.Printf("open %s: %v", m.Device, err)
			continue
		}
		fs, err := vfs.Mount(dev, m.ReadOnly)
		if err != nil {
			log.Printf("mount %s at %s: %v", m.Device, m.MountPoint, err)
			dev.Shutdown()
			continue
		}
		log.Printf("mounted %s at %s (read-only=%v)", m.Device, m.MountPoint, m.ReadOnly)
		mounted = append(mounted, fs)
	}
	return mounted
}

func unmountAll(mounts []*vfs.Filesystem) {
	for _, fs := range mounts {
		if err := fs.Sync(); err != nil {
			log.Printf("sync: %v", err)
		}
	}
}

// ifaceState holds what bringUpAll created for one interface, enough to
// shut it down cleanly.
type ifaceState struct {
	eth device.Ethernet
}

// bringUpAll brings up every configured interface concurrently via
// errgroup — each interface's netlink/AF_PACKET setup is an independent
// blocking syscall sequence, so boot time scales with the slowest
// interface rather than the sum of all of them. A failure on one
// interface is logged and that interface is skipped; it never aborts
// the others, so g.Wait()'s own return is discarded.
func bringUpAll(s *sched.Scheduler, cfgs []config.Net) []*ifaceState {
	var (
		mu sync.Mutex
		up []*ifaceState
		g  errgroup.Group
	)
	for _, n := range cfgs {
		g.Go(func() error {
			eth := device.NewRawEthernet(n.Interface)
			if err := eth.Init(); err != nil {
				log.Printf("init %s: %v", n.Interface, err)
				return nil
			}
			if err := eth.Start(); err != nil {
				log.Printf("start %s: %v", n.Interface, err)
				return nil
			}
			mu.Lock()
			up = append(up, &ifaceState{eth: eth})
			mu.Unlock()

			rt4 := ipv4.NewRouteTable()
			rt6 := ipv6.NewRouteTable()
			neigh6 := ndp.NewCache()
			neigh4 := &neighBox{}

			if n.DHCP {
				go runDHCP(n.Interface, eth, rt4, neigh4)
			} else {
				addr, mask, gw, err := parseStaticNet(n)
				if err != nil {
					log.Printf("static config for %s: %v", n.Interface, err)
				} else {
					installRoute(rt4, eth, addr, mask, gw, neigh4)
				}
			}

			s.Spawn(n.Interface+"-rx", true, rxPumpEntry(n.Interface, eth, rt4, rt6, neigh4, neigh6), nil)
			return nil
		})
	}
	g.Wait()
	return up
}

func shutdownAll(ifaces []*ifaceState) {
	for _, it := range ifaces {
		if err := it.eth.Shutdown(); err != nil {
			log.Printf("shutdown interface: %v", err)
		}
	}
}

func parseStaticNet(n config.Net) (addr, mask, gw [4]byte, err error) {
	addr, err = parseIPv4(n.Address)
	if err != nil {
		return
	}
	mask, err = parseIPv4(n.Netmask)
	if err != nil {
		return
	}
	if n.Gateway != "" {
		gw, err = parseIPv4(n.Gateway)
	}
	return
}

func parseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	var a, b, c, d int
	if n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d); n != 4 || err != nil {
		return out, fmt.Errorf("invalid IPv4 address %q", s)
	}
	out = [4]byte{byte(a), byte(b), byte(c), byte(d)}
	return out, nil
}

// neighBox holds the ARP cache currently in effect for one interface.
// It exists because the real cache can't be built until an address is
// known (static config, or a DHCP lease arriving later), while the rx
// pump thread needs a stable handle to dispatch inbound ARP frames to
// from the moment the interface comes up.
type neighBox struct {
	mu sync.RWMutex
	c  *arp.Cache
}

func (b *neighBox) get() *arp.Cache {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.c
}

func (b *neighBox) set(c *arp.Cache) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.c = c
}

func installRoute(rt4 *ipv4.RouteTable, eth device.Ethernet, addr, mask, gw [4]byte, box *neighBox) {
	neigh := arp.NewCache(eth, addr)
	box.set(neigh)
	rt4.AddRoute(&ipv4.Route{
		Iface:   eth,
		Neigh:   neigh,
		LocalIP: addr,
		Subnet:  subnetOf(addr, mask),
		Mask:    mask,
	})
	if gw != ([4]byte{}) {
		rt4.AddRoute(&ipv4.Route{Iface: eth, Neigh: neigh, LocalIP: addr, Gateway: gw})
	}
}

func subnetOf(addr, mask [4]byte) [4]byte {
	var out [4]byte
	for i := range out {
		out[i] = addr[i] & mask[i]
	}
	return out
}

// runDHCP drives the DHCPv4 client for one interface and installs the
// first successful lease as a route. Renewals call the installer again,
// but this wiring layer installs only once per interface bring-up;
// later leases change no route.
func runDHCP(ifaceName string, eth device.Ethernet, rt4 *ipv4.RouteTable, box *neighBox) {
	var once sync.Once
	installer := installerFunc(func(lease dhcp.Lease) error {
		once.Do(func() {
			log.Printf("%s: DHCP lease %v/%v via %v", ifaceName, lease.Address, lease.Netmask, lease.Gateway)
			installRoute(rt4, eth, lease.Address, lease.Netmask, lease.Gateway, box)
		})
		return nil
	})
	client := dhcp.NewClient(ifaceName, installer)
	if err := client.Run(context.Background()); err != nil {
		log.Printf("%s: DHCP client stopped: %v", ifaceName, err)
	}
}

type installerFunc func(dhcp.Lease) error

func (f installerFunc) InstallLease(l dhcp.Lease) error { return f(l) }

// rxPumpEntry returns the scheduler-thread entry point that reads
// frames from eth and dispatches them by EtherType (spec.md §6.2):
// ARP updates the neighbor cache, IPv4 datagrams are reassembled, and
// ICMP/ICMPv6 payloads are handed to their handlers; UDP and TCP
// datagrams are counted as no-socket drops.
func rxPumpEntry(ifaceName string, eth device.Ethernet, rt4 *ipv4.RouteTable, rt6 *ipv6.RouteTable, neigh4 *neighBox, neigh6 *ndp.Cache) func(*sched.Thread, interface{}) interface{} {
	reasm := ipv4.NewReassembler()
	return func(self *sched.Thread, _ interface{}) interface{} {
		for {
			frame, err := eth.Rx()
			if err != nil {
				log.Printf("%s: rx: %v", ifaceName, err)
				return nil
			}
			_, _, etherType, payload, err := device.ParseFrame(frame)
			if err != nil {
				netstack.Drop("ethernet", netstack.DropBadSize)
				continue
			}
			switch etherType {
			case device.EtherTypeARP:
				if c := neigh4.get(); c != nil {
					c.HandleReply(payload)
				}
			case device.EtherTypeIPv4:
				dispatchIPv4(rt4, reasm, payload)
			case device.EtherTypeIPv6:
				dispatchIPv6(eth, rt6, neigh6, payload)
			default:
				netstack.Drop("ethernet", netstack.DropBadProtocol)
			}
		}
	}
}

func dispatchIPv4(rt4 *ipv4.RouteTable, reasm *ipv4.Reassembler, payload []byte) {
	h, ihl, err := ipv4.ParseHeader(payload)
	if err != nil {
		netstack.Drop("ipv4", netstack.DropBadSize)
		return
	}
	if netstack.Checksum(0, payload[:ihl]) != 0 {
		netstack.Drop("ipv4", netstack.DropBadChecksum)
		return
	}
	complete, ok := reasm.Deliver(h, payload[ihl:])
	if !ok {
		return
	}
	switch h.Protocol {
	case ipv4.ProtoICMP:
		icmp.Handle(rt4, h.Src, h.Dst, h.ID, complete)
	case ipv4.ProtoUDP, ipv4.ProtoTCP:
		netstack.Drop("ipv4", netstack.DropNoSocket)
	default:
		netstack.Drop("ipv4", netstack.DropBadProtocol)
	}
}

func dispatchIPv6(eth device.Ethernet, rt6 *ipv6.RouteTable, neigh6 *ndp.Cache, payload []byte) {
	h, err := ipv6.ParseHeader(payload)
	if err != nil {
		netstack.Drop("ipv6", netstack.DropBadSize)
		return
	}
	body := payload[ipv6.HeaderLen:]
	switch h.NextHeader {
	case ipv6.NextHeaderICMPv6:
		sender := &v6Sender{eth: eth, rt: rt6}
		icmp6.Handle(sender, neigh6, prefixInstaller{rt6: rt6, eth: eth, neigh: neigh6}, h.Src, h.Dst, body)
	case ipv6.NextHeaderUDP, ipv6.NextHeaderTCP:
		netstack.Drop("ipv6", netstack.DropNoSocket)
	default:
		netstack.Drop("ipv6", netstack.DropBadProtocol)
	}
}

// v6Sender implements icmp6.Sender by resolving the next hop against an
// already-populated neighbor cache; it never issues an active
// solicitation itself, relying on the fact that every reply path
// (echo, neighbor advertisement) responds to a peer that has already
// solicited us and so is already resolved.
type v6Sender struct {
	eth device.Ethernet
	rt  *ipv6.RouteTable
}

func (s *v6Sender) Send(src, dst [16]byte, nextHeader byte, payload []byte) error {
	route, ok := s.rt.Lookup(dst)
	if !ok {
		return errs.ErrNetworkUnreachable
	}
	hw, ok := route.Neigh.Lookup(dst)
	if !ok {
		return nil
	}
	h := ipv6.Header{NextHeader: nextHeader, HopLimit: 255, Src: src, Dst: dst}
	datagram := ipv6.BuildHeader(h, payload)
	frame, err := device.BuildFrame(hw, route.Iface.HardwareAddr(), device.EtherTypeIPv6, datagram)
	if err != nil {
		return err
	}
	return route.Iface.Tx(frame, false)
}

// prefixInstaller installs an on-link prefix learned from a Router
// Advertisement as a default route, the v6 analogue of the DHCP
// Installer above.
type prefixInstaller struct {
	rt6   *ipv6.RouteTable
	eth   device.Ethernet
	neigh *ndp.Cache
}

func (p prefixInstaller) InstallPrefix(prefix [16]byte, prefixLen int, gateway [16]byte) error {
	p.rt6.AddRoute(&ipv6.Route{
		Iface:     p.eth,
		Neigh:     p.neigh,
		Prefix:    prefix,
		PrefixLen: prefixLen,
		Gateway:   gateway,
	})
	return nil
}
