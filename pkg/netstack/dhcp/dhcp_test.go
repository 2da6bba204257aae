package dhcp

import (
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

func TestLeaseFromAckExtractsFields(t *testing.T) {
	ack, err := dhcpv4.New()
	if err != nil {
		t.Fatalf("build ack: %v", err)
	}
	ack.YourIPAddr = net.IPv4(192, 168, 1, 50)
	ack.UpdateOption(dhcpv4.OptSubnetMask(net.IPv4Mask(255, 255, 255, 0)))
	ack.UpdateOption(dhcpv4.OptRouter(net.IPv4(192, 168, 1, 1)))
	ack.UpdateOption(dhcpv4.OptDNS(net.IPv4(8, 8, 8, 8)))
	ack.UpdateOption(dhcpv4.OptIPAddressLeaseTime(3600 * time.Second))

	lease := leaseFromAck(ack)

	if lease.Address != ([4]byte{192, 168, 1, 50}) {
		t.Fatalf("unexpected address: %v", lease.Address)
	}
	if lease.Netmask != ([4]byte{255, 255, 255, 0}) {
		t.Fatalf("unexpected netmask: %v", lease.Netmask)
	}
	if lease.Gateway != ([4]byte{192, 168, 1, 1}) {
		t.Fatalf("unexpected gateway: %v", lease.Gateway)
	}
	if len(lease.DNSServers) != 1 || lease.DNSServers[0] != ([4]byte{8, 8, 8, 8}) {
		t.Fatalf("unexpected dns servers: %v", lease.DNSServers)
	}
	if lease.LeaseTime != 3600*time.Second {
		t.Fatalf("unexpected lease time: %v", lease.LeaseTime)
	}
}
