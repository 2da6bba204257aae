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

// Package dhcp is a DHCPv4 client, supplementing the subsystems spec.md
// distills (it is not itself named by spec.md but is preserved from
// original_source/kernel/net/net_dhcp.c per SPEC_FULL.md §3): DISCOVER/
// OFFER/REQUEST/ACK, a lease-renewal timer, and installation of the
// offered address/netmask/gateway into the IPv4 layer.
package dhcp

import (
	"context"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
	"golang.org/x/time/rate"

	"reefos.dev/kernel/pkg/klog"
)

var log = klog.New("dhcp")

// Lease is the subset of an ACK this kernel actually installs, mirroring
// what net_dhcp.c applied to the interface: address, netmask, gateway,
// DNS servers, and lease duration for the renewal timer.
type Lease struct {
	Address    [4]byte
	Netmask    [4]byte
	Gateway    [4]byte
	DNSServers [][4]byte
	LeaseTime  time.Duration
}

// Installer receives a successfully negotiated lease. cmd/reefkerneld
// implements this by installing a directly-connected route plus a
// default-gateway route into pkg/netstack/ipv4's route table (spec.md
// §4.4).
type Installer interface {
	InstallLease(Lease) error
}

// Client drives the DISCOVER/OFFER/REQUEST/ACK exchange over a real
// host network interface via github.com/insomniacslk/dhcp/dhcpv4/nclient4,
// rather than reimplementing DHCP's retransmission and XID bookkeeping.
type Client struct {
	ifaceName string
	installer Installer

	stop chan struct{}
}

// NewClient prepares a DHCP client bound to the named host interface.
func NewClient(ifaceName string, installer Installer) *Client {
	return &Client{ifaceName: ifaceName, installer: installer, stop: make(chan struct{})}
}

// Run performs the initial DORA exchange, installs the lease, then
// blocks renewing the lease at half its lifetime until ctx is canceled
// or Stop is called — the renewal cadence net_dhcp.c used a coarse
// polling timer for.
func (c *Client) Run(ctx context.Context) error {
	client, err := nclient4.New(c.ifaceName)
	if err != nil {
		return err
	}
	defer client.Close()

	// retryLimiter paces repeated DORA attempts at one per 10 seconds
	// (with an initial burst of one, so the first failure doesn't wait),
	// rather than a fixed time.After on every failed negotiation.
	retryLimiter := rate.NewLimiter(rate.Every(10*time.Second), 1)

	for {
		ack, err := c.negotiate(ctx, client)
		if err != nil {
			log.Printf("negotiation on %s failed: %v", c.ifaceName, err)
			if werr := retryLimiter.Wait(ctx); werr != nil {
				return werr
			}
			select {
			case <-c.stop:
				return nil
			default:
			}
			continue
		}

		lease := leaseFromAck(ack)
		if err := c.installer.InstallLease(lease); err != nil {
			log.Printf("installing lease on %s failed: %v", c.ifaceName, err)
		}

		renewAfter := lease.LeaseTime / 2
		if renewAfter <= 0 {
			renewAfter = 5 * time.Minute
		}
		select {
		case <-time.After(renewAfter):
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return nil
		}
	}
}

func (c *Client) negotiate(ctx context.Context, client *nclient4.Client) (*dhcpv4.DHCPv4, error) {
	_, ack, err := client.Request(ctx)
	if err != nil {
		return nil, err
	}
	return ack, nil
}

// Stop ends a running Run loop.
func (c *Client) Stop() {
	close(c.stop)
}

func leaseFromAck(ack *dhcpv4.DHCPv4) Lease {
	var l Lease
	copy(l.Address[:], ack.YourIPAddr.To4())
	if mask := ack.SubnetMask(); mask != nil {
		copy(l.Netmask[:], mask)
	}
	if gws := ack.Router(); len(gws) > 0 {
		copy(l.Gateway[:], gws[0].To4())
	}
	for _, dns := range ack.DNS() {
		var ip [4]byte
		copy(ip[:], dns.To4())
		l.DNSServers = append(l.DNSServers, ip)
	}
	l.LeaseTime = ack.IPAddressLeaseTime(0)
	return l
}
