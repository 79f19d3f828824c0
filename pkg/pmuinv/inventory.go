// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pmuinv

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/antimetal/pcm/pkg/cloud"
	"github.com/antimetal/pcm/pkg/kernelfeat"
	"github.com/antimetal/pcm/pkg/pcmconfig"
	"github.com/antimetal/pcm/pkg/transport"
)

// bindingKey keys the builder's status map, which records, per PMU kind
// per socket, which of "direct" or "discovery" binding produced the block — SPEC_FULL.md calls
// this out explicitly so callers can tell which path was taken without
// re-deriving it from BoundVia on every PMU.
type bindingKey struct {
	Kind   Kind
	Socket int
}

// InventoryBuilder assembles the full set of UncorePMUs for a machine,
// preferring the PCI discovery table over per-uarch direct binding for a
// kind both provide, then applying the AWS and NMI-watchdog adjustments.
type InventoryBuilder struct {
	logger logr.Logger
	cloud  *cloud.Detector
	kernel *kernelfeat.Prober

	noAWSWorkaround bool
	disabledKinds   map[Kind]bool

	mu     sync.Mutex
	status map[bindingKey]string
	pmus   []*UncorePMU

	// NMIWatchdogReservesOneGPCounter records whether the kernel's NMI
	// watchdog is believed to be pinned to a general-purpose counter,
	// shrinking the number available for programming.
	NMIWatchdogReservesOneGPCounter bool
	// RunningOnAWS records whether the host was detected as an AWS EC2
	// instance, which additionally limits usable GP counters to 3 on
	// some instance types, unless cfg.NoAWSWorkaround disables the cap.
	RunningOnAWS bool
}

// NewInventoryBuilder constructs an empty builder against cfg's AWS/kernel
// feature toggles. Call DetectCloud before the AWS adjustment should be
// considered.
func NewInventoryBuilder(cfg pcmconfig.Config, logger logr.Logger) *InventoryBuilder {
	disabled := make(map[Kind]bool)
	if cfg.NoPCIeGen5Discovery {
		disabled[KindPCIeGen5] = true
	}
	if cfg.NoIMCDiscovery {
		disabled[KindIMC] = true
	}
	if cfg.NoUPILLDiscovery {
		disabled[KindUPI] = true
	}
	return &InventoryBuilder{
		logger:          logger.WithName("pmuinv"),
		cloud:           cloud.NewDetector(logger),
		kernel:          kernelfeat.NewProber(logger),
		noAWSWorkaround: cfg.NoAWSWorkaround,
		disabledKinds:   disabled,
		status:          make(map[bindingKey]string),
	}
}

// DetectCloud probes whether the host is an AWS EC2 instance and records
// the result on RunningOnAWS. Never returns an error: a failed or timed
// out probe is treated as "not AWS".
func (b *InventoryBuilder) DetectCloud(ctx context.Context) {
	b.RunningOnAWS = b.cloud.IsEC2(ctx)
}

// AddDirect attempts to build the uncore PMUs for one socket using uarch's
// direct address table against an already-open PCI handle per device. It
// is the caller's responsibility to open/close PCI handles; AddDirect only
// records which kind/socket pairs it successfully bound.
func (b *InventoryBuilder) AddDirect(uarch Uarch, socket, die int, pmus []*UncorePMU) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range pmus {
		p.BoundVia = "direct"
		b.status[bindingKey{p.Kind, socket}] = "direct"
		b.pmus = append(b.pmus, p)
	}
}

// AddDiscovered walks bdf's discovery table and appends every UncorePMU it
// finds; a kind already bound directly on this socket has its direct PMUs
// replaced by the discovered ones. Kinds disabled through the config's
// No*Discovery flags are not walked and keep their direct binding. It consults
// the kernel's BTF/Secure-Boot capabilities first: a locked-down kernel
// makes the raw PCI config-space reads a discovery walk depends on
// unreliable, and a kernel without BTF only logs a warning since the
// discovery table itself doesn't require BTF to read correctly.
func (b *InventoryBuilder) AddDiscovered(handle *transport.PCIHandle, socket, die int) error {
	caps := b.kernel.Capabilities()
	if caps.SecureBootLocked {
		return fmt.Errorf("pmuinv: inventory: socket %d: secure boot lockdown blocks raw PCI discovery-table access", socket)
	}
	if !caps.HasBTF {
		b.logger.V(1).Info("kernel BTF unavailable, discovery-table binding may be unreliable", "socket", socket)
	}

	discovered, err := WalkDiscoveryTable(handle, socket, die, b.disabledKinds)
	if err != nil {
		return fmt.Errorf("pmuinv: inventory: discovery walk failed for socket %d: %w", socket, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range discovered {
		key := bindingKey{p.Kind, socket}
		if b.status[key] == "direct" {
			// discovery binding wins over direct binding for the same kind
			kept := b.pmus[:0]
			for _, q := range b.pmus {
				if q.Kind != p.Kind || q.Socket != socket || q.BoundVia != "direct" {
					kept = append(kept, q)
				}
			}
			b.pmus = kept
		}
		b.status[key] = "discovery"
		b.pmus = append(b.pmus, p)
	}
	return nil
}

// Status reports which binding strategy, if any, produced kind on socket.
func (b *InventoryBuilder) Status(kind Kind, socket int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.status[bindingKey{kind, socket}]
	return s, ok
}

// PMUs returns every UncorePMU accumulated so far.
func (b *InventoryBuilder) PMUs() []*UncorePMU {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*UncorePMU, len(b.pmus))
	copy(out, b.pmus)
	return out
}

// AvailableGPCounters returns the number of core general-purpose counters
// usable for programming, after the AWS and NMI-watchdog adjustments: on
// AWS the native count is capped at 3, and a watchdog-reserved counter
// takes one more away, never going below one. The AWS cap is skipped when
// the builder was constructed with cfg.NoAWSWorkaround set.
func (b *InventoryBuilder) AvailableGPCounters(nativeCount int) int {
	n := nativeCount
	if b.RunningOnAWS && !b.noAWSWorkaround && n > 3 {
		// Certain AWS bare-metal/virtualized instance types only expose 3
		// of the 4 (or more) native GP counters to the guest.
		n = 3
	}
	if b.NMIWatchdogReservesOneGPCounter && n > 1 {
		n--
	}
	if n < 1 {
		n = 1
	}
	return n
}
