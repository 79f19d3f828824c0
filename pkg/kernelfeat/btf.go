// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernelfeat probes the running kernel for features the PMU
// inventory and programming engine need to know about before they trust a
// given path: whether BTF is available (a modern perf/uncore ABI usually
// travels with it), and whether Secure Boot is locking down raw MSR
// access. It does not load or attach any eBPF program; the CO-RE
// program-loading surface has no use in a register-programming library,
// only its kernel-capability probe does.
package kernelfeat

import (
	"fmt"
	"os"
	"sync"

	"github.com/cilium/ebpf/btf"
	"github.com/go-logr/logr"
)

// Prober caches the kernel's BTF spec across calls, since the inventory and
// topology packages both ask the same question during startup.
type Prober struct {
	mu     sync.Mutex
	loaded bool
	spec   *btf.Spec
	err    error
	logger logr.Logger
}

// NewProber constructs a Prober. It does not touch the kernel until the
// first Capabilities call.
func NewProber(logger logr.Logger) *Prober {
	return &Prober{logger: logger.WithName("kernelfeat")}
}

// Capabilities is what the inventory/programming engine base discovery
// decisions on.
type Capabilities struct {
	// HasBTF is true when kernel BTF (/sys/kernel/btf/vmlinux) loaded
	// successfully, a proxy for "this kernel is recent enough to expose
	// the modern perf uncore PMU ABI".
	HasBTF bool
	// SecureBootLocked is true when Secure Boot lockdown appears to be
	// preventing raw MSR/PCI access.
	SecureBootLocked bool
}

func (p *Prober) loadSpec() (*btf.Spec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return p.spec, p.err
	}
	p.spec, p.err = btf.LoadKernelSpec()
	p.loaded = true
	if p.err != nil {
		p.logger.V(1).Info("kernel BTF unavailable", "error", p.err)
	}
	return p.spec, p.err
}

// Capabilities probes and returns the kernel's relevant feature set.
func (p *Prober) Capabilities() Capabilities {
	_, err := p.loadSpec()
	return Capabilities{
		HasBTF:           err == nil,
		SecureBootLocked: secureBootLocked(),
	}
}

// secureBootLocked reports whether the kernel lockdown is in
// "confidentiality" or "integrity" mode, which the kernel enables
// automatically under UEFI Secure Boot and which blocks /dev/mem and raw
// MSR writes.
func secureBootLocked() bool {
	data, err := os.ReadFile("/sys/kernel/security/lockdown")
	if err != nil {
		return false
	}
	// Format: "none [integrity] confidentiality" — the active mode is
	// bracketed.
	return containsActiveLockdown(string(data))
}

func containsActiveLockdown(content string) bool {
	for _, mode := range []string{"[integrity]", "[confidentiality]"} {
		if indexOf(content, mode) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// ErrBTFUnavailable wraps the loader's error with guidance the inventory's
// log line can surface.
func ErrBTFUnavailable(cause error) error {
	return fmt.Errorf("kernelfeat: kernel BTF unavailable, discovery-table fallback to direct binding may be unreliable: %w", cause)
}
