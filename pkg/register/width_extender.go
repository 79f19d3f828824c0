// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package register

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// CounterWidthExtender wraps a narrow-width hardware counter (24, 32 or 48
// bits is typical for uncore counters) and exposes a virtual 64-bit
// monotonic value. It runs a single background watchdog
// goroutine that samples the raw register and folds wraparound into an
// accumulator; Read() also refreshes inline so a caller never observes a
// value older than its own call.
//
// One extender must own exactly one physical counter — sharing one between
// counters breaks the wraparound math.
type CounterWidthExtender struct {
	reg   HWRegister
	width uint // counter width in bits; wraparound adds 1<<width

	mu          sync.Mutex
	lastRaw     uint64
	accumulator uint64
	initialized bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   logr.Logger
}

// NewCounterWidthExtender constructs an extender over reg and immediately
// starts its watchdog goroutine at the given period. The watchdog period
// must be strictly shorter than the time the raw counter takes to
// accumulate 2^width increments under realistic workloads; the
// caller is responsible for choosing a period that satisfies this.
func NewCounterWidthExtender(reg HWRegister, widthBits uint, watchdogPeriod time.Duration, logger logr.Logger) (*CounterWidthExtender, error) {
	if widthBits == 0 || widthBits >= 64 {
		return nil, fmt.Errorf("register: invalid counter width %d bits", widthBits)
	}
	if watchdogPeriod <= 0 {
		return nil, fmt.Errorf("register: watchdog period must be positive")
	}

	e := &CounterWidthExtender{
		reg:    reg,
		width:  widthBits,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger.WithName("counter-width-extender"),
	}

	if _, err := e.refreshLocked(); err != nil {
		return nil, fmt.Errorf("register: initial read: %w", err)
	}

	go e.watchdog(watchdogPeriod)
	return e, nil
}

func (e *CounterWidthExtender) watchdog(period time.Duration) {
	defer close(e.doneCh)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.mu.Lock()
			_, err := e.refreshLocked()
			e.mu.Unlock()
			if err != nil {
				e.logger.V(1).Info("watchdog refresh failed", "error", err)
			}
		}
	}
}

// refreshLocked reads the raw register, folds any wraparound into the
// accumulator, and returns the extended value. Caller must hold e.mu.
func (e *CounterWidthExtender) refreshLocked() (uint64, error) {
	raw, err := e.reg.Read()
	if err != nil {
		return 0, err
	}
	mask := (uint64(1) << e.width) - 1
	raw &= mask

	if e.initialized && raw < e.lastRaw {
		e.accumulator += uint64(1) << e.width
	}
	e.lastRaw = raw
	e.initialized = true

	return e.accumulator + raw, nil
}

// Read returns the accumulated, width-extended counter value. It refreshes
// inline before returning so the result reflects at most one raw read's
// worth of staleness, independent of the watchdog's cadence.
func (e *CounterWidthExtender) Read() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refreshLocked()
}

// Write is not meaningful for a width-extended counter (the accumulator
// would desync from hardware state); it always fails.
func (e *CounterWidthExtender) Write(uint64) error {
	return fmt.Errorf("register: CounterWidthExtender is read-only")
}

// Stop terminates the watchdog goroutine and waits for it to exit. Safe to
// call more than once.
func (e *CounterWidthExtender) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	<-e.doneCh
}
