// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !amd64

package cpuidutil

// CPUID is unavailable off amd64; it returns the zero value. Callers must
// check Supported() before trusting the result — topology discovery's
// vendor check fails fast on a non-Intel/non-x86 host.
func CPUID(leaf, subleaf uint32) Regs { return Regs{} }

// RDTSC is unavailable off amd64.
func RDTSC() uint64 { return 0 }

// Supported reports whether this build can issue CPUID natively.
func Supported() bool { return false }
