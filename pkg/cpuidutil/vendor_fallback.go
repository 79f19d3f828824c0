// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cpuidutil

import "github.com/klauspost/cpuid/v2"

// LibraryVendorString reports the vendor string as decoded by
// klauspost/cpuid/v2's own CPUID probe. NativeSource's VendorString (this
// package's assembly stub) is authoritative; this is a cross-check used in
// tests and on builds where the assembly stub cannot run.
func LibraryVendorString() string {
	return cpuid.CPU.VendorString
}

// LibraryIsGenuineIntel reports whether klauspost/cpuid/v2 detected an
// Intel part on the current host.
func LibraryIsGenuineIntel() bool {
	return cpuid.CPU.VendorID == cpuid.Intel
}
