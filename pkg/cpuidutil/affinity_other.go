// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !linux

package cpuidutil

import "errors"

// PinToCPU is unsupported off Linux; the engine's MSR/topology transports
// are Linux-only.
func PinToCPU(cpu int, fn func() error) error {
	return errors.New("cpuidutil: affinity pinning is only supported on linux")
}

// OnlineCPUs is unsupported off Linux.
func OnlineCPUs() ([]int, error) {
	return nil, errors.New("cpuidutil: affinity pinning is only supported on linux")
}
