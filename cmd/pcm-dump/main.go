// Copyright 2025 Antimetal Inc.
//
// Licensed under the PolyForm Shield License 1.0.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at:
//
//     https://polyformproject.org/licenses/shield/1.0.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/antimetal/pcm/pkg/pcm"
	"github.com/antimetal/pcm/pkg/pcmconfig"
	"github.com/antimetal/pcm/pkg/pcmerrors"
	"github.com/antimetal/pcm/pkg/program"
	"github.com/antimetal/pcm/pkg/sample"
)

var (
	interval = flag.Duration("interval", time.Second, "Delta interval between snapshots")
	mode     = flag.String("mode", "cache", "Programming profile: cache, memory, power, iio, pcie, qpi, rdt")
	procPath = flag.String("proc-path", "/proc", "Path to proc filesystem")
	sysPath  = flag.String("sys-path", "/sys", "Path to sys filesystem")
	devPath  = flag.String("dev-path", "/dev", "Path to dev filesystem")
	verbose  = flag.Bool("verbose", false, "Enable verbose logging")
	pretty   = flag.Bool("pretty", true, "Pretty print JSON output")
)

func main() {
	flag.Parse()

	var logger logr.Logger
	if *verbose {
		zapLog, _ := zap.NewDevelopment()
		logger = zapr.NewLogger(zapLog)
	} else {
		logger = logr.Discard()
	}

	progMode, err := parseMode(*mode)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := pcmconfig.Config{
		HostProcPath: *procPath,
		HostSysPath:  *sysPath,
		HostDevPath:  *devPath,
	}
	cfg.ApplyDefaults()

	p, err := pcm.New(pcm.Options{Config: cfg, Logger: logger, Mode: progMode})
	if err != nil {
		fmt.Fprintf(os.Stderr, "pcm-dump: %v\n", explain(err))
		os.Exit(1)
	}

	if err := p.Program(); err != nil {
		fmt.Fprintf(os.Stderr, "pcm-dump: %v\n", explain(err))
		os.Exit(1)
	}
	defer p.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Starting pcm-dump (mode: %s, interval: %v)\n", *mode, *interval)
	fmt.Printf("Press Ctrl+C to stop\n\n")

	prev, err := p.GetAllCounterStates(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pcm-dump: initial read: %v\n", explain(err))
		os.Exit(1)
	}

	for {
		select {
		case <-ticker.C:
			cur, err := p.GetAllCounterStates(ctx)
			if err != nil {
				fmt.Printf("Error reading counters: %v\n", explain(err))
				continue
			}
			printDeltas(prev, cur)
			prev = cur
		case <-sigChan:
			fmt.Println("\nStopping pcm-dump...")
			return
		case <-ctx.Done():
			return
		}
	}
}

func parseMode(s string) (program.ProgramMode, error) {
	switch s {
	case "cache":
		return program.ModeCache, nil
	case "memory":
		return program.ModeMemory, nil
	case "power":
		return program.ModePower, nil
	case "iio":
		return program.ModeIIO, nil
	case "pcie":
		return program.ModePCIe, nil
	case "qpi":
		return program.ModeQPI, nil
	case "rdt":
		return program.ModeRDT, nil
	default:
		return "", fmt.Errorf("pcm-dump: unknown -mode %q", s)
	}
}

// snapshot is the per-interval JSON line this tool prints: the deltas a
// caller of pkg/sample would compute, rather than the raw before/after
// states themselves.
type snapshot struct {
	Timestamp string         `json:"timestamp"`
	System    systemSnapshot `json:"system"`
}

type systemSnapshot struct {
	Cores   []coreSnapshot   `json:"cores"`
	Sockets []socketSnapshot `json:"sockets"`
}

type coreSnapshot struct {
	CPU                 int    `json:"cpu"`
	InstructionsRetired uint64 `json:"instructions_retired"`
	Cycles              uint64 `json:"cycles"`
	RefCycles           uint64 `json:"ref_cycles"`
	SMICount            uint64 `json:"smi_count"`
}

type socketSnapshot struct {
	Socket    int    `json:"socket"`
	IMCReads  uint64 `json:"imc_reads"`
	IMCWrites uint64 `json:"imc_writes"`
	EnergyJ   uint64 `json:"energy_package_units"`
}

func printDeltas(before, after sample.SystemCounterState) {
	out := snapshot{Timestamp: time.Now().UTC().Format(time.RFC3339)}

	n := len(before.Cores)
	if len(after.Cores) < n {
		n = len(after.Cores)
	}
	for i := 0; i < n; i++ {
		out.System.Cores = append(out.System.Cores, coreSnapshot{
			CPU:                 i,
			InstructionsRetired: sample.GetInstructionsRetired(before.Cores[i], after.Cores[i]),
			Cycles:              sample.GetCycles(before.Cores[i], after.Cores[i]),
			RefCycles:           sample.GetRefCycles(before.Cores[i], after.Cores[i]),
			SMICount:            sample.GetSMICount(before.Cores[i], after.Cores[i]),
		})
	}

	n = len(before.Sockets)
	if len(after.Sockets) < n {
		n = len(after.Sockets)
	}
	for i := 0; i < n; i++ {
		out.System.Sockets = append(out.System.Sockets, socketSnapshot{
			Socket:    i,
			IMCReads:  sample.GetIMCReads(before.Sockets[i], after.Sockets[i]),
			IMCWrites: sample.GetIMCWrites(before.Sockets[i], after.Sockets[i]),
			EnergyJ:   sample.GetConsumedEnergy(before.Sockets[i], after.Sockets[i]),
		})
	}

	var output []byte
	var err error
	if *pretty {
		output, err = json.MarshalIndent(out, "", "  ")
	} else {
		output, err = json.Marshal(out)
	}
	if err != nil {
		fmt.Printf("Error marshaling snapshot: %v\n", err)
		return
	}
	fmt.Printf("%s\n", output)
}

func explain(err error) string {
	if kind := pcmerrors.KindOf(err); kind != pcmerrors.KindUnknown {
		return fmt.Sprintf("%s (%s)", err, kind)
	}
	return err.Error()
}
