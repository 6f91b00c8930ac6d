// Package sysload samples host CPU and memory utilization for the relay's
// resolver heartbeat (spec §4.10). The sampling itself is a feature
// spec.md's distillation left implicit — the original Rust source's
// common/src/sysutils/system_load.rs (via the `sysinfo` crate) is the
// grounding for what a heartbeat's `load` field actually measures — kept
// per SPEC_FULL's "supplemented from original_source" note. In Go, the
// equivalent cross-platform sampler available in the retrieval pack is
// shirou/gopsutil (pulled into the pack's dependency surface by
// gravitational-teleport).
package sysload

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is a point-in-time (CPU%, RAM%) reading, each clamped to 0-100.
type Sample struct {
	CPUPercent uint8
	RAMPercent uint8
}

// Read samples CPU utilization over a short window and current memory
// utilization. The CPU sample blocks for window to compute a delta —
// callers on the 20s heartbeat cadence (spec §4.10) should pass a few
// hundred milliseconds, not the full interval.
func Read(ctx context.Context, window time.Duration) (Sample, error) {
	percents, err := cpu.PercentWithContext(ctx, window, false)
	if err != nil {
		return Sample{}, fmt.Errorf("sysload: cpu sample: %w", err)
	}
	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("sysload: memory sample: %w", err)
	}

	return Sample{CPUPercent: clampPct(cpuPct), RAMPercent: clampPct(vm.UsedPercent)}, nil
}

func clampPct(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return uint8(v)
}
