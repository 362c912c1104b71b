package fleet

import (
	"sync"
	"time"

	"github.com/example/fleetmon/internal/collector"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gonet "github.com/shirou/gopsutil/v3/net"
)

// ResourceSampler reads host resource gauges. CPU percent and bandwidth are
// computed over the interval since the previous read, so the first sample
// after startup reports zero for both.
type ResourceSampler struct {
	tracker *Tracker

	mu        sync.Mutex
	lastNet   time.Time
	lastBytes uint64
}

// NewResourceSampler creates a resource sampler. tracker may be nil; socket
// and buffer gauges then stay zero.
func NewResourceSampler(tracker *Tracker) *ResourceSampler {
	return &ResourceSampler{tracker: tracker}
}

// Resources implements collector.ResourceSource.
func (s *ResourceSampler) Resources() (collector.Resources, error) {
	var out collector.Resources

	// Non-blocking: percent since the previous call.
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		out.CPUPct = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return out, err
	}
	out.MemoryMB = float64(vm.Used) / (1024 * 1024)

	out.BandwidthMbps = s.sampleBandwidth()

	if s.tracker != nil {
		out.OpenSockets = s.tracker.Size()
		out.BufferUtilizationPct = s.tracker.BufferUtilization()
	}
	return out, nil
}

// sampleBandwidth converts the byte-counter delta since the previous call
// into Mbps.
func (s *ResourceSampler) sampleBandwidth() float64 {
	stats, err := gonet.IOCounters(false)
	if err != nil || len(stats) == 0 {
		return 0
	}
	total := stats[0].BytesSent + stats[0].BytesRecv

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	defer func() {
		s.lastNet = now
		s.lastBytes = total
	}()

	if s.lastNet.IsZero() || total < s.lastBytes {
		return 0
	}
	elapsed := now.Sub(s.lastNet).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total-s.lastBytes) * 8 / elapsed / 1e6
}
