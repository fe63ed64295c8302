package selfmon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pgexporter/pg_exporter/exporter/internal/exposition"
)

// DefaultSampleInterval is how often process usage is refreshed.
const DefaultSampleInterval = 15 * time.Second

// procSource is the subset of *process.Process the sampler reads.
type procSource interface {
	Times() (*cpu.TimesStat, error)
	MemoryInfo() (*process.MemoryInfoStat, error)
	NumThreads() (int32, error)
	NumFDs() (int32, error)
	CreateTime() (int64, error)
}

// ProcessSampler periodically samples the exporter's own resource usage.
// Fields the platform cannot provide are left out of the exposition.
type ProcessSampler struct {
	src   procSource
	cores func() (int, error)
	snap  *exposition.Snapshot

	cpuSeconds *exposition.Family
	cpuCores   *exposition.Family
	resident   *exposition.Family
	virtual    *exposition.Family
	threads    *exposition.Family
	openFDs    *exposition.Family
	startTime  *exposition.Family
}

// NewProcessSampler samples the current process.
func NewProcessSampler() (*ProcessSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("selfmon: inspect own process: %w", err)
	}
	return newProcessSampler(p, func() (int, error) { return cpu.Counts(true) }), nil
}

func newProcessSampler(src procSource, cores func() (int, error)) *ProcessSampler {
	s := &ProcessSampler{
		src:        src,
		cores:      cores,
		cpuSeconds: exposition.Counter("pg_exporter_process_cpu_seconds_total", "User and system CPU time spent by the exporter."),
		cpuCores:   exposition.Gauge("pg_exporter_process_cpu_cores", "Logical CPU cores available to the exporter."),
		resident:   exposition.Gauge("pg_exporter_process_resident_memory_bytes", "Resident memory size of the exporter."),
		virtual:    exposition.Gauge("pg_exporter_process_virtual_memory_bytes", "Virtual memory size of the exporter."),
		threads:    exposition.Gauge("pg_exporter_process_threads", "OS threads in the exporter process."),
		openFDs:    exposition.Gauge("pg_exporter_process_open_fds", "Open file descriptors of the exporter."),
		startTime:  exposition.Gauge("pg_exporter_process_start_time_seconds", "Start time of the exporter, in seconds since the epoch."),
	}
	s.snap = exposition.NewSnapshot(s.cpuSeconds, s.cpuCores, s.resident, s.virtual, s.threads, s.openFDs, s.startTime)
	return s
}

// Register adds the process families to reg.
func (s *ProcessSampler) Register(reg *exposition.Registry) error {
	return reg.Register(s.snap)
}

// Sample refreshes every field. A field that cannot be read is omitted.
func (s *ProcessSampler) Sample() {
	b := exposition.NewBatch()
	var missing []string

	if t, err := s.src.Times(); err == nil {
		b.Add(s.cpuSeconds, t.User+t.System)
	} else {
		missing = append(missing, "cpu")
	}
	if n, err := s.cores(); err == nil && n > 0 {
		b.Add(s.cpuCores, float64(n))
	} else {
		missing = append(missing, "cores")
	}
	if m, err := s.src.MemoryInfo(); err == nil {
		b.Add(s.resident, float64(m.RSS))
		b.Add(s.virtual, float64(m.VMS))
	} else {
		missing = append(missing, "memory")
	}
	if n, err := s.src.NumThreads(); err == nil {
		b.Add(s.threads, float64(n))
	} else {
		missing = append(missing, "threads")
	}
	if n, err := s.src.NumFDs(); err == nil {
		b.Add(s.openFDs, float64(n))
	} else {
		missing = append(missing, "fds")
	}
	if ms, err := s.src.CreateTime(); err == nil {
		b.Add(s.startTime, float64(ms)/1000)
	} else {
		missing = append(missing, "start_time")
	}

	if len(missing) > 0 {
		slog.Debug("selfmon: process fields unavailable", "fields", missing)
	}
	s.snap.Replace(b)
}

// Run samples immediately and then every interval until ctx is cancelled.
func (s *ProcessSampler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	s.Sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}
