package tasks

import (
	"runtime"
	"runtime/debug"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/desertthunder/crate/internal/shared"
)

// MemoryMonitor samples heap usage while records stream through a run.
//
// Every sample interval the heap is compared with the configured ceiling; above it,
// memory is returned to the OS and a warning is logged. Every GC interval a collection
// is forced once the heap passes three quarters of the ceiling.
type MemoryMonitor struct {
	limit   uint64
	sample  *rate.Sometimes
	collect *rate.Sometimes
	read    func(*runtime.MemStats)
	release func()
	gc      func()
	logger  *log.Logger

	Releases int
	Peak     uint64
}

// NewMemoryMonitor creates a monitor from the analysis tunables.
func NewMemoryMonitor(cfg shared.AnalysisConfig, logger *log.Logger) *MemoryMonitor {
	return &MemoryMonitor{
		limit:   cfg.MemoryLimitBytes(),
		sample:  &rate.Sometimes{Every: max(cfg.MemoryCheckInterval, 1)},
		collect: &rate.Sometimes{Every: max(cfg.GCCheckInterval, 1)},
		read:    runtime.ReadMemStats,
		release: debug.FreeOSMemory,
		gc:      runtime.GC,
		logger:  logger,
	}
}

// Observe records that one more record was processed.
func (m *MemoryMonitor) Observe() {
	m.sample.Do(m.check)
	m.collect.Do(m.maybeCollect)
}

func (m *MemoryMonitor) heap() uint64 {
	var stats runtime.MemStats
	m.read(&stats)
	m.Peak = max(m.Peak, stats.HeapAlloc)
	return stats.HeapAlloc
}

func (m *MemoryMonitor) check() {
	heap := m.heap()
	if m.limit == 0 || heap <= m.limit {
		return
	}

	m.logger.Warn("memory ceiling exceeded, releasing memory", "heap_mb", heap>>20, "limit_mb", m.limit>>20)
	m.release()
	m.Releases++
}

func (m *MemoryMonitor) maybeCollect() {
	if m.limit == 0 || m.heap() < m.limit/4*3 {
		return
	}
	m.gc()
}
