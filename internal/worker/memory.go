package worker

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/fleetbench/pkg/api"
)

// memoryGuard stands in for an out of memory error: once the heap grows beyond the limit, it leaves an OOM
// marker for the agent and exits the process.
type memoryGuard struct {
	limitBytes uint64
	dir        string
	heapInUse  func() uint64
	exit       func(code int)
	triggered  atomic.Bool
}

func newMemoryGuard(limitMb int, dir string, exit func(int)) *memoryGuard {
	return &memoryGuard{
		limitBytes: uint64(limitMb) * 1024 * 1024,
		dir:        dir,
		heapInUse:  heapInUse,
		exit:       exit,
	}
}

func heapInUse() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapInuse
}

func (g *memoryGuard) check() {
	used := g.heapInUse()
	if used <= g.limitBytes || !g.triggered.CompareAndSwap(false, true) {
		return
	}
	message := fmt.Sprintf("heap in use %d bytes exceeds limit of %d bytes", used, g.limitBytes)
	log.Errorf("Out of memory: %s", message)
	if err := writeFileAtomic(filepath.Join(g.dir, api.OOMFileName), []byte(message+"\n")); err != nil {
		log.Errorf("Failed to write OOM marker: %s", err)
	}
	g.exit(1)
}
