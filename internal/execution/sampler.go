package execution

import (
	"fmt"

	gocpu "github.com/shirou/gopsutil/v4/cpu"
	gomem "github.com/shirou/gopsutil/v4/mem"
	goproc "github.com/shirou/gopsutil/v4/process"
)

// procStats is one read of a child process's counters.
type procStats struct {
	utime  float64 // seconds in user mode
	stime  float64 // seconds in kernel mode
	vsize  uint64  // bytes
	rss    uint64  // bytes
	zombie bool
}

// The host and process readers are package-level function variables so
// tests can substitute deterministic counters.
var (
	// hostCPUTotal returns the host-wide aggregate CPU time in seconds.
	hostCPUTotal = func() (float64, error) {
		times, err := gocpu.Times(false)
		if err != nil {
			return 0, fmt.Errorf("read host cpu times: %w", err)
		}
		if len(times) == 0 {
			return 0, fmt.Errorf("no aggregate cpu times reported")
		}
		total := 0.0
		for _, t := range times {
			total += t.Total()
		}
		return total, nil
	}

	// processStats reads the per-process counters and state.
	processStats = func(pid int) (procStats, error) {
		p, err := goproc.NewProcess(int32(pid))
		if err != nil {
			return procStats{}, fmt.Errorf("open process %d: %w", pid, err)
		}
		times, err := p.Times()
		if err != nil {
			return procStats{}, fmt.Errorf("read process %d times: %w", pid, err)
		}
		mem, err := p.MemoryInfo()
		if err != nil {
			return procStats{}, fmt.Errorf("read process %d memory: %w", pid, err)
		}
		s := procStats{
			utime: times.User,
			stime: times.System,
			vsize: mem.VMS,
			rss:   mem.RSS,
		}
		statuses, err := p.Status()
		if err != nil {
			return procStats{}, fmt.Errorf("read process %d status: %w", pid, err)
		}
		for _, st := range statuses {
			if st == goproc.Zombie {
				s.zombie = true
			}
		}
		return s, nil
	}

	// freeMemory returns the host's free memory in bytes and as a
	// percentage of total.
	freeMemory = func() (uint64, float64, error) {
		vm, err := gomem.VirtualMemory()
		if err != nil {
			return 0, 0, fmt.Errorf("read host memory: %w", err)
		}
		pct := 0.0
		if vm.Total > 0 {
			pct = float64(vm.Free) / float64(vm.Total) * 100
		}
		return vm.Free, pct, nil
	}
)

// cpuUsagePct converts a matched pair of process/host time deltas into a
// percentage. The host delta pair must come from the same observer tick.
func cpuUsagePct(procPrev, procCur, hostPrev, hostCur float64) float64 {
	hostDelta := hostCur - hostPrev
	if hostDelta <= 0 {
		return 0
	}
	return 100 * (procCur - procPrev) / hostDelta
}
