package execution

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/verify-go-rewrite/internal/archive"
	"github.com/tkratochvila/verify-go-rewrite/internal/workspace"
)

// Window is the set of supervised runs plus the matched pair of host CPU
// snapshots the per-tick percentages are computed from.
type Window struct {
	mu sync.Mutex

	runs           []*Run
	prevTotalTime  float64
	curTotalTime   float64
	monitorTimeout time.Duration

	// OnRunFinished, when set, observes the wall-clock duration of each
	// finalised run.
	OnRunFinished func(time.Duration)
}

// NewWindow captures the first host CPU snapshot so the first tick has a
// matched pair.
func NewWindow(monitorTimeout time.Duration) *Window {
	w := &Window{monitorTimeout: monitorTimeout}
	w.mu.Lock()
	w.updateTotalTime()
	w.mu.Unlock()
	return w
}

// updateTotalTime rotates the host CPU snapshot pair. Callers hold w.mu.
func (w *Window) updateTotalTime() {
	total, err := hostCPUTotal()
	if err != nil {
		log.Warn().Err(err).Msg("Host CPU read failed; keeping previous total")
		return
	}
	w.prevTotalTime = w.curTotalTime
	w.curTotalTime = total
}

// StartNewRun builds the report's command from the call schema and spawns
// the child process. The command substitutes workspace-relative input
// paths, generated output names and parameters in schema order.
func (w *Window) StartNewRun(reportID archive.ReportID, a *archive.Archive, ws *workspace.Workspace, schema string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	b, err := a.BorrowReport(reportID)
	if err != nil {
		return err
	}
	defer b.Release()
	report := b.Report()

	inputs := make([]string, 0, len(report.InputFiles))
	for _, fid := range report.InputFiles {
		rel, err := ws.RelativeFilePath(fid)
		if err != nil {
			return fmt.Errorf("input file missing from workspace: %w", err)
		}
		inputs = append(inputs, rel)
	}

	argv := []string{report.Tool.Path()}
	argv = append(argv, parseSchema(schema).expand(inputs, report.OutputNames, report.Parameters)...)
	report.CallCommand = strings.Join(argv, " ")
	log.Debug().Str("command", report.CallCommand).Msg("Starting verification process")

	run, err := startRun(b, reportID, a, ws, argv)
	if err != nil {
		return fmt.Errorf("launching verification process failed: %w", err)
	}
	w.runs = append(w.runs, run)
	return nil
}

// UpdateStats is one observer tick: rotate the host snapshot, sample every
// run, refresh partial results, kill unmonitored runs, then finalise and
// drop everything no longer running.
func (w *Window) UpdateStats() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.updateTotalTime()

	for _, run := range w.runs {
		run.TryUpdateStats(now, w.prevTotalTime, w.curTotalTime)
		run.UpdateReport()
		if last := run.LastMonitored(); !last.IsZero() && now.Sub(last) > w.monitorTimeout {
			run.Kill("not monitored within timeout")
		}
	}

	kept := w.runs[:0]
	for _, run := range w.runs {
		if run.IsRunning() {
			kept = append(kept, run)
			continue
		}
		run.FinaliseReport()
		run.workspace.Release()
		if w.OnRunFinished != nil {
			w.OnRunFinished(run.Duration())
		}
	}
	for i := len(kept); i < len(w.runs); i++ {
		w.runs[i] = nil
	}
	w.runs = kept
}

// KillProcess kills the first run with the given PID; reports whether one
// was found. The run is finalised by the next tick.
func (w *Window) KillProcess(pid int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, run := range w.runs {
		if run.PID() == pid {
			run.Kill("killed on request")
			return true
		}
	}
	return false
}

// Size is the number of supervised runs.
func (w *Window) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.runs)
}

// Empty reports whether no run is supervised.
func (w *Window) Empty() bool {
	return w.Size() == 0
}
