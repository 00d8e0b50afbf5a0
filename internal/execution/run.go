package execution

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/tkratochvila/verify-go-rewrite/internal/archive"
	"github.com/tkratochvila/verify-go-rewrite/internal/workspace"
)

const (
	stdoutFileName  = "out"
	stderrFileName  = "err"
	partialFileName = "partVerResult.txt"

	// How long finalisation waits for the reaper after the process is gone.
	waitGrace = 5 * time.Second
)

// runOutputParser invokes the tool's output parser with the capture paths
// and exit code. Injectable for tests.
var runOutputParser = func(parser, outPath, errPath string, retCode int) ([]byte, error) {
	return exec.Command(parser, outPath, errPath, strconv.Itoa(retCode)).Output()
}

// Run supervises one verification child process. The report is always
// re-borrowed through the archive by ID; the Run never caches a report
// pointer.
type Run struct {
	mu sync.Mutex

	archive   *archive.Archive
	reportID  archive.ReportID
	workspace *workspace.Workspace

	startTime time.Time
	endTime   time.Time

	outFileName string
	errFileName string
	outFile     *os.File
	errFile     *os.File

	cmd      *exec.Cmd
	pid      int
	waitDone chan struct{}

	killed    bool
	prevUTime float64
	prevSTime float64
}

// startRun spawns the child described by argv with the workspace directory
// as cwd, stdout and stderr redirected into truncated capture files. The
// caller holds the borrow; the report's running state is set under it.
// On success the run holds a workspace reference until it is finalised.
func startRun(b *archive.BorrowedReport, reportID archive.ReportID, a *archive.Archive, ws *workspace.Workspace, argv []string) (*Run, error) {
	r := &Run{
		archive:     a,
		reportID:    reportID,
		workspace:   ws,
		startTime:   time.Now(),
		outFileName: filepath.Join(ws.CanonicalPath(), stdoutFileName),
		errFileName: filepath.Join(ws.CanonicalPath(), stderrFileName),
		waitDone:    make(chan struct{}),
	}

	var err error
	if r.outFile, err = os.Create(r.outFileName); err != nil {
		return nil, err
	}
	if r.errFile, err = os.Create(r.errFileName); err != nil {
		r.outFile.Close()
		return nil, err
	}

	r.cmd = exec.Command(argv[0], argv[1:]...)
	r.cmd.Dir = ws.CanonicalPath()
	r.cmd.Stdout = r.outFile
	r.cmd.Stderr = r.errFile
	// Own process group so a kill reaches the tool's children too.
	r.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := r.cmd.Start(); err != nil {
		r.outFile.Close()
		r.errFile.Close()
		return nil, err
	}
	r.pid = r.cmd.Process.Pid
	ws.Retain()

	go func() {
		_ = r.cmd.Wait()
		close(r.waitDone)
	}()

	report := b.Report()
	report.Running = true
	report.PID = r.pid
	report.RunningResult = "Started."

	log.Info().Int("pid", r.pid).Str("command", report.CallCommand).Msg("Verification process started")
	return r, nil
}

// PID returns the child's OS process ID.
func (r *Run) PID() int { return r.pid }

func (r *Run) waitFinished() bool {
	select {
	case <-r.waitDone:
		return true
	default:
		return false
	}
}

// IsRunning determines whether the child is still alive: not yet reaped,
// its counters readable and its state not zombie. Any failed check kills
// the run and schedules finalisation.
func (r *Run) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.waitFinished() {
		r.killLocked("process exited")
		return false
	}
	stats, err := processStats(r.pid)
	if err != nil {
		r.killLocked("failed to read process stats")
		return false
	}
	if stats.zombie {
		r.killLocked("process is a zombie")
		return false
	}
	return true
}

// Kill terminates the child's process group.
func (r *Run) Kill(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killLocked(reason)
}

func (r *Run) killLocked(reason string) {
	if r.killed {
		return
	}
	r.killed = true
	r.endTime = time.Now()
	if !r.waitFinished() {
		log.Info().Int("pid", r.pid).Str("reason", reason).Msg("Killing verification process")
		if err := unix.Kill(-r.pid, unix.SIGKILL); err != nil {
			// Group kill can fail when the leader already died; try the
			// process itself.
			if err := r.cmd.Process.Kill(); err != nil {
				log.Debug().Err(err).Int("pid", r.pid).Msg("Process kill failed")
			}
		}
	} else {
		log.Debug().Int("pid", r.pid).Str("reason", reason).Msg("Verification process finished")
	}
}

// TryUpdateStats appends one resource sample to the report. hostPrev and
// hostCur are the matched host-jiffy pair captured this tick. Read failures
// are skipped; the liveness check catches a dead process.
func (r *Run) TryUpdateStats(now time.Time, hostPrev, hostCur float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats, err := processStats(r.pid)
	if err != nil {
		return
	}
	free, freePct, err := freeMemory()
	if err != nil {
		log.Debug().Err(err).Msg("Free-memory read failed")
	}

	sample := archive.ResourceSample{
		CPUUserPct: cpuUsagePct(r.prevUTime, stats.utime, hostPrev, hostCur),
		CPUSysPct:  cpuUsagePct(r.prevSTime, stats.stime, hostPrev, hostCur),
		VSize:      stats.vsize,
		RSS:        stats.rss,
		MemFree:    free,
		MemFreePct: freePct,
	}
	r.prevUTime = stats.utime
	r.prevSTime = stats.stime

	b, err := r.archive.BorrowReport(r.reportID)
	if err != nil {
		log.Warn().Err(err).Uint64("report_id", r.reportID).Msg("Report vanished during sampling")
		return
	}
	defer b.Release()
	b.Report().Resources = append(b.Report().Resources, archive.Sample{At: now, Resource: sample})
}

// UpdateReport refreshes the report's partial result from the workspace's
// partial-result file, when the tool writes one.
func (r *Run) UpdateReport() {
	data, err := os.ReadFile(filepath.Join(r.workspace.CanonicalPath(), partialFileName))
	if err != nil {
		return
	}
	b, err := r.archive.BorrowReport(r.reportID)
	if err != nil {
		return
	}
	defer b.Release()
	b.Report().PartVerResult = string(data)
}

// LastMonitored reads the report's last-monitored timestamp.
func (r *Run) LastMonitored() time.Time {
	b, err := r.archive.BorrowReport(r.reportID)
	if err != nil {
		return time.Time{}
	}
	defer b.Release()
	return b.Report().LastMonitored
}

// FinaliseReport commits the terminal fields: exit code, captured outputs,
// parsed output, run time, peak memory and validity. Called exactly once,
// after the last liveness check returned false.
func (r *Run) FinaliseReport() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.endTime.IsZero() {
		r.endTime = time.Now()
	}

	// The reaper returns promptly once the process is dead; the grace
	// period only guards against a wedged wait.
	select {
	case <-r.waitDone:
	case <-time.After(waitGrace):
		log.Warn().Int("pid", r.pid).Msg("Timed out waiting for process reap")
	}
	r.outFile.Close()
	r.errFile.Close()

	retCode := -1
	if state := r.cmd.ProcessState; state != nil {
		retCode = state.ExitCode()
	}

	stdOut := readOrCreate(r.outFileName)
	errOut := readOrCreate(r.errFileName)
	partial, partialErr := os.ReadFile(filepath.Join(r.workspace.CanonicalPath(), partialFileName))

	parsed, parserRan, parserErr := r.parseOutput(retCode)

	b, err := r.archive.BorrowReport(r.reportID)
	if err != nil {
		log.Error().Err(err).Uint64("report_id", r.reportID).Msg("Cannot finalise vanished report")
		return
	}
	defer b.Release()

	report := b.Report()
	report.ReturnCode = retCode
	report.StdOutput = stdOut
	report.ErrOutput = errOut
	if partialErr == nil {
		report.PartVerResult = string(partial)
	}
	if parserErr != nil {
		report.ParsedOutput = "ERROR"
	} else if parserRan {
		report.ParsedOutput = parsed
	}
	report.RunTime = r.endTime.Sub(r.startTime)
	report.PeakMemory = 0
	for _, s := range report.Resources {
		if s.Resource.VSize > report.PeakMemory {
			report.PeakMemory = s.Resource.VSize
		}
	}
	report.Date = r.startTime
	report.Running = false
	report.RunningResult = "Verification finished."
	report.Valid = true

	log.Info().
		Int("pid", r.pid).
		Int("ret_code", retCode).
		Dur("run_time", report.RunTime).
		Msg("Verification finished")
}

// parseOutput runs the tool's output parser. A tool without a parser yields
// no parsed output; a failing parser yields an error.
func (r *Run) parseOutput(retCode int) (string, bool, error) {
	b, err := r.archive.BorrowReport(r.reportID)
	if err != nil {
		return "", false, err
	}
	parser := b.Report().Tool.OutputParser()
	b.Release()

	if parser == "" {
		return "", false, nil
	}
	if !strings.ContainsRune(parser, os.PathSeparator) {
		parser = "./" + parser
	}
	out, err := runOutputParser(parser, r.outFileName, r.errFileName, retCode)
	if err != nil {
		log.Warn().Err(err).Str("parser", parser).Msg("Output parser failed")
		return "", true, err
	}
	return string(out), true, nil
}

// Duration is the run's wall-clock time; zero until the run ended.
func (r *Run) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endTime.IsZero() {
		return 0
	}
	return r.endTime.Sub(r.startTime)
}

// readOrCreate returns the file's content, creating an empty file when it
// is missing so downstream readers see a normal file.
func readOrCreate(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if f, err := os.Create(path); err == nil {
			f.Close()
		}
		return ""
	}
	return string(data)
}
