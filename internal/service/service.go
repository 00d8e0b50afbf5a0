// Package service glues the archive, toolkit, workspaces and execution
// window into the externally visible verification operations.
package service

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/verify-go-rewrite/internal/archive"
	"github.com/tkratochvila/verify-go-rewrite/internal/config"
	"github.com/tkratochvila/verify-go-rewrite/internal/execution"
	"github.com/tkratochvila/verify-go-rewrite/internal/metrics"
	"github.com/tkratochvila/verify-go-rewrite/internal/oslc"
	"github.com/tkratochvila/verify-go-rewrite/internal/toolkit"
	"github.com/tkratochvila/verify-go-rewrite/internal/workspace"
)

// ErrPermission is returned when a workspace addresses a report it never
// registered.
var ErrPermission = errors.New("cannot access report")

// VerificationService is the orchestration facade. One instance serves the
// whole process; its sub-components are shared by reference.
type VerificationService struct {
	cfg     *config.Config
	archive *archive.Archive
	toolkit *toolkit.ToolKit
	window  *execution.Window
	wsman   *workspace.Manager
	metrics *metrics.Metrics

	observerStop chan struct{}
	observerDone sync.WaitGroup
}

// New builds the service and starts the observer tick. The toolkit must
// already be loaded.
func New(cfg *config.Config, kit *toolkit.ToolKit, m *metrics.Metrics) (*VerificationService, error) {
	redact, err := compileRedaction(cfg.RedactPattern)
	if err != nil {
		return nil, err
	}
	a, err := archive.New(cfg.ReportArchiveDir, cfg.FileArchiveDir, localAddress(), redact)
	if err != nil {
		return nil, err
	}

	var onWorkspaces func(int)
	if m != nil {
		onWorkspaces = func(delta int) { m.LiveWorkspaces.Add(float64(delta)) }
	}
	wsman, err := workspace.NewManager(cfg.WorkspaceRoot, cfg.WorkspaceIdle, cfg.ExpirationInterval, onWorkspaces)
	if err != nil {
		return nil, err
	}

	s := &VerificationService{
		cfg:          cfg,
		archive:      a,
		toolkit:      kit,
		window:       execution.NewWindow(cfg.MonitorTimeout),
		wsman:        wsman,
		metrics:      m,
		observerStop: make(chan struct{}),
	}
	if m != nil {
		s.window.OnRunFinished = func(d time.Duration) {
			m.RunDuration.Observe(d.Seconds())
			m.ActiveRuns.Dec()
		}
	}

	s.observerDone.Add(1)
	go s.observe()
	return s, nil
}

func compileRedaction(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	redact, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile redaction pattern: %w", err)
	}
	return redact, nil
}

// Stop joins the observer and the workspace sweeper. In-flight runs are
// abandoned; the archive is rebuilt at next startup anyway.
func (s *VerificationService) Stop() {
	close(s.observerStop)
	s.observerDone.Wait()
	s.wsman.Stop()
}

// observe ticks the execution window on a fixed cadence. Panics never cross
// the loop boundary.
func (s *VerificationService) observe() {
	defer s.observerDone.Done()
	ticker := time.NewTicker(s.cfg.ObserverTick)
	defer ticker.Stop()

	previousTasks := -1
	for {
		select {
		case <-s.observerStop:
			return
		case <-ticker.C:
			if n := s.window.Size(); n != previousTasks {
				previousTasks = n
				log.Debug().Int("running_tasks", n).Msg("Observer tick")
			}
			if s.window.Empty() {
				continue
			}
			s.tick()
		}
	}
}

func (s *VerificationService) tick() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Observer tick panicked")
		}
	}()
	s.window.UpdateStats()
}

// CreateWorkspace reserves the tool and allocates a workspace. Returns the
// workspace ID and its externally visible path.
func (s *VerificationService) CreateWorkspace(toolName string) (workspace.ID, string, error) {
	reservation, err := s.toolkit.Reserve(toolName)
	if err != nil {
		return "", "", err
	}
	id, ws, err := s.wsman.Create(reservation)
	if err != nil {
		reservation.Release()
		return "", "", err
	}
	return id, ws.WebPath(), nil
}

// DestroyWorkspace removes the workspace; its directory and reservation are
// released once no run references it.
func (s *VerificationService) DestroyWorkspace(id workspace.ID) {
	s.wsman.Destroy(id)
}

// AddFile archives the content and checks it into the workspace under
// fileName.
func (s *VerificationService) AddFile(workspaceID workspace.ID, fileName string, content []byte) (bool, archive.FileID, error) {
	ws, err := s.wsman.Get(workspaceID)
	if err != nil {
		return false, 0, err
	}
	isNew, fileID, err := s.archive.InsertFile(content)
	if err != nil {
		return false, 0, err
	}
	if isNew && s.metrics != nil {
		s.metrics.ArchivedFiles.Inc()
	}
	if err := ws.CheckinFile(s.archive, fileID, fileName); err != nil {
		return false, 0, err
	}
	return isNew, fileID, nil
}

// Verify checks the report in and starts a run when the result is not
// already known or being computed. Returns whether a run was started and
// the report's ID.
func (s *VerificationService) Verify(workspaceID workspace.ID, fields oslc.VerifyFields) (bool, archive.ReportID, error) {
	ws, err := s.wsman.Get(workspaceID)
	if err != nil {
		return false, 0, err
	}

	tool, ok := s.toolkit.Get(fields.ToolName)
	if !ok {
		return false, 0, fmt.Errorf("cannot verify: unknown tool (%s)", fields.ToolName)
	}
	reserved, err := ws.Tool()
	if err != nil {
		return false, 0, err
	}
	if reserved.Name() != tool.Name() {
		return false, 0, fmt.Errorf("invalid tool requested: requested %s but reserved %s", tool.Name(), reserved.Name())
	}

	inputIDs := make([]archive.FileID, 0, len(fields.InputIDs))
	for _, raw := range fields.InputIDs {
		id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil || !ws.HasFile(id) {
			return false, 0, fmt.Errorf("invalid input file ID specified: %s", raw)
		}
		inputIDs = append(inputIDs, id)
	}

	outputCount := strings.Count(fields.CallSchema, "o")
	isNew, reportID := s.archive.InsertReport(tool, fields.Parameters, inputIDs, fields.AutomationPlan, outputCount)
	if isNew && s.metrics != nil {
		s.metrics.ArchivedReports.Inc()
	}

	// Either way the workspace may now monitor and kill this report.
	ws.AddReport(reportID)

	if !isNew {
		rerun, err := s.shouldRerun(reportID)
		if err != nil {
			return false, 0, err
		}
		if !rerun {
			return false, reportID, nil
		}
	}

	if err := s.window.StartNewRun(reportID, s.archive, ws, fields.CallSchema); err != nil {
		return false, 0, err
	}
	if s.metrics != nil {
		s.metrics.ActiveRuns.Inc()
	}
	return true, reportID, nil
}

// shouldRerun reports whether an existing report needs a fresh run: its
// result is not valid and no run is currently computing it.
func (s *VerificationService) shouldRerun(id archive.ReportID) (bool, error) {
	b, err := s.archive.BorrowReport(id)
	if err != nil {
		return false, err
	}
	defer b.Release()
	r := b.Report()
	return !r.Valid && !r.Running, nil
}

// Monitoring renders the monitoring document for a report the workspace is
// allowed to see.
func (s *VerificationService) Monitoring(workspaceID workspace.ID, reportID archive.ReportID) (string, error) {
	ws, err := s.wsman.Get(workspaceID)
	if err != nil {
		return "", err
	}
	if !ws.IsReportAllowed(reportID) || !s.archive.HasReport(reportID) {
		return "", ErrPermission
	}
	b, err := s.archive.BorrowReport(reportID)
	if err != nil {
		return "", err
	}
	defer b.Release()
	r := b.Report()
	return r.Reporter.Render(r.Snapshot())
}

// KillTask kills the process of a report the workspace is allowed to touch.
func (s *VerificationService) KillTask(workspaceID workspace.ID, reportID archive.ReportID) error {
	ws, err := s.wsman.Get(workspaceID)
	if err != nil {
		return err
	}
	if !ws.IsReportAllowed(reportID) || !s.archive.HasReport(reportID) {
		return fmt.Errorf("%w: %d", ErrPermission, reportID)
	}
	b, err := s.archive.BorrowReport(reportID)
	if err != nil {
		return err
	}
	pid := b.Report().PID
	b.Release()

	log.Info().Int("pid", pid).Uint64("report_id", reportID).Msg("Kill requested")
	s.window.KillProcess(pid)
	return nil
}

// Availability renders the capability summary: per capability its
// availability, then each tool carrying it with its own state.
func (s *VerificationService) Availability() string {
	var sb strings.Builder
	for _, category := range s.toolkit.Capabilities() {
		sb.WriteString(category)
		sb.WriteString(" ")
		sb.WriteString(s.toolkit.CategoryAvailable(category))
		sb.WriteString("\n")
		for _, name := range s.toolkit.ToolsFor(category) {
			state := "busy"
			if t, ok := s.toolkit.Get(name); ok && t.IsFree() {
				state = "yes"
			}
			sb.WriteString(" - ")
			sb.WriteString(name)
			sb.WriteString(" ")
			sb.WriteString(state)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
