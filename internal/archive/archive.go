// Package archive is the deduplicating store of file blobs and verification
// reports, keyed by content and request fingerprints. State is in-memory
// only; the on-disk roots are emptied at startup because orphan files could
// never be referenced again.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/verify-go-rewrite/internal/oslc"
	"github.com/tkratochvila/verify-go-rewrite/internal/toolkit"
)

// ErrNoSuchReport is returned when a report ID is not in the archive.
var ErrNoSuchReport = errors.New("no such report in archive")

// Archive holds the file and report stores. One lock guards both; a
// BorrowedReport keeps it held, so at most one borrow is live at a time.
type Archive struct {
	mu sync.Mutex

	reportDir string
	fileDir   string

	files   map[FileID]struct{}
	reports map[ReportID]*Report

	localAddress string
	redact       *regexp.Regexp
}

// New creates the archive roots if missing and then empties them.
// localAddress and redact parameterise the monitoring reporters built for
// new reports.
func New(reportDir, fileDir, localAddress string, redact *regexp.Regexp) (*Archive, error) {
	a := &Archive{
		reportDir:    reportDir,
		fileDir:      fileDir,
		files:        make(map[FileID]struct{}),
		reports:      make(map[ReportID]*Report),
		localAddress: localAddress,
		redact:       redact,
	}
	for _, dir := range []string{reportDir, fileDir} {
		if err := resetDir(dir); err != nil {
			return nil, err
		}
	}
	log.Info().Str("report_dir", reportDir).Str("file_dir", fileDir).Msg("Archive initialised")
	return a, nil
}

// resetDir ensures dir exists and is empty.
func resetDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read archive dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("purge archive dir %s: %w", dir, err)
		}
	}
	return nil
}

// InsertFile stores the content under its fingerprint. The boolean reports
// whether the content was new; either way the returned ID is stable for the
// content.
func (a *Archive) InsertFile(content []byte) (bool, FileID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := xxhash.Sum64(content)
	if _, ok := a.files[id]; ok {
		return false, id, nil
	}
	path := filepath.Join(a.fileDir, archivedFileName(id))
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return false, 0, fmt.Errorf("store archived file: %w", err)
	}
	a.files[id] = struct{}{}
	return true, id, nil
}

// HasFile reports whether the blob is archived.
func (a *Archive) HasFile(id FileID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.files[id]
	return ok
}

// FilePath returns the on-disk path of an archived blob, or "" when the
// blob is unknown.
func (a *Archive) FilePath(id FileID) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.files[id]; !ok {
		return ""
	}
	return filepath.Join(a.fileDir, archivedFileName(id))
}

// archivedFileName is the deterministic on-disk name for a blob; workspaces
// resolve files by ID through it.
func archivedFileName(id FileID) string {
	return fmt.Sprintf("tmp_%016x", id)
}

// InsertReport checks a report in. When a report with the same fingerprint
// exists, it is returned with isNew == false and no new report is built.
func (a *Archive) InsertReport(tool *toolkit.Tool, params []string, inputs []FileID, planName string, outputCount int) (bool, ReportID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := fingerprint(tool.Hash(), inputs, params, planName)
	if _, ok := a.reports[id]; ok {
		return false, id
	}
	reporter := oslc.NewReporter(planName, a.localAddress, a.redact)
	a.reports[id] = newReport(tool, params, inputs, planName, outputCount, reporter)
	return true, id
}

// HasReport reports whether the fingerprint is known.
func (a *Archive) HasReport(id ReportID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reports[id]
	return ok
}

// BorrowReport returns a scoped handle holding both the archive's and the
// report's lock. The handle must stay on the borrowing call's stack: release
// it with defer and never hand it to another goroutine.
func (a *Archive) BorrowReport(id ReportID) (*BorrowedReport, error) {
	a.mu.Lock()
	r, ok := a.reports[id]
	if !ok {
		a.mu.Unlock()
		return nil, ErrNoSuchReport
	}
	r.mu.Lock()
	return &BorrowedReport{archive: a, report: r}, nil
}

// BorrowedReport grants exclusive access to one report. While it is live the
// report can neither move nor be observed by any other code path.
type BorrowedReport struct {
	archive  *Archive
	report   *Report
	released bool
}

// Report exposes the borrowed report. Only valid before Release.
func (b *BorrowedReport) Report() *Report {
	if b.released {
		panic("archive: use of released BorrowedReport")
	}
	return b.report
}

// Release unlocks the report and the archive, in that order. Idempotent.
func (b *BorrowedReport) Release() {
	if b.released {
		return
	}
	b.released = true
	b.report.mu.Unlock()
	b.archive.mu.Unlock()
}
