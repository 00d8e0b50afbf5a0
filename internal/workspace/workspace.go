// Package workspace provides per-session filesystem sandboxes. Each
// workspace owns a directory under the workspaces root, holds the session's
// tool reservation and records which files and reports the session may
// touch.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/verify-go-rewrite/internal/archive"
	"github.com/tkratochvila/verify-go-rewrite/internal/toolkit"
)

// ErrEscape rejects check-in paths that would leave the workspace directory.
var ErrEscape = errors.New("attempted escape from workspace")

// ErrUnknownFile is returned when a file ID was never checked into the
// workspace.
var ErrUnknownFile = errors.New("file not present in workspace")

// ID is an opaque, collision-free workspace identifier.
type ID = string

// Workspace is one session's sandbox. The directory and the tool
// reservation are torn down when the last holder releases its reference:
// the manager holds one, every live Run holds another, so an expired
// workspace with a running verification survives until the run finalises.
type Workspace struct {
	mu sync.Mutex

	webPath       string
	canonicalPath string
	reservation   *toolkit.Reservation
	reports       map[archive.ReportID]struct{}
	files         map[archive.FileID]string

	refs atomic.Int32
}

func newWorkspace(webPath, canonicalPath string, reservation *toolkit.Reservation) (*Workspace, error) {
	if err := os.MkdirAll(canonicalPath, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	w := &Workspace{
		webPath:       webPath,
		canonicalPath: canonicalPath,
		reservation:   reservation,
		reports:       make(map[archive.ReportID]struct{}),
		files:         make(map[archive.FileID]string),
	}
	w.refs.Store(1)
	return w, nil
}

// Retain takes an additional reference, keeping the directory and the
// reservation alive past the manager's expiry.
func (w *Workspace) Retain() {
	w.refs.Add(1)
}

// Release drops a reference. The last release removes the directory tree
// and frees the tool reservation.
func (w *Workspace) Release() {
	if w.refs.Add(-1) > 0 {
		return
	}
	if err := os.RemoveAll(w.canonicalPath); err != nil {
		log.Warn().Err(err).Str("path", w.canonicalPath).Msg("Failed to remove workspace directory")
	}
	w.reservation.Release()
}

// CheckinFile copies an archived blob into the workspace at relPath and
// records the mapping. A duplicate path with a different ID overwrites.
func (w *Workspace) CheckinFile(a *archive.Archive, id archive.FileID, relPath string) error {
	if !isRelativePathWithinWorkspace(relPath) {
		return fmt.Errorf("%w: %q", ErrEscape, relPath)
	}
	// Resolve through the archive before taking the workspace lock: the
	// execution window reads workspace paths while holding the archive lock,
	// so the reverse nesting here would invert the lock order.
	src := a.FilePath(id)
	if src == "" {
		return fmt.Errorf("%w: %d", ErrUnknownFile, id)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	dst := filepath.Join(w.canonicalPath, relPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create check-in parent dir: %w", err)
	}
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("check in file: %w", err)
	}
	w.files[id] = relPath
	return nil
}

// isRelativePathWithinWorkspace rejects parent references and shell
// metacharacters in any path element.
func isRelativePathWithinWorkspace(relPath string) bool {
	if relPath == "" || filepath.IsAbs(relPath) {
		return false
	}
	for _, element := range strings.Split(filepath.ToSlash(relPath), "/") {
		if strings.Contains(element, "..") || strings.ContainsAny(element, "~$`") {
			return false
		}
	}
	return true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// AddReport allows this workspace to monitor and kill the report.
func (w *Workspace) AddReport(id archive.ReportID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reports[id] = struct{}{}
}

// IsReportAllowed reports whether the session may access the report.
func (w *Workspace) IsReportAllowed(id archive.ReportID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.reports[id]
	return ok
}

// HasFile reports whether the blob was checked into this workspace.
func (w *Workspace) HasFile(id archive.FileID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.files[id]
	return ok
}

// RelativeFilePath returns the workspace-relative path a blob was checked
// in at.
func (w *Workspace) RelativeFilePath(id archive.FileID) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rel, ok := w.files[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownFile, id)
	}
	return rel, nil
}

// Tool returns the reserved tool; fails when the reservation is no longer
// valid.
func (w *Workspace) Tool() (*toolkit.Tool, error) {
	return w.reservation.Tool()
}

// CanonicalPath is the absolute directory of the sandbox.
func (w *Workspace) CanonicalPath() string { return w.canonicalPath }

// WebPath is the externally visible path of the sandbox.
func (w *Workspace) WebPath() string { return w.webPath }
