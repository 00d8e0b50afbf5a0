package workspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tkratochvila/verify-go-rewrite/internal/expiry"
	"github.com/tkratochvila/verify-go-rewrite/internal/toolkit"
)

// ErrNotFound is returned for unknown or already-expired workspace IDs.
var ErrNotFound = errors.New("workspace does not exist")

const dirPrefix = "workspace"

// Manager allocates and expires workspaces under a root directory.
type Manager struct {
	webRoot       string
	canonicalRoot string
	idleTimeout   time.Duration

	entries  *expiry.ExpirationMap[ID, *Workspace]
	expirer  *expiry.PeriodicExpirator[ID, *Workspace]
	onChange func(delta int)
}

// NewManager validates/creates the workspaces root, purges leftover
// workspace directories from a previous crash, and starts the background
// sweeper. onChange, when non-nil, is notified about the live-workspace
// count delta (+1 create, -1 destroy/expire).
func NewManager(root string, idleTimeout, sweepInterval time.Duration, onChange func(delta int)) (*Manager, error) {
	canonicalRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspaces root: %w", err)
	}
	if err := os.MkdirAll(canonicalRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspaces root: %w", err)
	}
	entries, err := os.ReadDir(canonicalRoot)
	if err != nil {
		return nil, fmt.Errorf("read workspaces root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), dirPrefix) {
			if err := os.RemoveAll(filepath.Join(canonicalRoot, e.Name())); err != nil {
				return nil, fmt.Errorf("purge leftover workspace %s: %w", e.Name(), err)
			}
			log.Info().Str("dir", e.Name()).Msg("Removed leftover workspace directory")
		}
	}

	m := &Manager{
		webRoot:       root,
		canonicalRoot: canonicalRoot,
		idleTimeout:   idleTimeout,
		entries:       expiry.NewExpirationMap[ID, *Workspace](),
		onChange:      onChange,
	}
	m.expirer = expiry.NewPeriodicExpirator(m.entries, sweepInterval, m.onExpired)
	return m, nil
}

// Stop joins the background sweeper.
func (m *Manager) Stop() {
	m.expirer.Stop()
}

// Create builds a workspace owning the given reservation and registers it
// with the idle deadline.
func (m *Manager) Create(reservation *toolkit.Reservation) (ID, *Workspace, error) {
	var id ID
	for {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
		if _, ok := m.entries.Get(id); !ok {
			break
		}
	}
	ws, err := newWorkspace(
		path.Join(m.webRoot, dirPrefix+id),
		filepath.Join(m.canonicalRoot, dirPrefix+id),
		reservation,
	)
	if err != nil {
		return "", nil, err
	}
	if err := m.entries.Insert(id, ws, m.idleTimeout); err != nil {
		ws.Release()
		return "", nil, fmt.Errorf("register workspace: %w", err)
	}
	m.notify(+1)
	log.Info().Str("workspace_id", id).Msg("Workspace created")
	return id, ws, nil
}

// Destroy removes the workspace from the manager. Its directory and
// reservation go away once the last reference is released.
func (m *Manager) Destroy(id ID) {
	// Remove is atomic with the sweeper's pop, so the manager's reference is
	// released exactly once even when destruction races expiry.
	ws, ok := m.entries.Remove(id)
	if !ok {
		return
	}
	m.notify(-1)
	ws.Release()
	log.Info().Str("workspace_id", id).Msg("Workspace destroyed")
}

// Get returns the workspace and renews its idle deadline.
func (m *Manager) Get(id ID) (*Workspace, error) {
	ws, ok := m.entries.GetRenew(id, m.idleTimeout)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ws, nil
}

func (m *Manager) onExpired(expired map[ID]*Workspace) {
	for id, ws := range expired {
		log.Info().Str("workspace_id", id).Msg("Workspace expired")
		m.notify(-1)
		ws.Release()
	}
}

func (m *Manager) notify(delta int) {
	if m.onChange != nil {
		m.onChange(delta)
	}
}
