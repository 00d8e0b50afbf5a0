package toolkit

import (
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"
)

// runVersionProbe executes the tool's version command and returns its
// combined output. Injectable for tests.
var runVersionProbe = func(path string) ([]byte, error) {
	return exec.Command(path, "--version").CombinedOutput()
}

// Tool is an external verification executable known to the server.
type Tool struct {
	mu sync.Mutex

	name           string
	path           string
	outputParser   string
	singleInstance bool
	version        string
	capabilities   map[string]struct{}
	busy           bool
}

// NewTool registers the executable and probes its version. A failed probe
// leaves the tool permanently busy so it can never be reserved.
func NewTool(name, path, outputParser string, singleInstance bool) *Tool {
	t := &Tool{
		name:           name,
		path:           path,
		outputParser:   outputParser,
		singleInstance: singleInstance,
		capabilities:   make(map[string]struct{}),
	}
	t.updateVersion()
	return t
}

// updateVersion runs `<path> --version` and extracts the version line: the
// text from the first "version" token (falling back to "v", falling back to
// the start of the output) up to the end of that line.
func (t *Tool) updateVersion() {
	out, err := runVersionProbe(t.path)
	if err != nil {
		t.mu.Lock()
		t.version = "ERROR"
		t.busy = true
		t.mu.Unlock()
		log.Warn().Str("tool", t.name).Str("path", t.path).Err(err).
			Msg("Version probe failed, tool disabled")
		return
	}
	data := string(out)
	lower := strings.ToLower(data)
	pos := strings.Index(lower, "version")
	if pos < 0 {
		pos = strings.Index(lower, "v")
	}
	if pos < 0 {
		pos = 0
	}
	end := strings.IndexByte(data[pos:], '\n')
	if end < 0 {
		end = len(data) - pos
	}
	t.mu.Lock()
	t.version = strings.TrimSpace(data[pos : pos+end])
	t.mu.Unlock()
}

// Acquire attempts to take the tool. A busy tool cannot be taken; acquiring
// a single-instance tool marks it busy, any other tool stays free.
func (t *Tool) Acquire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.busy {
		return false
	}
	if t.singleInstance {
		t.busy = true
	}
	return true
}

// Release clears the busy flag.
func (t *Tool) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.busy = false
}

// IsFree reports whether the tool can currently be acquired.
func (t *Tool) IsFree() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.busy
}

// Hash is the tool's contribution to report fingerprints: a stable mix of
// name, version and path.
func (t *Tool) Hash() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return xxhash.Sum64String(t.name) + xxhash.Sum64String(t.version) + xxhash.Sum64String(t.path)
}

// AddCategory tags the tool with a capability.
func (t *Tool) AddCategory(c string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capabilities[c] = struct{}{}
}

// HasCategory reports whether the tool carries the capability tag.
func (t *Tool) HasCategory(c string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.capabilities[c]
	return ok
}

// Capabilities returns the tool's capability tags, sorted.
func (t *Tool) Capabilities() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	caps := make([]string, 0, len(t.capabilities))
	for c := range t.capabilities {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

func (t *Tool) Name() string { return t.name }

func (t *Tool) Path() string { return t.path }

func (t *Tool) OutputParser() string { return t.outputParser }

func (t *Tool) Version() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}
