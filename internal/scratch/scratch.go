// Package scratch owns the local working directories of stage invocations.
//
// Every invocation gets its own workspace under the process scratch root. The workspace is
// removed when the invocation ends, whether it succeeded or not, so a worker can serve any
// number of invocations without accumulating files.
package scratch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Manager hands out workspaces below root.
type Manager struct {
	root   string
	logger *slog.Logger
}

func NewManager(root string, logger *slog.Logger) *Manager {
	return &Manager{root: root, logger: logger}
}

// Root returns the scratch root directory.
func (m *Manager) Root() string { return m.root }

// Workspace is one invocation's private directory tree.
type Workspace struct {
	id     string
	dir    string
	logger *slog.Logger
}

// Acquire creates a fresh workspace and the given sub-directories inside it.
// An empty id is replaced with a random UUID.
func (m *Manager) Acquire(id string, dirs ...string) (*Workspace, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch root: %w", err)
	}

	dir, err := os.MkdirTemp(m.root, id+"-")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	w := &Workspace{id: id, dir: dir, logger: m.logger.With("workspace", dir)}
	if err := w.Ensure(dirs...); err != nil {
		w.Release()
		return nil, err
	}
	return w, nil
}

// Run acquires a workspace, calls fn and releases the workspace unconditionally.
// A panic in fn still releases the workspace before propagating.
func (m *Manager) Run(id string, dirs []string, fn func(*Workspace) error) error {
	w, err := m.Acquire(id, dirs...)
	if err != nil {
		return err
	}
	defer w.Release()
	return fn(w)
}

func (w *Workspace) ID() string  { return w.id }
func (w *Workspace) Dir() string { return w.dir }

// Path joins elem onto the workspace directory.
func (w *Workspace) Path(elem ...string) string {
	return filepath.Join(append([]string{w.dir}, elem...)...)
}

// Ensure creates sub-directories of the workspace.
func (w *Workspace) Ensure(dirs ...string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(w.Path(d), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}

// Release removes the workspace. Failures are logged and swallowed; a path that is
// already gone is not a failure.
func (w *Workspace) Release() {
	if err := os.RemoveAll(w.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("workspace cleanup failed", "error", err)
		return
	}
	w.logger.Debug("workspace released")
}

// Sweep removes everything below the scratch root, including workspaces left behind by a
// crashed process. It returns the number of entries removed.
func (m *Manager) Sweep() (int, error) {
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading scratch root: %w", err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		p := filepath.Join(m.root, e.Name())
		if err := os.RemoveAll(p); err != nil {
			m.logger.Warn("sweep failed", "path", p, "error", err)
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
