// Package store persists run artifacts on disk: each run gets a
// timestamped directory holding the human-readable and machine-readable
// histories, the checker results tree, the full test map, and any node
// logs the harness downloaded. A stable "latest" symlink points at the
// most recent run.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/elchinoo/tempest/pkg/history"
)

// Run is one run's artifact directory.
type Run struct {
	ID   uuid.UUID
	Dir  string
	root string
}

// NewRun creates the timestamped directory store/<test-name>/<stamp>/ and
// repoints the latest symlink.
func NewRun(root, testName string, now time.Time) (*Run, error) {
	if root == "" {
		root = "store"
	}
	id := uuid.New()
	stamp := now.Format("20060102T150405.000Z0700")
	dir := filepath.Join(root, testName, stamp)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	// Repoint latest; a dangling or missing link is not an error.
	latest := filepath.Join(root, testName, "latest")
	_ = os.Remove(latest)
	if err := os.Symlink(stamp, latest); err != nil {
		return nil, fmt.Errorf("failed to update latest symlink: %w", err)
	}

	return &Run{ID: id, Dir: dir, root: root}, nil
}

// SaveHistory writes history.txt and history.json.
func (r *Run) SaveHistory(h *history.History) error {
	txt, err := os.Create(filepath.Join(r.Dir, "history.txt"))
	if err != nil {
		return fmt.Errorf("failed to create history.txt: %w", err)
	}
	defer func() { _ = txt.Close() }()
	if err := h.WriteText(txt); err != nil {
		return fmt.Errorf("failed to write history.txt: %w", err)
	}

	js, err := os.Create(filepath.Join(r.Dir, "history.json"))
	if err != nil {
		return fmt.Errorf("failed to create history.json: %w", err)
	}
	defer func() { _ = js.Close() }()
	if err := h.WriteJSON(js); err != nil {
		return fmt.Errorf("failed to write history.json: %w", err)
	}
	return nil
}

// SaveResults writes the checker results tree as results.json.
func (r *Run) SaveResults(results any) error {
	return r.saveJSON("results.json", results)
}

// SaveTest writes the full test map as test.json for later re-analysis.
func (r *Run) SaveTest(test any) error {
	return r.saveJSON("test.json", test)
}

func (r *Run) saveJSON(name string, v any) error {
	f, err := os.Create(filepath.Join(r.Dir, name))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// NodeLogDir returns (creating it) the directory for a node's downloaded
// log files.
func (r *Run) NodeLogDir(node string) (string, error) {
	dir := filepath.Join(r.Dir, "nodes", node)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create node log directory: %w", err)
	}
	return dir, nil
}
