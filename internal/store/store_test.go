package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/elchinoo/tempest/pkg/history"
	"github.com/elchinoo/tempest/pkg/types"
)

func TestNewRunCreatesDirectoryAndSymlink(t *testing.T) {
	root := t.TempDir()
	run, err := NewRun(root, "register", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(run.Dir); err != nil {
		t.Fatalf("run directory missing: %v", err)
	}
	target, err := os.Readlink(filepath.Join(root, "register", "latest"))
	if err != nil {
		t.Fatalf("latest symlink missing: %v", err)
	}
	if filepath.Join(root, "register", target) != run.Dir {
		t.Fatalf("latest points at %q", target)
	}
}

func TestLatestRepointsToNewestRun(t *testing.T) {
	root := t.TempDir()
	if _, err := NewRun(root, "bank", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}
	second, err := NewRun(root, "bank", time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	target, err := os.Readlink(filepath.Join(root, "bank", "latest"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Join(root, "bank", target) != second.Dir {
		t.Fatalf("latest not repointed: %q", target)
	}
}

func TestSaveHistoryWritesBothForms(t *testing.T) {
	run, err := NewRun(t.TempDir(), "set", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	h := history.New()
	h.Append(types.Op{Process: 0, Type: types.OpInvoke, F: "add", Value: int64(1)}, 0)
	h.Append(types.Op{Process: 0, Type: types.OpOk, F: "add"}, 1)
	if err := run.SaveHistory(h); err != nil {
		t.Fatal(err)
	}

	txt, err := os.ReadFile(filepath.Join(run.Dir, "history.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if len(txt) == 0 {
		t.Fatal("history.txt is empty")
	}

	js, err := os.Open(filepath.Join(run.Dir, "history.json"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = js.Close() }()
	back, err := history.ReadJSON(js)
	if err != nil {
		t.Fatal(err)
	}
	if back.Len() != 2 {
		t.Fatalf("round trip lost ops: %d", back.Len())
	}
}

func TestNodeLogDir(t *testing.T) {
	run, err := NewRun(t.TempDir(), "register", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	dir, err := run.NodeLogDir("n1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("node log dir missing: %v", err)
	}
}
