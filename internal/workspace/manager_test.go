package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestCreate_ProvisionsDirectory(t *testing.T) {
	m := newTestManager(t)
	agentID := uuid.New()

	path, tag, err := m.Create(context.Background(), agentID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat workspace: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("workspace %s is not a directory", path)
	}
	if perm := info.Mode().Perm(); perm&0o027 != 0 {
		t.Errorf("workspace perm = %o, want no group-write or world access", perm)
	}
	if !strings.HasPrefix(path, m.Base()+string(filepath.Separator)) {
		t.Errorf("path %s not under base %s", path, m.Base())
	}
	if len(tag) != 8 {
		t.Errorf("tag = %q, want 8 hex chars", tag)
	}
	if !strings.Contains(path, agentID.String()) || !strings.HasSuffix(path, tag) {
		t.Errorf("path %s should embed agent id and tag %q", path, tag)
	}
}

func TestCreate_DistinctPathsPerCall(t *testing.T) {
	m := newTestManager(t)
	agentID := uuid.New()

	first, firstTag, err := m.Create(context.Background(), agentID)
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	second, secondTag, err := m.Create(context.Background(), agentID)
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}

	if first == second {
		t.Errorf("both workspaces resolved to %s", first)
	}
	if firstTag == secondTag {
		t.Errorf("both tags resolved to %q", firstTag)
	}
}

func TestCleanup_RemovesDirectory(t *testing.T) {
	m := newTestManager(t)
	agentID := uuid.New()

	path, _, err := m.Create(context.Background(), agentID)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path, "scratch.txt"), []byte("wip"), 0o640); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := m.Cleanup(context.Background(), agentID, path); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("workspace %s still present after cleanup", path)
	}
}

func TestCleanup_MissingPathIsNoOp(t *testing.T) {
	m := newTestManager(t)

	gone := filepath.Join(m.Base(), "already-removed")
	if err := m.Cleanup(context.Background(), uuid.New(), gone); err != nil {
		t.Fatalf("Cleanup of missing path: %v", err)
	}
}

func TestCleanup_RejectsOutsideBase(t *testing.T) {
	m := newTestManager(t)

	outside := t.TempDir()
	err := m.Cleanup(context.Background(), uuid.New(), outside)
	if !errors.Is(err, ErrOutsideBase) {
		t.Fatalf("err = %v, want ErrOutsideBase", err)
	}

	// The base itself must not be removable either.
	if err := m.Cleanup(context.Background(), uuid.New(), m.Base()); !errors.Is(err, ErrOutsideBase) {
		t.Fatalf("cleanup of base: err = %v, want ErrOutsideBase", err)
	}

	// Traversal back out of the base is caught after Clean.
	sneaky := filepath.Join(m.Base(), "..", "victim")
	if err := m.Cleanup(context.Background(), uuid.New(), sneaky); !errors.Is(err, ErrOutsideBase) {
		t.Fatalf("cleanup of traversal path: err = %v, want ErrOutsideBase", err)
	}
}

func TestNewManager_CreatesNestedBase(t *testing.T) {
	base := filepath.Join(t.TempDir(), "drover", "agents")

	m, err := NewManager(base, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := os.Stat(m.Base()); err != nil {
		t.Fatalf("base not created: %v", err)
	}
}

func TestNewManager_EmptyBase(t *testing.T) {
	_, err := NewManager("", zaptest.NewLogger(t))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestWritable(t *testing.T) {
	m := newTestManager(t)
	if err := m.Writable(context.Background()); err != nil {
		t.Fatalf("Writable: %v", err)
	}

	if err := os.RemoveAll(m.Base()); err != nil {
		t.Fatalf("remove base: %v", err)
	}
	if err := m.Writable(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Writable after base removal: err = %v, want ErrUnavailable", err)
	}
}
