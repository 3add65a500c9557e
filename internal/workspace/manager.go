// Package workspace provisions per-agent scratch directories. Every agent
// gets exactly one mutable directory for its lifetime; nothing is shared
// between agents and nothing survives termination.
package workspace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnavailable means the workspace base is missing or not writable.
var ErrUnavailable = errors.New("workspace base unavailable")

// ErrOutsideBase rejects cleanup of paths that do not live under the base.
var ErrOutsideBase = errors.New("path outside workspace base")

const dirMode = 0o750

// Manager creates and removes agent workspaces under one base directory.
type Manager struct {
	base   string
	logger *zap.Logger
}

// NewManager creates the workspace manager and ensures the base directory
// exists.
func NewManager(base string, logger *zap.Logger) (*Manager, error) {
	if base == "" {
		return nil, fmt.Errorf("%w: base path is empty", ErrUnavailable)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.MkdirAll(abs, dirMode); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Manager{base: abs, logger: logger}, nil
}

// Base returns the absolute base directory.
func (m *Manager) Base() string {
	return m.base
}

// Create provisions a fresh directory for the agent. The tag is a random
// suffix so a respawned agent id never lands in a stale directory.
func (m *Manager) Create(_ context.Context, agentID uuid.UUID) (string, string, error) {
	tag, err := randomTag()
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	path := filepath.Join(m.base, fmt.Sprintf("%s-%s", agentID, tag))
	if err := os.Mkdir(path, dirMode); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	m.logger.Debug("Workspace created",
		zap.String("agent_id", agentID.String()),
		zap.String("path", path),
	)
	return path, tag, nil
}

// Cleanup removes an agent workspace. A missing directory is not an error;
// a path outside the base is.
func (m *Manager) Cleanup(_ context.Context, agentID uuid.UUID, path string) error {
	cleaned := filepath.Clean(path)
	if !strings.HasPrefix(cleaned, m.base+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideBase, path)
	}

	if err := os.RemoveAll(cleaned); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}

	m.logger.Debug("Workspace removed",
		zap.String("agent_id", agentID.String()),
		zap.String("path", cleaned),
	)
	return nil
}

// Writable probes the base directory. Backs the health checker.
func (m *Manager) Writable(_ context.Context) error {
	probe, err := os.CreateTemp(m.base, ".probe-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	name := probe.Name()
	_ = probe.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func randomTag() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
