// Package storage provides file-backed persistence for the provisioner's
// small bits of durable state: the node id, the agent pid and the SSH
// identity location.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Store provides persistent file-based storage rooted at the data directory.
type Store struct {
	dataDir string
	mu      sync.RWMutex
}

// NewStore creates a Store rooted at dataDir, ensuring the directory exists.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	return &Store{dataDir: dataDir}, nil
}

// NodeID returns the persisted node id, generating one on first use. The id
// labels this host's log streams and survives re-provisioning runs.
func (s *Store) NodeID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dataDir, "node_id")
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("write node id: %w", err)
	}
	return id, nil
}

// SaveAgentPID persists the launched agent's pid so a re-run can detect an
// already-serving agent instead of launching a second one.
func (s *Store) SaveAgentPID(pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(filepath.Join(s.dataDir, "agent.pid"), []byte(strconv.Itoa(pid)), 0o644)
}

// AgentPID reads the persisted agent pid. Returns 0 when none is recorded.
func (s *Store) AgentPID() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.dataDir, "agent.pid"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("corrupt agent.pid: %w", err)
	}
	return pid, nil
}

// KeyDir returns the directory holding the node's SSH identity.
func (s *Store) KeyDir() string {
	return filepath.Join(s.dataDir, ".ssh")
}
