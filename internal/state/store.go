package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"crypto-futures-trader/internal/model"
)

// Snapshot 是落盘的持仓状态
type Snapshot struct {
	SavedAt   time.Time        `json:"saved_at"`
	Positions []model.Position `json:"positions"`
}

// FileStore 把 OPEN 持仓写到 JSON 文件，重启后用于恢复账本
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save 先写临时文件再 rename，避免写到一半的文件
func (s *FileStore) Save(positions []model.Position, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if positions == nil {
		positions = []model.Position{}
	}
	data, err := json.MarshalIndent(Snapshot{SavedAt: at.UTC(), Positions: positions}, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("state: create dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state: write: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load 文件不存在时返回空列表
func (s *FileStore) Load() ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", s.path, err)
	}
	return snap.Positions, nil
}
