package db

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Seqno is a monotonically increasing counter persisted to a file.
//
// Next marks the counter dirty; Commit rewrites the file via atomic rename.
// Write paths must Commit before persisting any property stamped with the
// allocated value so a crash cannot hand out the same seqno twice.
type Seqno struct {
	mu    sync.Mutex
	path  string
	value int64
	dirty bool
}

// OpenSeqno loads the counter from path, starting at zero when absent.
func OpenSeqno(path string) (*Seqno, error) {
	s := &Seqno{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return nil, err
	}
	s.value = value
	return s, nil
}

// Value returns the last allocated seqno.
func (s *Seqno) Value() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// Next allocates and returns the next seqno.
func (s *Seqno) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value++
	s.dirty = true
	return s.value
}

// Commit persists the counter if it changed since the last commit.
func (s *Seqno) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(s.value, 10)), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.dirty = false
	return nil
}
