package ranges

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Load reads a Ranges file written by Save. A missing file yields an empty
// Ranges so callers can start from scratch.
func Load(path string) (Ranges, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var r Ranges
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// Save writes the Ranges as JSON via atomic rename.
func (r Ranges) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
