package recon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bitbucket.org/gridfocus/settlements_backend/utils"
)

func isNotFound(err error) bool {
	return errors.Is(err, utils.ErrorRecordNotFound)
}

// FileCheckpointStore keeps one JSON file per operation name under a
// directory, separate from the main database so a crash mid-write can never
// touch the dataset. Saves go to a temp file first and are atomically renamed
// into place; a torn write leaves the previous checkpoint intact.
type FileCheckpointStore struct {
	dir string
}

func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, NewConfigError("checkpoint directory not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}
	return &FileCheckpointStore{dir: dir}, nil
}

func (s *FileCheckpointStore) path(operation string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '-'
		}
	}, operation)
	return filepath.Join(s.dir, safe+".json")
}

func (s *FileCheckpointStore) Load(operation string) (*Checkpoint, error) {
	raw, err := os.ReadFile(s.path(operation))
	if os.IsNotExist(err) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for %s: %w", operation, err)
	}
	return &cp, nil
}

func (s *FileCheckpointStore) Save(cp *Checkpoint) error {
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path(cp.Operation))
}

func (s *FileCheckpointStore) Delete(operation string) error {
	err := os.Remove(s.path(operation))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (s *FileCheckpointStore) List() ([]Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var cps []Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var cp Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			// Skip unreadable files rather than failing the listing.
			continue
		}
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].Operation < cps[j].Operation })
	return cps, nil
}
