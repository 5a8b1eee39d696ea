package storage

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"pagespeed/model"
)

const settingsFile = "settings.json"

// Store keeps merchant settings and injection audit records as JSON files
// under a base directory.
type Store struct {
	baseDir string
	mu      sync.Mutex
}

// New creates a new Store instance with the given base directory.
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// EnsureDirs creates the necessary directory structure.
func (s *Store) EnsureDirs() error {
	return os.MkdirAll(filepath.Join(s.baseDir, "audits"), 0o755)
}

// LoadSettings returns the saved settings, or the defaults when none were
// saved yet.
func (s *Store) LoadSettings() (model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.baseDir, settingsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.DefaultSettings(), nil
		}
		return model.Settings{}, err
	}
	defer f.Close()

	settings := model.DefaultSettings()
	if err := json.NewDecoder(f).Decode(&settings); err != nil {
		return model.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

// SaveSettings replaces the stored settings atomically.
func (s *Store) SaveSettings(settings model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.baseDir, settingsFile)
	return writeJSON(path+".tmp", path, settings)
}

// SaveAudit stores rec under audits/YYYY/MM/DD. Missing IDs and timestamps
// are filled in.
func (s *Store) SaveAudit(rec *model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec == nil {
		return fmt.Errorf("nil audit record")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = NewID(rec.Timestamp)
	}

	t := rec.Timestamp.UTC()
	dir := filepath.Join(
		s.baseDir,
		"audits",
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(dir, rec.ID+".json")
	return writeJSON(path+".tmp", path, rec)
}

// ListAudits retrieves all audit records within the specified time range,
// sorted by timestamp in ascending order.
func (s *Store) ListAudits(from, to time.Time) ([]model.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from = from.UTC()
	to = to.UTC()

	base := filepath.Join(s.baseDir, "audits")
	var records []model.AuditRecord

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		var r model.AuditRecord
		if err := json.NewDecoder(f).Decode(&r); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		if r.Timestamp.IsZero() {
			return nil
		}

		t := r.Timestamp.UTC()
		if t.Before(from) || t.After(to) {
			return nil
		}

		records = append(records, r)
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ID < records[j].ID
		}
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	return records, nil
}

// NewID returns a lexically sortable id for t.
func NewID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func writeJSON(tmp, path string, v any) error {
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
