// Package refstore persists reference laps as one versioned JSON document per
// (track, car) pair. Writes publish atomically via write-temp+rename; corrupt
// documents are quarantined and replaced with an empty store so a bad file
// never takes down the session.
package refstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apex-data/racecoach/internal/monitoring"
)

// DocumentVersion is the current on-disk schema version.
const DocumentVersion = 1

// Document is the on-disk reference document for one (track, car) pair.
// Lap payloads are kept raw so roles written by newer builds survive a
// read-modify-write cycle untouched.
type Document struct {
	Version int                        `json:"version"`
	Track   string                     `json:"track"`
	Car     string                     `json:"car"`
	Laps    map[string]json.RawMessage `json:"laps"`
}

// Key identifies one stored document.
type Key struct {
	Track string `json:"track"`
	Car   string `json:"car"`
}

// Store is the on-disk reference lap corpus.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created lazily on
// first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Load reads the document for (track, car). A missing file yields an empty
// document; a corrupt file is quarantined and also yields an empty document.
func (s *Store) Load(track, car string) (*Document, error) {
	path := s.path(track, car)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return emptyDocument(track, car), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reference store: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.quarantine(path, err)
		return emptyDocument(track, car), nil
	}
	if doc.Laps == nil {
		doc.Laps = make(map[string]json.RawMessage)
	}
	return &doc, nil
}

// SaveLap writes one role's payload into the (track, car) document,
// preserving every other role, and publishes the file atomically.
func (s *Store) SaveLap(track, car, role string, payload any) error {
	doc, err := s.Load(track, car)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode reference lap: %w", err)
	}
	doc.Laps[role] = raw
	return s.write(doc)
}

// List enumerates the (track, car) pairs with stored references.
func (s *Store) List() ([]Key, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list reference store: %w", err)
	}
	var keys []Key
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		keys = append(keys, Key{Track: doc.Track, Car: doc.Car})
	}
	return keys, nil
}

func (s *Store) write(doc *Document) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create reference dir: %w", err)
	}
	doc.Version = DocumentVersion
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode reference document: %w", err)
	}
	path := s.path(doc.Track, doc.Car)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write reference temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to publish reference file: %w", err)
	}
	return nil
}

// quarantine moves a corrupt document aside so the next write starts clean
// while the bad bytes stay available for inspection.
func (s *Store) quarantine(path string, cause error) {
	q := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, q); err != nil {
		monitoring.Logf("[refstore] quarantine of %s failed: %v (parse error: %v)", path, err, cause)
		return
	}
	monitoring.Logf("[refstore] quarantined corrupt document %s -> %s: %v", path, q, cause)
}

func (s *Store) path(track, car string) string {
	return filepath.Join(s.dir, slug(track)+"__"+slug(car)+".json")
}

func emptyDocument(track, car string) *Document {
	return &Document{
		Version: DocumentVersion,
		Track:   track,
		Car:     car,
		Laps:    make(map[string]json.RawMessage),
	}
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
