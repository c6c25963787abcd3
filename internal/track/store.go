package track

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/apex-data/racecoach/internal/monitoring"
)

// RemoteSource generates a layout for a track the local caches do not know.
// Its output is validated against the segment invariants before caching.
type RemoteSource interface {
	GenerateLayout(ctx context.Context, track string) (*Layout, error)
}

// Store resolves track layouts through three tiers: in-memory cache, on-disk
// JSON cache, and an optional remote generator. It fails soft: when every
// tier misses, callers get the degenerate single-segment layout.
type Store struct {
	dir    string
	remote RemoteSource

	mu    sync.Mutex
	cache map[string]*Layout
}

// NewStore creates a store with the given disk cache directory. remote may be
// nil, disabling the third tier.
func NewStore(dir string, remote RemoteSource) *Store {
	return &Store{
		dir:    dir,
		remote: remote,
		cache:  make(map[string]*Layout),
	}
}

// Layout resolves the layout for a track, never returning nil. Resolution
// failures are logged and answered with the degenerate layout, which is also
// cached so the remote source is not hammered per lap.
func (st *Store) Layout(ctx context.Context, track string) *Layout {
	st.mu.Lock()
	if l, ok := st.cache[track]; ok {
		st.mu.Unlock()
		return l
	}
	st.mu.Unlock()

	l := st.resolve(ctx, track)

	st.mu.Lock()
	st.cache[track] = l
	st.mu.Unlock()
	return l
}

func (st *Store) resolve(ctx context.Context, track string) *Layout {
	if l, err := st.loadDisk(track); err == nil {
		return l
	} else if !os.IsNotExist(err) {
		monitoring.Logf("[track] disk cache for %q unreadable: %v", track, err)
	}

	if st.remote != nil {
		l, err := st.remote.GenerateLayout(ctx, track)
		if err != nil {
			monitoring.Logf("[track] remote layout for %q failed: %v", track, err)
		} else if err := l.Validate(); err != nil {
			monitoring.Logf("[track] remote layout for %q rejected: %v", track, err)
		} else {
			if err := st.saveDisk(l); err != nil {
				monitoring.Logf("[track] failed to cache layout for %q: %v", track, err)
			}
			return l
		}
	}

	return Degenerate(track)
}

// Put installs a layout directly (used for bundled layouts and tests). The
// layout is validated and written through to the disk cache.
func (st *Store) Put(l *Layout) error {
	if err := l.Validate(); err != nil {
		return err
	}
	st.mu.Lock()
	st.cache[l.Track] = l
	st.mu.Unlock()
	return st.saveDisk(l)
}

func (st *Store) loadDisk(track string) (*Layout, error) {
	data, err := os.ReadFile(st.path(track))
	if err != nil {
		return nil, err
	}
	var l Layout
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cached layout: %w", err)
	}
	return &l, nil
}

func (st *Store) saveDisk(l *Layout) error {
	if st.dir == "" {
		return nil
	}
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	// Write-to-temp then rename so a crashed write never leaves a torn file.
	tmp := st.path(l.Track) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, st.path(l.Track))
}

func (st *Store) path(track string) string {
	return filepath.Join(st.dir, slug(track)+".json")
}

// slug converts a display name into a stable filename.
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
