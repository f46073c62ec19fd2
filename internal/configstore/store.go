package configstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/af-corp/aegis-router/internal/config"
)

// Store owns the routing document. Reads are lock-free snapshots; writes are
// serialized and published only after the persister has committed them.
type Store struct {
	persister Persister
	logger    *slog.Logger
	now       func() time.Time

	current atomic.Pointer[Snapshot]

	writeMu sync.Mutex
	version uint64

	subMu       sync.RWMutex
	subscribers []func(*Snapshot)
}

// New creates a store holding an empty document. Call Load before serving.
func New(persister Persister, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		persister: persister,
		logger:    logger,
		now:       time.Now,
	}
	s.current.Store(newSnapshot(&config.Document{}, 0, s.now()))
	return s
}

// Load reads the persisted document. When nothing is stored yet the default
// document is validated, saved and published.
func (s *Store) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, err := s.persister.Load(ctx)
	if errors.Is(err, ErrNoDocument) {
		s.logger.Info("no routing document stored, seeding defaults")
		doc = config.DefaultDocument()
		if err := Validate(doc); err != nil {
			return fmt.Errorf("default document: %w", err)
		}
		if err := s.persister.Save(ctx, doc); err != nil {
			return fmt.Errorf("seed routing document: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("load routing document: %w", err)
	}
	if err := Validate(doc); err != nil {
		return fmt.Errorf("stored routing document: %w", err)
	}

	s.publish(doc)
	return nil
}

// Reload re-reads the persister. An invalid document is rejected and the
// current snapshot stays in place. It reports whether anything changed.
func (s *Store) Reload(ctx context.Context) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc, err := s.persister.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("reload routing document: %w", err)
	}
	if err := Validate(doc); err != nil {
		return false, err
	}
	if reflect.DeepEqual(doc, s.current.Load().doc) {
		return false, nil
	}
	s.publish(doc)
	return true, nil
}

// Snapshot returns the latest committed document.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// OnChange registers fn to run after every committed change.
func (s *Store) OnChange(fn func(*Snapshot)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Update applies fn to a copy of the current document, validates the result,
// persists it and publishes it. Nothing is written when fn returns an error.
func (s *Store) Update(ctx context.Context, fn func(doc *config.Document) error) (*Snapshot, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	doc := s.current.Load().doc.Clone()
	if err := fn(doc); err != nil {
		return nil, err
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}
	if err := s.persister.Save(ctx, doc); err != nil {
		return nil, fmt.Errorf("persist routing document: %w", err)
	}
	return s.publish(doc), nil
}

// publish must be called with writeMu held.
func (s *Store) publish(doc *config.Document) *Snapshot {
	s.version++
	snap := newSnapshot(doc, s.version, s.now())
	s.current.Store(snap)

	s.logger.Info("routing document published",
		"version", snap.Version,
		"providers", len(doc.Providers),
		"clusters", len(doc.Clusters),
	)

	s.subMu.RLock()
	fns := append([]func(*Snapshot){}, s.subscribers...)
	s.subMu.RUnlock()
	for _, fn := range fns {
		fn(snap)
	}
	return snap
}

// Export returns a copy of the document with literal credentials masked.
// Environment placeholders are kept so the export can be re-imported.
func (s *Store) Export() *config.Document {
	doc := s.Snapshot().Document()
	for i := range doc.Providers {
		doc.Providers[i].Credentials = MaskCredentials(doc.Providers[i].Credentials)
	}
	return doc
}

// Reset replaces the document with config.DefaultDocument.
func (s *Store) Reset(ctx context.Context) (*Snapshot, error) {
	return s.Update(ctx, func(doc *config.Document) error {
		*doc = *config.DefaultDocument()
		return nil
	})
}

// MaskCredentials hides a literal secret. A bare ${VAR} placeholder is
// returned unchanged; a placeholder default is masked as ${VAR:****}.
func MaskCredentials(c string) string {
	if c == "" {
		return ""
	}
	if m := envPlaceholder.FindStringSubmatch(c); m != nil {
		if m[2] == "" {
			return c
		}
		return "${" + m[1] + ":****}"
	}
	if len(c) <= 8 {
		return "****"
	}
	return c[:4] + "****"
}

// Watch reloads the document when the file behind a FilePersister changes.
// Bursts of events within debounce collapse into one reload. It returns when
// ctx is done.
func (s *Store) Watch(ctx context.Context, path string, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		base := filepath.Base(path)

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				changed, err := s.Reload(ctx)
				if err != nil {
					s.logger.Error("failed to reload routing document", "file", path, "error", err)
					continue
				}
				if changed {
					s.logger.Info("routing document reloaded from disk", "file", path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("fsnotify error", "error", err)
			}
		}
	}()
	return nil
}

// Poll reloads the document every interval until ctx is done. It serves
// persisters without change notification, such as Postgres shared by
// several instances.
func (s *Store) Poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reload(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("failed to poll routing document", "error", err)
			}
		}
	}
}
