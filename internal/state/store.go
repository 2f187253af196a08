package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"crypto_link/internal/domain"
)

// LoadSource tells where a loaded document came from.
type LoadSource string

const (
	SourcePrimary     LoadSource = "primary"
	SourceBackup      LoadSource = "recovered-backup"
	SourceInitialized LoadSource = "initialized"
	SourceReset       LoadSource = "reset"
)

// LoadResult describes the outcome of Load.
type LoadResult struct {
	Source      LoadSource
	Path        string // file the document was read from, empty for defaults
	FromVersion string
	Migrated    bool
	Corruption  error // integrity failure of the primary file, if any
}

// Options configures a Store.
type Options struct {
	Path       string
	Debounce   time.Duration // minimum gap between background flushes
	BackupKeep int           // backups retained after each persist, 0 keeps all
	Clock      func() time.Time

	// OnPersist is called after every persist attempt.
	OnPersist func(elapsed time.Duration, err error)
}

// Store guards the document with a single lock. Disk writes are serialized by
// a separate lock so that mutations never wait on I/O.
type Store struct {
	opts       Options
	migrations map[string]migration

	mu        sync.RWMutex
	doc       *Document
	dirty     bool
	lastFlush time.Time

	ioMu sync.Mutex

	cbMu      sync.Mutex
	callbacks []func(Metadata)
	queued    []Metadata
	draining  bool
	drained   *sync.Cond // signalled on cbMu when a drain finishes

	notify chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStore creates a store holding a default document. Call Load to read disk.
func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	s := &Store{
		opts:       opts,
		migrations: migrations,
		doc:        NewDocument(opts.Clock()),
		notify:     make(chan struct{}, 1),
	}
	s.drained = sync.NewCond(&s.cbMu)
	return s
}

// Path returns the primary state file.
func (s *Store) Path() string {
	return s.opts.Path
}

func (s *Store) known(v string) bool {
	return knownVersion(s.migrations, v)
}

// Load reads the primary file, recovering from backups when it cannot be used
// and migrating older versions to CurrentVersion.
func (s *Store) Load() (LoadResult, error) {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	path := s.opts.Path
	res := LoadResult{Source: SourcePrimary, Path: path}
	doc, from, err := s.readCandidate(path)
	switch {
	case err == nil:
		return s.adopt(doc, from, res), nil

	case errors.Is(err, fs.ErrNotExist):
		slog.Info("No state file, starting with defaults", slog.String("path", path))
		s.install(NewDocument(s.opts.Clock()), true)
		return LoadResult{Source: SourceInitialized}, nil

	case errors.Is(err, domain.ErrStateCorruption):
		slog.Error("State corruption detected, attempting recovery",
			slog.String("path", path),
			slog.Any("error", err))
		return s.recover(err)

	default:
		res.FromVersion = from
		return res, fmt.Errorf("failed to load state %s: %w", path, err)
	}
}

// recover promotes the most recently modified usable backup, or resets.
// A backup is promoted only after it migrates and decodes.
func (s *Store) recover(corruption error) (LoadResult, error) {
	path := s.opts.Path
	backups, err := listBackups(path)
	if err != nil {
		slog.Warn("Failed to list state backups", slog.Any("error", err))
	}

	quarantine := fmt.Sprintf("%s.corrupt-%s", path, s.opts.Clock().UTC().Format(backupLayout))
	if err := os.Rename(path, quarantine); err != nil {
		slog.Warn("Failed to quarantine corrupt state file", slog.Any("error", err))
	}

	for _, b := range backups {
		doc, from, err := s.readCandidate(b.path)
		if err != nil {
			slog.Warn("Skipping unusable state backup",
				slog.String("path", b.path),
				slog.Any("error", err))
			continue
		}
		data, err := os.ReadFile(b.path)
		if err != nil {
			continue
		}
		if err := writeAtomic(path, data); err != nil {
			return LoadResult{}, fmt.Errorf("failed to promote backup: %w", err)
		}
		slog.Warn("State recovered from backup", slog.String("backup", b.path))
		return s.adopt(doc, from, LoadResult{Source: SourceBackup, Path: b.path, Corruption: corruption}), nil
	}

	slog.Error("No valid state backup, resetting to defaults",
		slog.Int("backups_scanned", len(backups)))
	s.install(NewDocument(s.opts.Clock()), true)
	return LoadResult{Source: SourceReset, Corruption: corruption}, nil
}

// adopt installs a migrated and decoded document as the live one.
func (s *Store) adopt(doc *Document, from string, res LoadResult) LoadResult {
	res.FromVersion = from
	res.Migrated = from != CurrentVersion
	s.install(doc, res.Migrated || res.Source == SourceBackup)

	slog.Info("State loaded",
		slog.String("source", string(res.Source)),
		slog.String("version", from),
		slog.Int("orders", len(doc.Orders)),
		slog.Int("positions", len(doc.Positions)))
	return res
}

func (s *Store) install(doc *Document, dirty bool) {
	s.mu.Lock()
	s.doc = doc
	s.dirty = dirty
	s.mu.Unlock()
	if dirty {
		s.signal()
	}
}

// readCandidate reads, checks, migrates and decodes path. Content that cannot
// become a Document is reported as ErrStateCorruption. A missing migration
// link is not: it means this build cannot read the file.
func (s *Store) readCandidate(path string) (*Document, string, error) {
	raw, err := s.readDocument(path)
	if err != nil {
		return nil, "", err
	}
	from, err := migrate(raw, s.migrations)
	if err != nil {
		return nil, from, err
	}
	doc, err := decode(raw)
	if err != nil {
		return nil, from, fmt.Errorf("%w: %v", domain.ErrStateCorruption, err)
	}
	return doc, from, nil
}

// readDocument parses path into a raw map and runs the integrity check.
func (s *Store) readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStateCorruption, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: empty document", domain.ErrStateCorruption)
	}
	if err := checkIntegrity(raw, s.known); err != nil {
		return nil, err
	}
	return raw, nil
}

func decode(raw map[string]any) (*Document, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	doc.fillDefaults()
	return &doc, nil
}

// Persist backs up the existing file and atomically writes the document.
func (s *Store) Persist() error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() (err error) {
	start := time.Now()
	defer func() {
		if s.opts.OnPersist != nil {
			s.opts.OnPersist(time.Since(start), err)
		}
	}()

	path := s.opts.Path
	now := s.opts.Clock()

	var backup string
	if _, statErr := os.Stat(path); statErr == nil {
		backup = backupPath(path, now)
	}

	s.mu.Lock()
	if backup != "" {
		s.doc.Metadata.LastBackup = filepath.Base(backup)
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.dirty = false
	s.mu.Unlock()

	if err == nil && backup != "" {
		if err = copyFile(path, backup); err != nil {
			err = fmt.Errorf("failed to back up state: %w", err)
		}
	}
	if err == nil {
		err = writeAtomic(path, data)
	}
	if err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.lastFlush = now
	s.mu.Unlock()

	pruneBackups(path, s.opts.BackupKeep)
	return nil
}

// Mutate applies fn under the lock and fires change callbacks after release.
func (s *Store) Mutate(fn func(doc *Document)) {
	s.mu.Lock()
	fn(s.doc)
	s.doc.Metadata.UpdateCount++
	s.doc.Metadata.UpdatedAt = s.opts.Clock()
	s.dirty = true
	meta := s.doc.Metadata
	s.mu.Unlock()

	s.signal()
	s.fire(meta)
}

// View runs fn with read access. fn must not retain doc.
func (s *Store) View(fn func(doc *Document)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.doc)
}

// Metadata returns a copy of the document metadata.
func (s *Store) Metadata() Metadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Metadata
}

// Dirty reports whether there are unflushed mutations.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// OnChange registers a callback fired after every mutation or import.
// Callbacks run in mutation order on a separate goroutine, never on the
// caller of Mutate, so they may use locks the mutating caller holds.
func (s *Store) OnChange(cb func(Metadata)) {
	s.cbMu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.cbMu.Unlock()
}

func (s *Store) fire(meta Metadata) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	if len(s.callbacks) == 0 {
		return
	}
	s.queued = append(s.queued, meta)
	if !s.draining {
		s.draining = true
		go s.drain()
	}
}

// drain delivers queued changes until the queue is empty. At most one drain
// runs at a time.
func (s *Store) drain() {
	for {
		s.cbMu.Lock()
		if len(s.queued) == 0 {
			s.draining = false
			s.drained.Broadcast()
			s.cbMu.Unlock()
			return
		}
		meta := s.queued[0]
		s.queued = s.queued[1:]
		cbs := slices.Clone(s.callbacks)
		s.cbMu.Unlock()

		for _, cb := range cbs {
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("State change callback panicked", slog.Any("panic", r))
					}
				}()
				cb(meta)
			}()
		}
	}
}

// WaitCallbacks blocks until every queued change callback has run.
func (s *Store) WaitCallbacks() {
	s.cbMu.Lock()
	for s.draining {
		s.drained.Wait()
	}
	s.cbMu.Unlock()
}

// Export serializes the full document.
func (s *Store) Export() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.MarshalIndent(s.doc, "", "  ")
}

// Import replaces the live document. The payload must pass the integrity
// check and already be at CurrentVersion; it is not migrated.
func (s *Store) Import(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStateCorruption, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: empty document", domain.ErrStateCorruption)
	}
	if err := checkIntegrity(raw, s.known); err != nil {
		return err
	}
	if v := raw["metadata"].(map[string]any)["version"]; v != CurrentVersion {
		return fmt.Errorf("import requires version %s, got %v", CurrentVersion, v)
	}

	doc, err := decode(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStateCorruption, err)
	}

	s.mu.Lock()
	s.doc = doc
	s.dirty = true
	meta := doc.Metadata
	s.mu.Unlock()

	slog.Info("State imported", slog.Int("orders", len(doc.Orders)))
	s.signal()
	s.fire(meta)
	return nil
}

func (s *Store) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Start runs the debounced background flusher until ctx ends or Stop.
func (s *Store) Start(ctx context.Context) {
	if s.done != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.flushLoop(ctx)
}

// Stop ends the flusher, waits for pending change callbacks and performs a
// final flush if anything is dirty.
func (s *Store) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.WaitCallbacks()
	return s.flushIfDirty()
}

func (s *Store) flushLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}

		if wait := s.untilDue(); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		if err := s.flushIfDirty(); err != nil {
			slog.Error("Background state flush failed", slog.Any("error", err))
			t := time.NewTimer(s.opts.Debounce)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			s.signal()
		}
	}
}

func (s *Store) untilDue() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastFlush.IsZero() {
		return 0
	}
	return s.lastFlush.Add(s.opts.Debounce).Sub(s.opts.Clock())
}

func (s *Store) flushIfDirty() error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if !s.Dirty() {
		return nil
	}
	return s.persistLocked()
}
