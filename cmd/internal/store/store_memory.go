package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"prism/cmd/internal/ids"
)

const (
	memDefaultPollInterval = 500 * time.Millisecond
)

// MemoryStore is the local single-device backend: collections held in memory,
// optionally mirrored to JSON files under a data directory.
//
// Cross-process behavior mirrors the original local mock: another process
// writing the same data directory is picked up by a polling watcher, so
// propagation is eventual and consistency is last-writer-wins. Within one
// process, notifications are synchronous.
type MemoryStore struct {
	log       *slog.Logger
	dir       string
	pollEvery time.Duration

	mu          sync.Mutex
	collections map[string]map[string]Document

	notifier *notifier

	done      chan struct{}
	closeOnce sync.Once
}

// MemoryOption configures MemoryStore behavior.
type MemoryOption func(*MemoryStore)

// WithDataDir enables JSON file persistence under dir (one file per
// collection) and starts the cross-process polling watcher.
func WithDataDir(dir string) MemoryOption {
	return func(s *MemoryStore) { s.dir = strings.TrimSpace(dir) }
}

// WithPollInterval overrides the watcher poll interval (default 500ms).
func WithPollInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.pollEvery = d
		}
	}
}

// NewMemoryStore constructs the local adapter.
func NewMemoryStore(log *slog.Logger, opts ...MemoryOption) *MemoryStore {
	if log == nil {
		log = slog.Default()
	}
	s := &MemoryStore{
		log:         log,
		pollEvery:   memDefaultPollInterval,
		collections: make(map[string]map[string]Document),
		notifier:    newNotifier(log, "memory"),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.dir != "" {
		s.loadAll()
		go s.watch()
	}
	return s
}

// Close stops the watcher (idempotent).
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Subscribe registers a live snapshot listener.
func (s *MemoryStore) Subscribe(ctx context.Context, q Query, fn SnapshotFunc) (Unsubscribe, error) {
	return s.notifier.subscribe(ctx, q, fn, s.fetch)
}

// Get returns a copy of the document or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, collection, id string) (Document, error) {
	if collection == "" || id == "" {
		return nil, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

// Upsert merges fields into the document at id, creating it if absent.
func (s *MemoryStore) Upsert(ctx context.Context, collection, id string, fields Document) error {
	if collection == "" || id == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	coll := s.coll(collection)
	doc := coll[id]
	if doc == nil {
		doc = Document{"id": id}
	}
	coll[id] = mergeDocument(doc, fields)
	s.persist(collection)
	s.mu.Unlock()

	metricMutations.WithLabelValues("memory", "upsert").Inc()
	s.notifier.broadcast(ctx, collection, s.fetch)
	return nil
}

// Insert creates a new document with a generated id.
func (s *MemoryStore) Insert(ctx context.Context, collection string, fields Document) (string, error) {
	if collection == "" {
		return "", ErrInvalidInput
	}

	id, err := ids.NewULID(time.Now())
	if err != nil {
		return "", err
	}

	doc := fields.Clone()
	if doc == nil {
		doc = Document{}
	}
	doc["id"] = id

	s.mu.Lock()
	s.coll(collection)[id] = doc
	s.persist(collection)
	s.mu.Unlock()

	metricMutations.WithLabelValues("memory", "insert").Inc()
	s.notifier.broadcast(ctx, collection, s.fetch)
	return id, nil
}

// Mutate applies ops to the document at id. A missing id is tolerated
// silently, matching the original local mock.
func (s *MemoryStore) Mutate(ctx context.Context, collection, id string, ops []Update) error {
	if collection == "" || id == "" || len(ops) == 0 {
		return ErrInvalidInput
	}

	s.mu.Lock()
	doc, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	applyUpdates(doc, ops)
	s.persist(collection)
	s.mu.Unlock()

	metricMutations.WithLabelValues("memory", "mutate").Inc()
	s.notifier.broadcast(ctx, collection, s.fetch)
	return nil
}

// Remove deletes the document at id; missing ids are tolerated silently.
func (s *MemoryStore) Remove(ctx context.Context, collection, id string) error {
	if collection == "" || id == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	coll, ok := s.collections[collection]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if _, ok := coll[id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(coll, id)
	s.persist(collection)
	s.mu.Unlock()

	metricMutations.WithLabelValues("memory", "remove").Inc()
	s.notifier.broadcast(ctx, collection, s.fetch)
	return nil
}

// coll returns the live collection map, creating it if needed.
// Caller must hold s.mu.
func (s *MemoryStore) coll(name string) map[string]Document {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[string]Document)
		s.collections[name] = c
	}
	return c
}

func (s *MemoryStore) fetch(_ context.Context, q Query) ([]Document, error) {
	s.mu.Lock()
	coll := s.collections[q.Collection]
	docs := make([]Document, 0, len(coll))
	for _, d := range coll {
		if matches(d, q.Filters) {
			docs = append(docs, d.Clone())
		}
	}
	s.mu.Unlock()

	sortDocuments(docs, q.OrderBy, q.Descending)
	return docs, nil
}

// ---- file persistence + watcher ----

var collectionFileReplacer = strings.NewReplacer("/", "__")

func (s *MemoryStore) collectionPath(name string) string {
	return filepath.Join(s.dir, collectionFileReplacer.Replace(name)+".json")
}

// persist writes the collection file. Caller must hold s.mu.
// Write failures degrade to memory-only operation; they must not fail the
// mutation that triggered them.
func (s *MemoryStore) persist(collection string) {
	if s.dir == "" {
		return
	}

	coll := s.collections[collection]
	docs := make([]Document, 0, len(coll))
	for _, d := range coll {
		docs = append(docs, d)
	}
	sortDocuments(docs, "id", false)

	b, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		s.log.Warn("store.memory.persist.marshal_fail", "collection", collection, "err", err)
		return
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.log.Warn("store.memory.persist.mkdir_fail", "dir", s.dir, "err", err)
		return
	}

	path := s.collectionPath(collection)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		s.log.Warn("store.memory.persist.write_fail", "path", path, "err", err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.log.Warn("store.memory.persist.rename_fail", "path", path, "err", err)
	}
}

// loadAll restores every persisted collection at startup.
func (s *MemoryStore) loadAll() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("store.memory.load.readdir_fail", "dir", s.dir, "err", err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		collection := strings.ReplaceAll(strings.TrimSuffix(name, ".json"), "__", "/")
		docs, err := readCollectionFile(filepath.Join(s.dir, name))
		if err != nil {
			s.log.Warn("store.memory.load.fail", "file", name, "err", err)
			continue
		}
		coll := make(map[string]Document, len(docs))
		for _, d := range docs {
			if id := d.ID(); id != "" {
				coll[id] = d
			}
		}
		s.collections[collection] = coll
	}
}

// watch is the cross-process analogue of the original's storage-change
// events: it re-reads persisted collections and notifies subscribers when
// another writer changed them.
func (s *MemoryStore) watch() {
	t := time.NewTicker(s.pollEvery)
	defer t.Stop()

	digests := make(map[string]uint64)

	for {
		select {
		case <-s.done:
			return
		case <-t.C:
		}

		for _, collection := range s.notifier.collections() {
			docs, err := readCollectionFile(s.collectionPath(collection))
			if err != nil {
				continue
			}

			d := digestDocuments(docs)
			if digests[collection] == d {
				continue
			}
			digests[collection] = d

			s.mu.Lock()
			coll := make(map[string]Document, len(docs))
			for _, doc := range docs {
				if id := doc.ID(); id != "" {
					coll[id] = doc
				}
			}
			s.collections[collection] = coll
			s.mu.Unlock()

			s.notifier.broadcast(context.Background(), collection, s.fetch)
		}
	}
}

func readCollectionFile(path string) ([]Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var docs []Document
	if err := json.Unmarshal(b, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
