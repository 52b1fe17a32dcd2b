package rag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mudler/ragchat/rag/engine"
	"github.com/mudler/ragchat/rag/types"
	"github.com/mudler/xlog"
)

const schemaVersion = "v1"

// CollectionName is the collection used for a backend. The schema version is
// part of the name so that a new layout never reads old data.
func CollectionName(b types.Backend) string {
	return fmt.Sprintf("kb_%s_%s", b, schemaVersion)
}

// Registry resolves (user, backend) pairs to collections. Every user owns a
// private directory below the registry root.
type Registry struct {
	root string

	sync.Mutex
	dbs    map[int64]*engine.ChromemDB
	writes map[string]*sync.Mutex
}

func NewRegistry(root string) *Registry {
	return &Registry{
		root:   root,
		dbs:    map[int64]*engine.ChromemDB{},
		writes: map[string]*sync.Mutex{},
	}
}

// Namespace returns the storage directory of a user.
func (r *Registry) Namespace(userID int64) string {
	return filepath.Join(r.root, fmt.Sprintf("user_%d", userID))
}

func (r *Registry) db(userID int64) (*engine.ChromemDB, error) {
	r.Lock()
	defer r.Unlock()

	if db, ok := r.dbs[userID]; ok {
		return db, nil
	}
	db, err := engine.NewChromemDB(r.Namespace(userID))
	if err != nil {
		return nil, types.NewError(types.ErrStorage, "vector store unavailable", err)
	}
	r.dbs[userID] = db
	return db, nil
}

// Collection returns the handle for one (user, backend) pair.
func (r *Registry) Collection(userID int64, backend types.Backend) (*Collection, error) {
	if !backend.Valid() {
		return nil, types.NewError(types.ErrValidation, "unknown backend", nil)
	}
	db, err := r.db(userID)
	if err != nil {
		return nil, err
	}
	return &Collection{db: db, name: CollectionName(backend), backend: backend}, nil
}

// DeleteCollection drops one backend collection of a user. Missing
// collections are ignored.
func (r *Registry) DeleteCollection(userID int64, backend types.Backend) error {
	c, err := r.Collection(userID, backend)
	if err != nil {
		return err
	}
	return c.Delete()
}

// DeleteAll drops every collection of the user and leaves an empty
// namespace behind.
func (r *Registry) DeleteAll(userID int64) error {
	db, err := r.db(userID)
	if err != nil {
		return err
	}
	if err := db.Reset(); err != nil {
		return types.NewError(types.ErrStorage, "cannot clear vector store", err)
	}
	if err := os.MkdirAll(r.Namespace(userID), 0o700); err != nil {
		return types.NewError(types.ErrStorage, "cannot recreate vector store", err)
	}
	xlog.Info("Cleared vector namespace", "user", userID)
	return nil
}

// ActiveBackends lists, in backend order, the backends whose collection
// currently holds at least one chunk for the user. It reads the store each
// time.
func (r *Registry) ActiveBackends(userID int64) ([]types.Backend, error) {
	db, err := r.db(userID)
	if err != nil {
		return nil, err
	}
	present := map[string]bool{}
	for _, name := range db.Collections() {
		present[name] = true
	}
	var active []types.Backend
	for _, b := range types.Backends {
		if present[CollectionName(b)] {
			active = append(active, b)
		}
	}
	return active, nil
}

// WriteLock serializes writers (ingest, reindex, clear) on one
// (user, backend) pair. Readers are not blocked by it.
func (r *Registry) WriteLock(userID int64, backend types.Backend) func() {
	key := fmt.Sprintf("%d/%s", userID, backend)
	r.Lock()
	m, ok := r.writes[key]
	if !ok {
		m = &sync.Mutex{}
		r.writes[key] = m
	}
	r.Unlock()

	m.Lock()
	return m.Unlock
}

// Collection is the handle of one backend collection of one user.
type Collection struct {
	db      *engine.ChromemDB
	name    string
	backend types.Backend
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) Backend() types.Backend {
	return c.backend
}

func (c *Collection) Count() int {
	return c.db.Count(c.name)
}

// Add appends embedded chunks.
func (c *Collection) Add(ctx context.Context, chunks []types.Chunk, vectors [][]float32) error {
	if err := c.db.Add(ctx, c.name, chunks, vectors); err != nil {
		return types.NewError(types.ErrStorage, "cannot write to collection", err)
	}
	return nil
}

// Replace atomically swaps the collection content.
func (c *Collection) Replace(ctx context.Context, chunks []types.Chunk, vectors [][]float32) error {
	if err := c.db.Replace(ctx, c.name, chunks, vectors); err != nil {
		return types.NewError(types.ErrStorage, "cannot rebuild collection", err)
	}
	return nil
}

func (c *Collection) Delete() error {
	if err := c.db.Delete(c.name); err != nil {
		return types.NewError(types.ErrStorage, "cannot delete collection", err)
	}
	return nil
}

// Search returns up to k hits ordered by ascending distance, each tagged
// with this collection's backend.
func (c *Collection) Search(ctx context.Context, vec []float32, k int) ([]types.Hit, error) {
	hits, err := c.db.Search(ctx, c.name, vec, k)
	if err != nil {
		return nil, err
	}
	for i := range hits {
		hits[i].Backend = c.backend
	}
	return hits, nil
}
