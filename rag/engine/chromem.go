package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/mudler/ragchat/rag/types"
	"github.com/mudler/xlog"
	"github.com/philippgille/chromem-go"
)

const (
	metaSource  = "source"
	metaPage    = "page"
	metaUserID  = "user_id"
	metaBackend = "kb_backend"
	metaFileID  = "file_id"
)

var errQueryEmbedding = errors.New("collections only accept precomputed embeddings")

// ChromemDB is one user's vector namespace: a persistent chromem database
// holding one collection per backend.
type ChromemDB struct {
	path string
	db   *chromem.DB

	sync.Mutex
	locks map[string]*sync.RWMutex
}

func NewChromemDB(path string) (*ChromemDB, error) {
	db, err := chromem.NewPersistentDB(path, true)
	if err != nil {
		return nil, fmt.Errorf("opening vector store at %s: %w", path, err)
	}
	return &ChromemDB{
		path:  path,
		db:    db,
		locks: map[string]*sync.RWMutex{},
	}, nil
}

func (c *ChromemDB) Path() string {
	return c.path
}

func (c *ChromemDB) lock(collection string) *sync.RWMutex {
	c.Lock()
	defer c.Unlock()
	l, ok := c.locks[collection]
	if !ok {
		l = &sync.RWMutex{}
		c.locks[collection] = l
	}
	return l
}

// embedding is registered on every collection so that chromem never falls
// back to its default remote embedder. Vectors are always computed by the
// caller with the backend's own embedder.
func embedding() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return nil, errQueryEmbedding
	}
}

// Count returns the number of chunks in the collection, or zero when it
// does not exist.
func (c *ChromemDB) Count(collection string) int {
	l := c.lock(collection)
	l.RLock()
	defer l.RUnlock()

	col := c.db.GetCollection(collection, embedding())
	if col == nil {
		return 0
	}
	return col.Count()
}

// Collections lists the names of the collections that hold at least one chunk.
// A collection being replaced is reported once the replacement settles.
func (c *ChromemDB) Collections() []string {
	known := map[string]struct{}{}
	for name := range c.db.ListCollections() {
		known[name] = struct{}{}
	}
	c.Lock()
	for name := range c.locks {
		known[name] = struct{}{}
	}
	c.Unlock()

	var names []string
	for name := range known {
		if c.Count(name) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Add appends chunks with their precomputed vectors to the collection,
// creating it when needed.
func (c *ChromemDB) Add(ctx context.Context, collection string, chunks []types.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("got %d chunks but %d vectors", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}

	l := c.lock(collection)
	l.Lock()
	defer l.Unlock()

	col, err := c.db.GetOrCreateCollection(collection, nil, embedding())
	if err != nil {
		return fmt.Errorf("error creating collection: %w", err)
	}
	return addDocuments(ctx, col, chunks, vectors)
}

// Replace swaps the whole content of the collection for the given chunks.
// Readers wait for the swap to finish, and a failed swap restores the
// previous content.
func (c *ChromemDB) Replace(ctx context.Context, collection string, chunks []types.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("got %d chunks but %d vectors", len(chunks), len(vectors))
	}

	l := c.lock(collection)
	l.Lock()
	defer l.Unlock()

	var snapshot bytes.Buffer
	if c.db.GetCollection(collection, embedding()) != nil {
		if err := c.db.ExportToWriter(&snapshot, false, "", collection); err != nil {
			return fmt.Errorf("error saving collection %s: %w", collection, err)
		}
	}

	if err := c.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("error deleting collection: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}

	col, err := c.db.GetOrCreateCollection(collection, nil, embedding())
	if err == nil {
		err = addDocuments(ctx, col, chunks, vectors)
	}
	if err != nil {
		if rerr := c.restore(collection, snapshot.Bytes()); rerr != nil {
			xlog.Error("cannot restore collection", "collection", collection, "error", rerr)
		}
		return err
	}
	return nil
}

func (c *ChromemDB) restore(collection string, snapshot []byte) error {
	if err := c.db.DeleteCollection(collection); err != nil {
		return err
	}
	if len(snapshot) == 0 {
		return nil
	}
	return c.db.ImportFromReader(bytes.NewReader(snapshot), "", collection)
}

// Delete drops the collection. Deleting a missing collection is not an error.
func (c *ChromemDB) Delete(collection string) error {
	l := c.lock(collection)
	l.Lock()
	defer l.Unlock()

	if err := c.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("error deleting collection: %w", err)
	}
	return nil
}

// Reset drops every collection of the namespace.
func (c *ChromemDB) Reset() error {
	c.Lock()
	locks := make([]*sync.RWMutex, 0, len(c.locks))
	for _, l := range c.locks {
		locks = append(locks, l)
	}
	c.Unlock()

	for _, l := range locks {
		l.Lock()
		defer l.Unlock()
	}
	return c.db.Reset()
}

// Search returns up to k chunks closest to vec. Scores are cosine distances,
// lower is better. A missing or empty collection yields no hits.
func (c *ChromemDB) Search(ctx context.Context, collection string, vec []float32, k int) ([]types.Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	l := c.lock(collection)
	l.RLock()
	defer l.RUnlock()

	col := c.db.GetCollection(collection, embedding())
	if col == nil {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error querying collection %s: %w", collection, err)
	}

	hits := make([]types.Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, toHit(r))
	}
	return hits, nil
}

func addDocuments(ctx context.Context, col *chromem.Collection, chunks []types.Chunk, vectors [][]float32) error {
	documents := make([]chromem.Document, len(chunks))
	for i, ch := range chunks {
		documents[i] = chromem.Document{
			ID:        uuid.New().String(),
			Metadata:  metadata(ch),
			Embedding: vectors[i],
			Content:   ch.Content,
		}
	}
	if err := col.AddDocuments(ctx, documents, runtime.NumCPU()); err != nil {
		return fmt.Errorf("error adding documents: %w", err)
	}
	return nil
}

func metadata(ch types.Chunk) map[string]string {
	m := map[string]string{
		metaSource:  ch.Source,
		metaUserID:  strconv.FormatInt(ch.UserID, 10),
		metaBackend: ch.Backend.String(),
		metaFileID:  strconv.FormatInt(ch.FileID, 10),
	}
	if ch.Page != nil {
		m[metaPage] = strconv.Itoa(*ch.Page)
	}
	return m
}

func toHit(r chromem.Result) types.Hit {
	hit := types.Hit{
		ID:      r.ID,
		Content: r.Content,
		Source:  r.Metadata[metaSource],
		Score:   1 - float64(r.Similarity),
	}
	if p, ok := r.Metadata[metaPage]; ok && p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			hit.Page = types.IntPtr(n)
		}
	}
	if b, err := types.ParseBackend(r.Metadata[metaBackend]); err == nil {
		hit.Backend = b
	} else {
		xlog.Debug("chunk without backend metadata", "id", r.ID)
	}
	return hit
}
