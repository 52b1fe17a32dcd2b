package rag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mudler/ragchat/pkg/chunk"
	"github.com/mudler/ragchat/rag/sources"
	"github.com/mudler/ragchat/rag/types"
	"github.com/mudler/ragchat/store"
	"github.com/mudler/xlog"
)

// DefaultMaxUploadBytes is the per-file upload cap.
const DefaultMaxUploadBytes = 50 << 20

// Records is the part of the record store the pipeline works with.
type Records interface {
	CreateFile(ctx context.Context, f store.KnowledgeFile) (store.KnowledgeFile, error)
	GetFile(ctx context.Context, userID, id int64) (store.KnowledgeFile, error)
	ListFiles(ctx context.Context, userID int64) ([]store.KnowledgeFile, error)
	ListBackendFiles(ctx context.Context, userID int64, backend types.Backend) ([]store.KnowledgeFile, error)
	UpdateFileSize(ctx context.Context, userID, id, size int64) error
	DeleteFile(ctx context.Context, userID, id int64) error
	DeleteAllFiles(ctx context.Context, userID int64) error
}

// Upload is one file handed to the pipeline.
type Upload struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// BytesUpload wraps in-memory content as an Upload.
func BytesUpload(name string, data []byte) Upload {
	return Upload{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FileUpload wraps a file on disk as an Upload named after its base name.
func FileUpload(path string) (Upload, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Upload{}, err
	}
	return Upload{
		Name: filepath.Base(path),
		Size: st.Size(),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

type IngestedFile struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Chunks int    `json:"chunks"`
}

type ReindexStats struct {
	Backend types.Backend `json:"backend"`
	Files   int           `json:"files"`
	Chunks  int           `json:"chunks"`
}

// Pipeline loads, chunks, embeds and stores user documents.
type Pipeline struct {
	registry  *Registry
	records   Records
	resolver  Resolver
	uploadDir string
	splitter  chunk.Splitter

	MaxBytes int64
	Sources  *sources.Config
}

func NewPipeline(registry *Registry, records Records, resolver Resolver, uploadDir string, splitter chunk.Splitter) *Pipeline {
	return &Pipeline{
		registry:  registry,
		records:   records,
		resolver:  resolver,
		uploadDir: uploadDir,
		splitter:  splitter,
		MaxBytes:  DefaultMaxUploadBytes,
	}
}

func (p *Pipeline) userUploadDir(userID int64) string {
	return filepath.Join(p.uploadDir, fmt.Sprintf("user_%d", userID))
}

// Validate checks every upload against the size cap and the extension
// allow-list. It touches nothing.
func (p *Pipeline) Validate(files []Upload) error {
	if len(files) == 0 {
		return types.NewError(types.ErrValidation, "no files uploaded", nil)
	}
	for _, f := range files {
		if f.Size > p.MaxBytes {
			return types.NewError(types.ErrValidation,
				fmt.Sprintf("%s exceeds %dMB limit", f.Name, p.MaxBytes>>20), nil)
		}
		if !AllowedUpload(f.Name) {
			return types.NewError(types.ErrValidation,
				fmt.Sprintf("%s: unsupported type %s", f.Name, strings.ToLower(filepath.Ext(f.Name))), nil)
		}
	}
	return nil
}

func (p *Pipeline) embedder(ctx context.Context, userID int64, backend types.Backend) (Embedder, error) {
	emb, err := p.resolver.Embedder(ctx, userID, backend)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, types.UserMessage(err), err)
	}
	return emb, nil
}

// UploadAndIngest validates the whole batch, then ingests files one by one.
// A failure stops the batch; files ingested before it stay ingested and the
// failing file leaves nothing behind.
func (p *Pipeline) UploadAndIngest(ctx context.Context, userID int64, backend types.Backend, files []Upload) ([]IngestedFile, error) {
	if err := p.Validate(files); err != nil {
		return nil, err
	}
	return p.ingest(ctx, userID, backend, files)
}

func (p *Pipeline) ingest(ctx context.Context, userID int64, backend types.Backend, files []Upload) ([]IngestedFile, error) {
	emb, err := p.embedder(ctx, userID, backend)
	if err != nil {
		return nil, err
	}
	col, err := p.registry.Collection(userID, backend)
	if err != nil {
		return nil, err
	}

	unlock := p.registry.WriteLock(userID, backend)
	defer unlock()

	ingested := []IngestedFile{}
	for _, f := range files {
		res, err := p.ingestFile(ctx, userID, backend, emb, col, f)
		if err != nil {
			xlog.Error("Failed to ingest file", "user", userID, "backend", backend, "file", f.Name, "error", err)
			return ingested, types.NewError(types.ErrIngest, fmt.Sprintf("failed to ingest %s", f.Name), err)
		}
		xlog.Info("Ingested file", "user", userID, "backend", backend, "file", f.Name, "chunks", res.Chunks)
		ingested = append(ingested, res)
	}
	return ingested, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func (p *Pipeline) ingestFile(ctx context.Context, userID int64, backend types.Backend, emb Embedder, col *Collection, f Upload) (IngestedFile, error) {
	rc, err := f.Open()
	if err != nil {
		return IngestedFile{}, err
	}
	data, err := io.ReadAll(io.LimitReader(rc, p.MaxBytes+1))
	rc.Close()
	if err != nil {
		return IngestedFile{}, err
	}
	if int64(len(data)) > p.MaxBytes {
		return IngestedFile{}, types.NewError(types.ErrValidation, fmt.Sprintf("%s exceeds %dMB limit", f.Name, p.MaxBytes>>20), nil)
	}

	dir := p.userUploadDir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return IngestedFile{}, err
	}
	path := filepath.Join(dir, uuid.New().String()+"_"+unsafeName.ReplaceAllString(filepath.Base(f.Name), "_"))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return IngestedFile{}, err
	}

	chunks, vectors, err := p.embedDocument(ctx, emb, userID, backend, f.Name, data)
	if err != nil {
		os.Remove(path)
		return IngestedFile{}, err
	}

	rec, err := p.records.CreateFile(ctx, store.KnowledgeFile{
		UserID:    userID,
		Path:      path,
		Name:      f.Name,
		Size:      int64(len(data)),
		Backend:   backend,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		os.Remove(path)
		return IngestedFile{}, err
	}
	for i := range chunks {
		chunks[i].FileID = rec.ID
	}

	if err := col.Add(ctx, chunks, vectors); err != nil {
		p.records.DeleteFile(context.WithoutCancel(ctx), userID, rec.ID)
		os.Remove(path)
		return IngestedFile{}, err
	}
	return IngestedFile{ID: rec.ID, Name: f.Name, Chunks: len(chunks)}, nil
}

// embedDocument loads and chunks one file and embeds every chunk.
func (p *Pipeline) embedDocument(ctx context.Context, emb Embedder, userID int64, backend types.Backend, name string, data []byte) ([]types.Chunk, [][]float32, error) {
	docs, err := Load(name, data)
	if err != nil {
		return nil, nil, err
	}
	chunks := Chunk(docs, p.splitter.Split)
	vectors := make([][]float32, len(chunks))
	for i := range chunks {
		chunks[i].UserID = userID
		chunks[i].Backend = backend
		v, err := emb.Embed(ctx, chunks[i].Content)
		if err != nil {
			return nil, nil, err
		}
		vectors[i] = v
	}
	return chunks, vectors, nil
}

// Reindex rebuilds a backend collection from the retained files of that
// backend, in creation order. The old collection stays searchable until
// every file has been embedded again. With no files left the collection
// ends up empty.
func (p *Pipeline) Reindex(ctx context.Context, userID int64, backend types.Backend) (ReindexStats, error) {
	unlock := p.registry.WriteLock(userID, backend)
	defer unlock()
	return p.reindex(ctx, userID, backend)
}

func (p *Pipeline) reindex(ctx context.Context, userID int64, backend types.Backend) (ReindexStats, error) {
	stats := ReindexStats{Backend: backend}

	col, err := p.registry.Collection(userID, backend)
	if err != nil {
		return stats, err
	}
	files, err := p.records.ListBackendFiles(ctx, userID, backend)
	if err != nil {
		return stats, err
	}
	if len(files) == 0 {
		if err := col.Replace(ctx, nil, nil); err != nil {
			return stats, err
		}
		xlog.Info("Reindexed empty backend", "user", userID, "backend", backend)
		return stats, nil
	}

	emb, err := p.embedder(ctx, userID, backend)
	if err != nil {
		return stats, err
	}

	var (
		all     []types.Chunk
		vectors [][]float32
	)
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if errors.Is(err, os.ErrNotExist) {
			xlog.Warn("Stored file is missing, skipping it", "user", userID, "backend", backend, "file", f.Name, "path", f.Path)
			continue
		}
		if err != nil {
			return stats, types.NewError(types.ErrStorage, fmt.Sprintf("cannot read %s", f.Name), err)
		}
		chunks, vs, err := p.embedDocument(ctx, emb, userID, backend, f.Name, data)
		if err != nil {
			return stats, types.NewError(types.ErrIngest, fmt.Sprintf("failed to reindex %s", f.Name), err)
		}
		for i := range chunks {
			chunks[i].FileID = f.ID
		}
		all = append(all, chunks...)
		vectors = append(vectors, vs...)
		stats.Files++
	}

	if err := col.Replace(ctx, all, vectors); err != nil {
		return stats, err
	}
	stats.Chunks = len(all)
	xlog.Info("Reindexed backend", "user", userID, "backend", backend, "files", stats.Files, "chunks", stats.Chunks)
	return stats, nil
}

// DeleteFile removes one knowledge file and rebuilds its backend so the
// collection only reflects the remaining files.
func (p *Pipeline) DeleteFile(ctx context.Context, userID, fileID int64) (ReindexStats, error) {
	f, err := p.records.GetFile(ctx, userID, fileID)
	if err != nil {
		return ReindexStats{}, err
	}

	unlock := p.registry.WriteLock(userID, f.Backend)
	defer unlock()

	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		xlog.Warn("Failed to remove stored file", "path", f.Path, "error", err)
	}
	if err := p.records.DeleteFile(ctx, userID, fileID); err != nil {
		return ReindexStats{}, err
	}
	return p.reindex(ctx, userID, f.Backend)
}

// ListFiles returns the knowledge files of a user, newest first.
func (p *Pipeline) ListFiles(ctx context.Context, userID int64) ([]store.KnowledgeFile, error) {
	return p.records.ListFiles(ctx, userID)
}

// ClearKnowledge deletes every knowledge file of the user, the stored raw
// files, every backend collection, and recreates an empty namespace.
func (p *Pipeline) ClearKnowledge(ctx context.Context, userID int64) error {
	for _, b := range types.Backends {
		unlock := p.registry.WriteLock(userID, b)
		defer unlock()
	}

	files, err := p.records.ListFiles(ctx, userID)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			xlog.Warn("Failed to remove stored file", "path", f.Path, "error", err)
		}
	}
	if err := p.records.DeleteAllFiles(ctx, userID); err != nil {
		return err
	}
	if err := os.RemoveAll(p.userUploadDir(userID)); err != nil {
		xlog.Warn("Failed to remove upload directory", "user", userID, "error", err)
	}
	for _, b := range types.Backends {
		if err := p.registry.DeleteCollection(userID, b); err != nil {
			return err
		}
	}
	if err := p.registry.DeleteAll(userID); err != nil {
		return err
	}
	xlog.Info("Cleared knowledge", "user", userID, "files", len(files))
	return nil
}

func (p *Pipeline) download(ctx context.Context, rawURL string) ([]byte, error) {
	content, err := sources.SourceRouter(ctx, rawURL, p.Sources)
	if err != nil {
		return nil, types.NewError(types.ErrIngest, "failed to download "+rawURL, err)
	}
	if strings.TrimSpace(content) == "" {
		return nil, types.NewError(types.ErrValidation, "no text found at "+rawURL, nil)
	}
	if int64(len(content)) > p.MaxBytes {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("%s exceeds %dMB limit", rawURL, p.MaxBytes>>20), nil)
	}
	return []byte(content), nil
}

// IngestURL downloads a web page, sitemap or git repository and ingests its
// text as a single .txt knowledge file named after the URL.
func (p *Pipeline) IngestURL(ctx context.Context, userID int64, backend types.Backend, rawURL string) (IngestedFile, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" && !strings.HasPrefix(rawURL, "git@") {
		return IngestedFile{}, types.NewError(types.ErrValidation, "invalid URL", err)
	}
	if _, err := p.embedder(ctx, userID, backend); err != nil {
		return IngestedFile{}, err
	}

	data, err := p.download(ctx, rawURL)
	if err != nil {
		return IngestedFile{}, err
	}
	upload := BytesUpload(urlFileName(rawURL), data)
	res, err := p.ingest(ctx, userID, backend, []Upload{upload})
	if err != nil {
		return IngestedFile{}, err
	}
	return res[0], nil
}

// RefreshURL downloads rawURL again into the knowledge file fileID. When
// the text changed, the file is rewritten and its backend reindexed; on a
// failed reindex the previous text is put back. It reports whether the
// content changed.
func (p *Pipeline) RefreshURL(ctx context.Context, userID, fileID int64, rawURL string) (bool, error) {
	f, err := p.records.GetFile(ctx, userID, fileID)
	if err != nil {
		return false, err
	}
	data, err := p.download(ctx, rawURL)
	if err != nil {
		return false, err
	}

	unlock := p.registry.WriteLock(userID, f.Backend)
	defer unlock()

	old, err := os.ReadFile(f.Path)
	if err == nil && bytes.Equal(old, data) {
		return false, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, types.NewError(types.ErrStorage, fmt.Sprintf("cannot read %s", f.Name), err)
	}
	if err := p.rewrite(ctx, f, data); err != nil {
		return false, err
	}
	if _, err := p.reindex(ctx, userID, f.Backend); err != nil {
		if old != nil {
			if rerr := p.rewrite(context.WithoutCancel(ctx), f, old); rerr != nil {
				xlog.Error("Failed to restore refreshed file", "user", userID, "file", f.Name, "error", rerr)
			}
		}
		return false, err
	}
	xlog.Info("Refreshed URL source", "user", userID, "backend", f.Backend, "url", rawURL, "bytes", len(data))
	return true, nil
}

func (p *Pipeline) rewrite(ctx context.Context, f store.KnowledgeFile, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return types.NewError(types.ErrStorage, fmt.Sprintf("cannot write %s", f.Name), err)
	}
	if err := os.WriteFile(f.Path, data, 0o644); err != nil {
		return types.NewError(types.ErrStorage, fmt.Sprintf("cannot write %s", f.Name), err)
	}
	return p.records.UpdateFileSize(ctx, f.UserID, f.ID, int64(len(data)))
}

func urlFileName(rawURL string) string {
	name := rawURL
	if i := strings.Index(name, "://"); i >= 0 {
		name = name[i+3:]
	}
	name = strings.Trim(unsafeName.ReplaceAllString(name, "_"), "_.")
	if len(name) > 100 {
		name = name[:100]
	}
	return name + ".txt"
}
