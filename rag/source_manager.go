package rag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mudler/ragchat/rag/types"
	"github.com/mudler/ragchat/store"
	"github.com/mudler/xlog"
	"golang.org/x/sync/errgroup"
)

const (
	// MinRefreshInterval is the shortest interval a source can be refreshed at.
	MinRefreshInterval = time.Minute
	// DefaultSourceTick is how often the manager looks for due sources.
	DefaultSourceTick = time.Minute
)

// SourceRecords is the part of the record store the source manager uses.
type SourceRecords interface {
	CreateSource(ctx context.Context, s store.Source) (store.Source, error)
	GetSource(ctx context.Context, userID, id int64) (store.Source, error)
	ListSources(ctx context.Context, userID int64) ([]store.Source, error)
	ListAllSources(ctx context.Context) ([]store.Source, error)
	MarkSourceUpdated(ctx context.Context, id int64, at time.Time) error
}

// SourceManager keeps URL knowledge files up to date by downloading them
// again on a per-source interval.
type SourceManager struct {
	pipeline *Pipeline
	records  SourceRecords

	Tick        time.Duration
	Concurrency int

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

func NewSourceManager(pipeline *Pipeline, records SourceRecords) *SourceManager {
	return &SourceManager{
		pipeline:    pipeline,
		records:     records,
		Tick:        DefaultSourceTick,
		Concurrency: 2,
		inFlight:    map[int64]struct{}{},
	}
}

// AddSource ingests rawURL like IngestURL and registers it for refreshes
// every interval.
func (sm *SourceManager) AddSource(ctx context.Context, userID int64, backend types.Backend, rawURL string, interval time.Duration) (store.Source, IngestedFile, error) {
	if interval < MinRefreshInterval {
		return store.Source{}, IngestedFile{}, types.NewError(types.ErrValidation,
			fmt.Sprintf("refresh interval must be at least %s", MinRefreshInterval), nil)
	}
	file, err := sm.pipeline.IngestURL(ctx, userID, backend, rawURL)
	if err != nil {
		return store.Source{}, IngestedFile{}, err
	}
	src, err := sm.records.CreateSource(ctx, store.Source{
		UserID:     userID,
		FileID:     file.ID,
		URL:        rawURL,
		Backend:    backend,
		Interval:   interval,
		LastUpdate: time.Now().UTC(),
	})
	if err != nil {
		if _, derr := sm.pipeline.DeleteFile(context.WithoutCancel(ctx), userID, file.ID); derr != nil {
			xlog.Error("Failed to roll back source file", "user", userID, "file", file.ID, "error", derr)
		}
		return store.Source{}, IngestedFile{}, err
	}
	xlog.Info("Added URL source", "user", userID, "backend", backend, "url", rawURL, "interval", interval)
	return src, file, nil
}

func (sm *SourceManager) ListSources(ctx context.Context, userID int64) ([]store.Source, error) {
	return sm.records.ListSources(ctx, userID)
}

// RemoveSource deletes the source together with its knowledge file.
func (sm *SourceManager) RemoveSource(ctx context.Context, userID, id int64) (ReindexStats, error) {
	src, err := sm.records.GetSource(ctx, userID, id)
	if err != nil {
		return ReindexStats{}, err
	}
	return sm.pipeline.DeleteFile(ctx, userID, src.FileID)
}

// Refresh downloads one source again. The attempt is recorded even when it
// fails, so a broken URL waits a full interval before the next try.
func (sm *SourceManager) Refresh(ctx context.Context, src store.Source) error {
	sm.mu.Lock()
	if _, busy := sm.inFlight[src.ID]; busy {
		sm.mu.Unlock()
		return nil
	}
	sm.inFlight[src.ID] = struct{}{}
	sm.mu.Unlock()
	defer func() {
		sm.mu.Lock()
		delete(sm.inFlight, src.ID)
		sm.mu.Unlock()
	}()

	changed, err := sm.pipeline.RefreshURL(ctx, src.UserID, src.FileID, src.URL)
	if merr := sm.records.MarkSourceUpdated(context.WithoutCancel(ctx), src.ID, time.Now().UTC()); merr != nil {
		xlog.Warn("Failed to record source refresh", "source", src.ID, "error", merr)
	}
	if err != nil {
		return err
	}
	xlog.Debug("Source refreshed", "source", src.ID, "url", src.URL, "changed", changed)
	return nil
}

// RefreshDue refreshes every source due at now and returns how many were
// attempted. Failures are logged and do not stop the others.
func (sm *SourceManager) RefreshDue(ctx context.Context, now time.Time) (int, error) {
	all, err := sm.records.ListAllSources(ctx)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(sm.Concurrency, 1))
	n := 0
	for _, src := range all {
		if !src.Due(now) {
			continue
		}
		n++
		g.Go(func() error {
			if err := sm.Refresh(gctx, src); err != nil {
				xlog.Error("Error updating source", "source", src.ID, "url", src.URL, "error", err)
			}
			return nil
		})
	}
	return n, g.Wait()
}

// Run refreshes due sources every Tick until ctx is done.
func (sm *SourceManager) Run(ctx context.Context) {
	ticker := time.NewTicker(sm.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := sm.RefreshDue(ctx, now); err != nil && ctx.Err() == nil {
				xlog.Warn("Cannot list URL sources", "error", err)
			}
		}
	}
}
