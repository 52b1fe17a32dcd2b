// Package watcher ingests files dropped into a watched inbox directory laid
// out as <root>/user_<id>/<backend>/<file>.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mudler/ragchat/rag/types"
	"github.com/mudler/xlog"
)

// DefaultSettle is how long a file must stay untouched before it is handled.
const DefaultSettle = 2 * time.Second

// Drop is a file found in the inbox.
type Drop struct {
	UserID  int64
	Backend types.Backend
	Path    string
}

// Handler ingests one drop. The file is removed from the inbox only when
// the handler succeeds.
type Handler func(ctx context.Context, d Drop) error

type pending struct {
	timer *time.Timer
}

type Inbox struct {
	root   string
	handle Handler
	Settle time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]*pending
	wg      sync.WaitGroup
	done    chan struct{}
}

func NewInbox(root string, handle Handler) (*Inbox, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating inbox: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Inbox{
		root:    root,
		handle:  handle,
		Settle:  DefaultSettle,
		watcher: w,
		pending: map[string]*pending{},
		done:    make(chan struct{}),
	}, nil
}

// Start watches the inbox until ctx is done. Files already present are
// picked up as well.
func (in *Inbox) Start(ctx context.Context) error {
	if err := in.watchTree(ctx, in.root); err != nil {
		in.watcher.Close()
		return err
	}
	xlog.Info("Watching inbox", "dir", in.root)
	go in.loop(ctx)
	return nil
}

// Wait blocks until the inbox stopped and in-flight drops are handled.
func (in *Inbox) Wait() {
	<-in.done
}

func (in *Inbox) loop(ctx context.Context) {
	defer close(in.done)
	defer in.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			in.stop()
			return
		case ev, ok := <-in.watcher.Events:
			if !ok {
				in.stop()
				return
			}
			in.onEvent(ctx, ev)
		case err, ok := <-in.watcher.Errors:
			if !ok {
				in.stop()
				return
			}
			xlog.Warn("Inbox watcher error", "error", err)
		}
	}
}

func (in *Inbox) onEvent(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	st, err := os.Stat(ev.Name)
	if err != nil {
		return
	}
	if st.IsDir() {
		if err := in.watchTree(ctx, ev.Name); err != nil {
			xlog.Warn("Cannot watch inbox directory", "dir", ev.Name, "error", err)
		}
		return
	}
	in.schedule(ctx, ev.Name)
}

// watchTree adds dir and its subdirectories to the watcher and schedules
// the files found inside.
func (in *Inbox) watchTree(ctx context.Context, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return in.watcher.Add(path)
		}
		in.schedule(ctx, path)
		return nil
	})
}

func (in *Inbox) schedule(ctx context.Context, path string) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if p, ok := in.pending[path]; ok && p.timer.Stop() {
		p.timer.Reset(in.Settle)
		return
	}

	p := &pending{}
	in.wg.Add(1)
	p.timer = time.AfterFunc(in.Settle, func() {
		defer in.wg.Done()
		in.mu.Lock()
		if in.pending[path] == p {
			delete(in.pending, path)
		}
		in.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		in.process(ctx, path)
	})
	in.pending[path] = p
}

func (in *Inbox) stop() {
	in.mu.Lock()
	for path, p := range in.pending {
		if p.timer.Stop() {
			in.wg.Done()
		}
		delete(in.pending, path)
	}
	in.mu.Unlock()
	in.wg.Wait()
}

func (in *Inbox) process(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	drop, err := ParseDrop(in.root, path)
	if err != nil {
		xlog.Warn("Ignoring inbox file", "path", path, "error", err)
		return
	}

	xlog.Info("Ingesting inbox file", "user", drop.UserID, "backend", drop.Backend, "path", path)
	if err := in.handle(ctx, drop); err != nil {
		xlog.Error("Inbox ingestion failed", "path", path, "error", err)
		return
	}
	if err := os.Remove(path); err != nil {
		xlog.Warn("Cannot remove ingested inbox file", "path", path, "error", err)
	}
}

// ParseDrop maps a path below root to its owner and backend.
func ParseDrop(root, path string) (Drop, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return Drop{}, err
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return Drop{}, fmt.Errorf("expected user_<id>/<backend>/<file>, got %s", rel)
	}
	if strings.HasPrefix(parts[2], ".") {
		return Drop{}, fmt.Errorf("hidden file %s", parts[2])
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(parts[0], "user_"), 10, 64)
	if err != nil || !strings.HasPrefix(parts[0], "user_") || id <= 0 {
		return Drop{}, fmt.Errorf("invalid user directory %s", parts[0])
	}
	backend, err := types.ParseBackend(parts[1])
	if err != nil {
		return Drop{}, err
	}
	return Drop{UserID: id, Backend: backend, Path: path}, nil
}
