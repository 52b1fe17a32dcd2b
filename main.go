package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mudler/ragchat/chat"
	"github.com/mudler/ragchat/pkg/chunk"
	"github.com/mudler/ragchat/pkg/config"
	"github.com/mudler/ragchat/pkg/secrets"
	"github.com/mudler/ragchat/pkg/watcher"
	"github.com/mudler/ragchat/rag"
	"github.com/mudler/ragchat/rag/interfaces"
	"github.com/mudler/ragchat/rag/providers"
	"github.com/mudler/ragchat/rag/sources"
	"github.com/mudler/ragchat/store"
	"github.com/mudler/xlog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		xlog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := printToken(cfg, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		xlog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

// printToken mints a bearer token for local use: ragchat token <user-id> [ttl].
func printToken(cfg config.Config, args []string) error {
	if cfg.AuthSecret == "" {
		return errors.New("AUTH_SECRET is not set")
	}
	if len(args) == 0 {
		return errors.New("usage: ragchat token <user-id> [ttl]")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid user id %q", args[0])
	}
	ttl := 24 * time.Hour
	if len(args) > 1 {
		if ttl, err = time.ParseDuration(args[1]); err != nil {
			return err
		}
	}
	token, err := issueToken([]byte(cfg.AuthSecret), id, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func run(ctx context.Context, cfg config.Config) error {
	if cfg.AuthSecret == "" {
		return errors.New("AUTH_SECRET is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}

	records, err := store.Open(ctx, cfg.DatabaseURL, cfg.SQLitePath())
	if err != nil {
		return err
	}
	defer records.Close()

	box, err := openBox(cfg)
	if err != nil {
		return err
	}

	a := newApp(cfg, records, box, buildResolver(cfg, records, box))
	e := newServer(a)

	if cfg.InboxDir != "" {
		inbox, err := watcher.NewInbox(cfg.InboxDir, a.ingestDrop)
		if err != nil {
			return err
		}
		if err := inbox.Start(ctx); err != nil {
			return err
		}
		defer func() {
			cancel()
			inbox.Wait()
		}()
	}

	go a.sources.Run(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			xlog.Error("Shutdown failed", "error", err)
		}
	}()

	xlog.Info("Starting server", "address", cfg.ListenAddress, "data", cfg.DataDir, "mock_providers", cfg.MockProviders)
	if err := e.Start(cfg.ListenAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// openBox loads the credential key. Without SECRET_KEY a throwaway key is
// used, so stored API keys do not survive a restart.
func openBox(cfg config.Config) (*secrets.Box, error) {
	key := cfg.SecretKey
	if key == "" {
		xlog.Warn("SECRET_KEY not set, generating an ephemeral key")
		var err error
		if key, err = secrets.GenerateKey(); err != nil {
			return nil, err
		}
	}
	return secrets.NewBox(key)
}

func buildResolver(cfg config.Config, records store.Store, box *secrets.Box) interfaces.Resolver {
	if cfg.MockProviders {
		xlog.Warn("Using offline mock providers")
		return &providers.Mock{}
	}
	r := providers.NewResolver(records, box)
	r.OpenAIBaseURL = cfg.OpenAIBaseURL
	if cfg.GoogleBaseURL != "" {
		r.GoogleBaseURL = cfg.GoogleBaseURL
	}
	return r
}

func newApp(cfg config.Config, records store.Store, box *secrets.Box, resolver interfaces.Resolver) *app {
	registry := rag.NewRegistry(cfg.VectorsDir())

	pipeline := rag.NewPipeline(registry, records, resolver, cfg.UploadsDir(), chunk.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap))
	pipeline.MaxBytes = cfg.MaxUploadBytes
	pipeline.Sources = &sources.Config{GitPrivateKey: cfg.GitPrivateKey}

	opts := rag.RetrieveOptions{
		PerBackend:  cfg.RetrieveKPerBackend,
		Total:       cfg.RetrieveKTotal,
		MaxDistance: cfg.RetrieveMaxDistance,
	}
	retriever := rag.NewRetriever(registry, resolver)

	chatService := chat.NewService(records, retriever, resolver)
	chatService.Options = opts
	chatService.Debug = cfg.Debug

	return &app{
		store:      records,
		box:        box,
		pipeline:   pipeline,
		sources:    rag.NewSourceManager(pipeline, records),
		retriever:  retriever,
		chat:       chatService,
		retrieve:   opts,
		authSecret: []byte(cfg.AuthSecret),
		debug:      cfg.Debug,
	}
}

// ingestDrop feeds a file from the watched inbox through the upload path.
func (a *app) ingestDrop(ctx context.Context, d watcher.Drop) error {
	up, err := rag.FileUpload(d.Path)
	if err != nil {
		return err
	}
	_, err = a.pipeline.UploadAndIngest(ctx, d.UserID, d.Backend, []rag.Upload{up})
	return err
}
