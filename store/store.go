// Package store persists the records around the RAG engine: knowledge files,
// chats with their turns, and per-user provider settings.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mudler/ragchat/rag/types"
)

const DefaultChatTitle = "New chat"

// KnowledgeFile is one uploaded source document.
type KnowledgeFile struct {
	ID        int64         `json:"id"`
	UserID    int64         `json:"-"`
	Path      string        `json:"-"`
	Name      string        `json:"name"`
	Size      int64         `json:"size_bytes"`
	Backend   types.Backend `json:"backend"`
	CreatedAt time.Time     `json:"created_at"`
}

type Chat struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"-"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Turn is one message of a chat. Partial marks an assistant answer whose
// stream was interrupted.
type Turn struct {
	ID        int64      `json:"id"`
	ChatID    int64      `json:"-"`
	Role      types.Role `json:"role"`
	Content   string     `json:"content"`
	Partial   bool       `json:"is_partial"`
	CreatedAt time.Time  `json:"created_at"`
}

// Source is a URL that is downloaded again every Interval into the
// knowledge file FileID. Deleting the file deletes the source.
type Source struct {
	ID         int64
	UserID     int64
	FileID     int64
	URL        string
	Backend    types.Backend
	Interval   time.Duration
	LastUpdate time.Time
	CreatedAt  time.Time
}

// Due reports whether the source should be refreshed at now.
func (s Source) Due(now time.Time) bool {
	return !now.Before(s.LastUpdate.Add(s.Interval))
}

// Settings holds the provider selection of a user. API keys are kept
// encrypted; the store never sees them in clear.
type Settings struct {
	UserID        int64
	Provider      types.Backend
	Model         string
	Temperature   float64
	OpenAIKey     []byte
	GoogleKey     []byte
	OllamaBaseURL string
	UpdatedAt     time.Time
}

// DefaultSettings is what a user gets before saving anything.
func DefaultSettings(userID int64) Settings {
	return Settings{
		UserID:        userID,
		Provider:      types.OpenAI,
		Model:         "gpt-4o-mini",
		Temperature:   0.2,
		OllamaBaseURL: "http://localhost:11434",
	}
}

// Store is the persistent record store. Lookups of records owned by another
// user fail with types.ErrNotFound.
type Store interface {
	CreateFile(ctx context.Context, f KnowledgeFile) (KnowledgeFile, error)
	GetFile(ctx context.Context, userID, id int64) (KnowledgeFile, error)
	// ListFiles returns the files of a user, newest first.
	ListFiles(ctx context.Context, userID int64) ([]KnowledgeFile, error)
	// ListBackendFiles returns the files of one backend in creation order.
	ListBackendFiles(ctx context.Context, userID int64, backend types.Backend) ([]KnowledgeFile, error)
	UpdateFileSize(ctx context.Context, userID, id, size int64) error
	DeleteFile(ctx context.Context, userID, id int64) error
	DeleteAllFiles(ctx context.Context, userID int64) error

	CreateSource(ctx context.Context, s Source) (Source, error)
	GetSource(ctx context.Context, userID, id int64) (Source, error)
	ListSources(ctx context.Context, userID int64) ([]Source, error)
	// ListAllSources returns the sources of every user.
	ListAllSources(ctx context.Context) ([]Source, error)
	MarkSourceUpdated(ctx context.Context, id int64, at time.Time) error

	CreateChat(ctx context.Context, userID int64, title string) (Chat, error)
	GetChat(ctx context.Context, userID, id int64) (Chat, error)
	// ListChats returns the chats of a user, most recently updated first.
	ListChats(ctx context.Context, userID int64) ([]Chat, error)
	// RenameChat sets the title and bumps updated_at.
	RenameChat(ctx context.Context, userID, id int64, title string) error
	TouchChat(ctx context.Context, userID, id int64) error
	DeleteChat(ctx context.Context, userID, id int64) error

	// AppendTurn adds a turn at the end of a chat. Earlier partial turns of
	// the chat become final, so only the last turn can ever be partial.
	AppendTurn(ctx context.Context, chatID int64, role types.Role, content string, partial bool) (Turn, error)
	ListTurns(ctx context.Context, chatID int64) ([]Turn, error)

	// GetSettings returns DefaultSettings when the user saved none.
	GetSettings(ctx context.Context, userID int64) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error

	Close() error
}

// Open picks the Postgres store when a database URL is given and the SQLite
// store at sqlitePath otherwise.
func Open(ctx context.Context, databaseURL, sqlitePath string) (Store, error) {
	if databaseURL != "" {
		return NewPostgres(ctx, databaseURL)
	}
	return NewSQLite(sqlitePath)
}

func notFound(what string) error {
	return types.NewError(types.ErrNotFound, what+" not found", nil)
}

func storageErr(op string, err error) error {
	return types.NewError(types.ErrStorage, "storage unavailable", fmt.Errorf("%s: %w", op, err))
}
