package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mudler/ragchat/rag/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS knowledge_files (
    id          BIGSERIAL PRIMARY KEY,
    user_id     BIGINT NOT NULL,
    path        TEXT NOT NULL,
    name        TEXT NOT NULL,
    size        BIGINT NOT NULL,
    backend     TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_files_user_backend ON knowledge_files(user_id, backend);

CREATE TABLE IF NOT EXISTS url_sources (
    id          BIGSERIAL PRIMARY KEY,
    user_id     BIGINT NOT NULL,
    file_id     BIGINT NOT NULL REFERENCES knowledge_files(id) ON DELETE CASCADE,
    url         TEXT NOT NULL,
    backend     TEXT NOT NULL,
    interval_ns BIGINT NOT NULL,
    last_update TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_sources_user ON url_sources(user_id);

CREATE TABLE IF NOT EXISTS chats (
    id          BIGSERIAL PRIMARY KEY,
    user_id     BIGINT NOT NULL,
    title       TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id, updated_at);

CREATE TABLE IF NOT EXISTS turns (
    id          BIGSERIAL PRIMARY KEY,
    chat_id     BIGINT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
    role        TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
    content     TEXT NOT NULL,
    partial     BOOLEAN NOT NULL DEFAULT false,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_turns_chat ON turns(chat_id);

CREATE TABLE IF NOT EXISTS settings (
    user_id         BIGINT PRIMARY KEY,
    provider        TEXT NOT NULL,
    model           TEXT NOT NULL,
    temperature     DOUBLE PRECISION NOT NULL,
    openai_key      BYTEA,
    google_key      BYTEA,
    ollama_base_url TEXT NOT NULL DEFAULT '',
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Postgres is the record store for multi-instance deployments.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanPgFile(row pgx.Row) (KnowledgeFile, error) {
	var (
		f       KnowledgeFile
		backend string
	)
	if err := row.Scan(&f.ID, &f.UserID, &f.Path, &f.Name, &f.Size, &backend, &f.CreatedAt); err != nil {
		return f, err
	}
	b, err := types.ParseBackend(backend)
	if err != nil {
		return f, err
	}
	f.Backend = b
	return f, nil
}

func (p *Postgres) CreateFile(ctx context.Context, f KnowledgeFile) (KnowledgeFile, error) {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO knowledge_files (user_id, path, name, size, backend, created_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		f.UserID, f.Path, f.Name, f.Size, f.Backend.String(), f.CreatedAt,
	).Scan(&f.ID)
	if err != nil {
		return f, storageErr("insert file", err)
	}
	return f, nil
}

func (p *Postgres) GetFile(ctx context.Context, userID, id int64) (KnowledgeFile, error) {
	f, err := scanPgFile(p.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM knowledge_files WHERE id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return f, notFound("file")
	}
	if err != nil {
		return f, storageErr("get file", err)
	}
	return f, nil
}

func (p *Postgres) queryFiles(ctx context.Context, query string, args ...any) ([]KnowledgeFile, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list files", err)
	}
	defer rows.Close()

	var files []KnowledgeFile
	for rows.Next() {
		f, err := scanPgFile(rows)
		if err != nil {
			return nil, storageErr("scan file", err)
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list files", err)
	}
	return files, nil
}

func (p *Postgres) ListFiles(ctx context.Context, userID int64) ([]KnowledgeFile, error) {
	return p.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM knowledge_files WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
}

func (p *Postgres) ListBackendFiles(ctx context.Context, userID int64, backend types.Backend) ([]KnowledgeFile, error) {
	return p.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM knowledge_files WHERE user_id = $1 AND backend = $2 ORDER BY created_at ASC, id ASC`,
		userID, backend.String())
}

func (p *Postgres) UpdateFileSize(ctx context.Context, userID, id, size int64) error {
	tag, err := p.pool.Exec(ctx, `UPDATE knowledge_files SET size = $1 WHERE id = $2 AND user_id = $3`, size, id, userID)
	if err != nil {
		return storageErr("update file", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("file")
	}
	return nil
}

func (p *Postgres) DeleteFile(ctx context.Context, userID, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM knowledge_files WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return storageErr("delete file", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("file")
	}
	return nil
}

func (p *Postgres) DeleteAllFiles(ctx context.Context, userID int64) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM knowledge_files WHERE user_id = $1`, userID); err != nil {
		return storageErr("delete files", err)
	}
	return nil
}

func scanPgSource(row pgx.Row) (Source, error) {
	var (
		src      Source
		backend  string
		interval int64
	)
	if err := row.Scan(&src.ID, &src.UserID, &src.FileID, &src.URL, &backend, &interval, &src.LastUpdate, &src.CreatedAt); err != nil {
		return src, err
	}
	b, err := types.ParseBackend(backend)
	if err != nil {
		return src, err
	}
	src.Backend = b
	src.Interval = time.Duration(interval)
	return src, nil
}

func (p *Postgres) CreateSource(ctx context.Context, src Source) (Source, error) {
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	if src.LastUpdate.IsZero() {
		src.LastUpdate = now
	}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO url_sources (user_id, file_id, url, backend, interval_ns, last_update, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		src.UserID, src.FileID, src.URL, src.Backend.String(), int64(src.Interval), src.LastUpdate, src.CreatedAt,
	).Scan(&src.ID)
	if err != nil {
		return src, storageErr("insert source", err)
	}
	return src, nil
}

func (p *Postgres) GetSource(ctx context.Context, userID, id int64) (Source, error) {
	src, err := scanPgSource(p.pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM url_sources WHERE id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return src, notFound("source")
	}
	if err != nil {
		return src, storageErr("get source", err)
	}
	return src, nil
}

func (p *Postgres) querySources(ctx context.Context, query string, args ...any) ([]Source, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list sources", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		src, err := scanPgSource(rows)
		if err != nil {
			return nil, storageErr("scan source", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list sources", err)
	}
	return out, nil
}

func (p *Postgres) ListSources(ctx context.Context, userID int64) ([]Source, error) {
	return p.querySources(ctx, `SELECT `+sourceColumns+` FROM url_sources WHERE user_id = $1 ORDER BY id ASC`, userID)
}

func (p *Postgres) ListAllSources(ctx context.Context) ([]Source, error) {
	return p.querySources(ctx, `SELECT `+sourceColumns+` FROM url_sources ORDER BY id ASC`)
}

func (p *Postgres) MarkSourceUpdated(ctx context.Context, id int64, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE url_sources SET last_update = $1 WHERE id = $2`, at, id)
	if err != nil {
		return storageErr("update source", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("source")
	}
	return nil
}

const chatColumns = `id, user_id, title, created_at, updated_at`

func (p *Postgres) CreateChat(ctx context.Context, userID int64, title string) (Chat, error) {
	if title == "" {
		title = DefaultChatTitle
	}
	c := Chat{UserID: userID, Title: title}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO chats (user_id, title) VALUES ($1, $2) RETURNING id, created_at, updated_at`,
		userID, title).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Chat{}, storageErr("insert chat", err)
	}
	return c, nil
}

func (p *Postgres) GetChat(ctx context.Context, userID, id int64) (Chat, error) {
	var c Chat
	err := p.pool.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE id = $1 AND user_id = $2`, id, userID,
	).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, notFound("chat")
	}
	if err != nil {
		return c, storageErr("get chat", err)
	}
	return c, nil
}

func (p *Postgres) ListChats(ctx context.Context, userID int64) ([]Chat, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE user_id = $1 ORDER BY updated_at DESC, id DESC`, userID)
	if err != nil {
		return nil, storageErr("list chats", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, storageErr("scan chat", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list chats", err)
	}
	return chats, nil
}

func (p *Postgres) updateChat(ctx context.Context, op, query string, args ...any) error {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return storageErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("chat")
	}
	return nil
}

func (p *Postgres) RenameChat(ctx context.Context, userID, id int64, title string) error {
	return p.updateChat(ctx, "rename chat",
		`UPDATE chats SET title = $1, updated_at = now() WHERE id = $2 AND user_id = $3`, title, id, userID)
}

func (p *Postgres) TouchChat(ctx context.Context, userID, id int64) error {
	return p.updateChat(ctx, "touch chat",
		`UPDATE chats SET updated_at = now() WHERE id = $1 AND user_id = $2`, id, userID)
}

func (p *Postgres) DeleteChat(ctx context.Context, userID, id int64) error {
	return p.updateChat(ctx, "delete chat", `DELETE FROM chats WHERE id = $1 AND user_id = $2`, id, userID)
}

func (p *Postgres) AppendTurn(ctx context.Context, chatID int64, role types.Role, content string, partial bool) (Turn, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return Turn{}, storageErr("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE turns SET partial = false WHERE chat_id = $1 AND partial`, chatID); err != nil {
		return Turn{}, storageErr("settle partial turns", err)
	}

	t := Turn{ChatID: chatID, Role: role, Content: content, Partial: partial}
	err = tx.QueryRow(ctx,
		`INSERT INTO turns (chat_id, role, content, partial) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		chatID, string(role), content, partial).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return Turn{}, storageErr("insert turn", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Turn{}, storageErr("commit", err)
	}
	return t, nil
}

func (p *Postgres) ListTurns(ctx context.Context, chatID int64) ([]Turn, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, chat_id, role, content, partial, created_at FROM turns WHERE chat_id = $1 ORDER BY id ASC`, chatID)
	if err != nil {
		return nil, storageErr("list turns", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t    Turn
			role string
		)
		if err := rows.Scan(&t.ID, &t.ChatID, &role, &t.Content, &t.Partial, &t.CreatedAt); err != nil {
			return nil, storageErr("scan turn", err)
		}
		t.Role = types.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list turns", err)
	}
	return turns, nil
}

func (p *Postgres) GetSettings(ctx context.Context, userID int64) (Settings, error) {
	var (
		st       Settings
		provider string
	)
	err := p.pool.QueryRow(ctx,
		`SELECT user_id, provider, model, temperature, openai_key, google_key, ollama_base_url, updated_at FROM settings WHERE user_id = $1`,
		userID).Scan(&st.UserID, &provider, &st.Model, &st.Temperature, &st.OpenAIKey, &st.GoogleKey, &st.OllamaBaseURL, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultSettings(userID), nil
	}
	if err != nil {
		return st, storageErr("get settings", err)
	}
	if st.Provider, err = types.ParseBackend(provider); err != nil {
		return st, storageErr("get settings", err)
	}
	return st, nil
}

func (p *Postgres) SaveSettings(ctx context.Context, st Settings) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO settings (user_id, provider, model, temperature, openai_key, google_key, ollama_base_url, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (user_id) DO UPDATE SET
    provider = EXCLUDED.provider,
    model = EXCLUDED.model,
    temperature = EXCLUDED.temperature,
    openai_key = EXCLUDED.openai_key,
    google_key = EXCLUDED.google_key,
    ollama_base_url = EXCLUDED.ollama_base_url,
    updated_at = now()`,
		st.UserID, st.Provider.String(), st.Model, st.Temperature, st.OpenAIKey, st.GoogleKey, st.OllamaBaseURL)
	if err != nil {
		return storageErr("save settings", err)
	}
	return nil
}
