package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mudler/ragchat/rag/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS knowledge_files (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id     INTEGER NOT NULL,
    path        TEXT NOT NULL,
    name        TEXT NOT NULL,
    size        INTEGER NOT NULL,
    backend     TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_user_backend ON knowledge_files(user_id, backend);

CREATE TABLE IF NOT EXISTS url_sources (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id     INTEGER NOT NULL,
    file_id     INTEGER NOT NULL REFERENCES knowledge_files(id) ON DELETE CASCADE,
    url         TEXT NOT NULL,
    backend     TEXT NOT NULL,
    interval_ns INTEGER NOT NULL,
    last_update INTEGER NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sources_user ON url_sources(user_id);

CREATE TABLE IF NOT EXISTS chats (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id     INTEGER NOT NULL,
    title       TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chats_user ON chats(user_id, updated_at);

CREATE TABLE IF NOT EXISTS turns (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id     INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
    role        TEXT NOT NULL CHECK(role IN ('user', 'assistant')),
    content     TEXT NOT NULL,
    partial     INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_chat ON turns(chat_id);

CREATE TABLE IF NOT EXISTS settings (
    user_id         INTEGER PRIMARY KEY,
    provider        TEXT NOT NULL,
    model           TEXT NOT NULL,
    temperature     REAL NOT NULL,
    openai_key      BLOB,
    google_key      BLOB,
    ollama_base_url TEXT NOT NULL DEFAULT '',
    updated_at      INTEGER NOT NULL
);
`

// SQLite is the embedded record store.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (KnowledgeFile, error) {
	var (
		f       KnowledgeFile
		backend string
		created int64
	)
	if err := row.Scan(&f.ID, &f.UserID, &f.Path, &f.Name, &f.Size, &backend, &created); err != nil {
		return f, err
	}
	b, err := types.ParseBackend(backend)
	if err != nil {
		return f, err
	}
	f.Backend = b
	f.CreatedAt = fromNanos(created)
	return f, nil
}

func (s *SQLite) CreateFile(ctx context.Context, f KnowledgeFile) (KnowledgeFile, error) {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge_files (user_id, path, name, size, backend, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.UserID, f.Path, f.Name, f.Size, f.Backend.String(), nanos(f.CreatedAt),
	)
	if err != nil {
		return f, storageErr("insert file", err)
	}
	f.ID, err = res.LastInsertId()
	if err != nil {
		return f, storageErr("insert file", err)
	}
	return f, nil
}

const fileColumns = `id, user_id, path, name, size, backend, created_at`

func (s *SQLite) GetFile(ctx context.Context, userID, id int64) (KnowledgeFile, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM knowledge_files WHERE id = ? AND user_id = ?`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return f, notFound("file")
	}
	if err != nil {
		return f, storageErr("get file", err)
	}
	return f, nil
}

func (s *SQLite) queryFiles(ctx context.Context, query string, args ...any) ([]KnowledgeFile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list files", err)
	}
	defer rows.Close()

	var files []KnowledgeFile
	for rows.Next() {
		f, err := scanFile(rows)
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

func (s *SQLite) ListFiles(ctx context.Context, userID int64) ([]KnowledgeFile, error) {
	return s.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM knowledge_files WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
}

func (s *SQLite) ListBackendFiles(ctx context.Context, userID int64, backend types.Backend) ([]KnowledgeFile, error) {
	return s.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM knowledge_files WHERE user_id = ? AND backend = ? ORDER BY created_at ASC, id ASC`,
		userID, backend.String())
}

func (s *SQLite) UpdateFileSize(ctx context.Context, userID, id, size int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE knowledge_files SET size = ? WHERE id = ? AND user_id = ?`, size, id, userID)
	if err != nil {
		return storageErr("update file", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("file")
	}
	return nil
}

func (s *SQLite) DeleteFile(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_files WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return storageErr("delete file", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("file")
	}
	return nil
}

func (s *SQLite) DeleteAllFiles(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_files WHERE user_id = ?`, userID); err != nil {
		return storageErr("delete files", err)
	}
	return nil
}

const sourceColumns = `id, user_id, file_id, url, backend, interval_ns, last_update, created_at`

func scanSource(row scanner) (Source, error) {
	var (
		src                     Source
		backend                 string
		interval, last, created int64
	)
	if err := row.Scan(&src.ID, &src.UserID, &src.FileID, &src.URL, &backend, &interval, &last, &created); err != nil {
		return src, err
	}
	b, err := types.ParseBackend(backend)
	if err != nil {
		return src, err
	}
	src.Backend = b
	src.Interval = time.Duration(interval)
	src.LastUpdate = fromNanos(last)
	src.CreatedAt = fromNanos(created)
	return src, nil
}

func (s *SQLite) CreateSource(ctx context.Context, src Source) (Source, error) {
	now := time.Now().UTC()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	if src.LastUpdate.IsZero() {
		src.LastUpdate = now
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO url_sources (user_id, file_id, url, backend, interval_ns, last_update, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		src.UserID, src.FileID, src.URL, src.Backend.String(), int64(src.Interval), nanos(src.LastUpdate), nanos(src.CreatedAt))
	if err != nil {
		return src, storageErr("insert source", err)
	}
	if src.ID, err = res.LastInsertId(); err != nil {
		return src, storageErr("insert source", err)
	}
	src.LastUpdate = fromNanos(nanos(src.LastUpdate))
	src.CreatedAt = fromNanos(nanos(src.CreatedAt))
	return src, nil
}

func (s *SQLite) GetSource(ctx context.Context, userID, id int64) (Source, error) {
	src, err := scanSource(s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM url_sources WHERE id = ? AND user_id = ?`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return src, notFound("source")
	}
	if err != nil {
		return src, storageErr("get source", err)
	}
	return src, nil
}

func (s *SQLite) querySources(ctx context.Context, query string, args ...any) ([]Source, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list sources", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		src, err := scanSource(rows)
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

func (s *SQLite) ListSources(ctx context.Context, userID int64) ([]Source, error) {
	return s.querySources(ctx, `SELECT `+sourceColumns+` FROM url_sources WHERE user_id = ? ORDER BY id ASC`, userID)
}

func (s *SQLite) ListAllSources(ctx context.Context) ([]Source, error) {
	return s.querySources(ctx, `SELECT `+sourceColumns+` FROM url_sources ORDER BY id ASC`)
}

func (s *SQLite) MarkSourceUpdated(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE url_sources SET last_update = ? WHERE id = ?`, nanos(at), id)
	if err != nil {
		return storageErr("update source", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("source")
	}
	return nil
}

func scanChat(row scanner) (Chat, error) {
	var (
		c                Chat
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &created, &updated); err != nil {
		return c, err
	}
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return c, nil
}

func (s *SQLite) CreateChat(ctx context.Context, userID int64, title string) (Chat, error) {
	if title == "" {
		title = DefaultChatTitle
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (user_id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		userID, title, nanos(now), nanos(now))
	if err != nil {
		return Chat{}, storageErr("insert chat", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Chat{}, storageErr("insert chat", err)
	}
	return Chat{ID: id, UserID: userID, Title: title, CreatedAt: fromNanos(nanos(now)), UpdatedAt: fromNanos(nanos(now))}, nil
}

func (s *SQLite) GetChat(ctx context.Context, userID, id int64) (Chat, error) {
	c, err := scanChat(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM chats WHERE id = ? AND user_id = ?`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return c, notFound("chat")
	}
	if err != nil {
		return c, storageErr("get chat", err)
	}
	return c, nil
}

func (s *SQLite) ListChats(ctx context.Context, userID int64) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, created_at, updated_at FROM chats WHERE user_id = ? ORDER BY updated_at DESC, id DESC`, userID)
	if err != nil {
		return nil, storageErr("list chats", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, storageErr("scan chat", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list chats", err)
	}
	return chats, nil
}

func (s *SQLite) updateChat(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("chat")
	}
	return nil
}

func (s *SQLite) RenameChat(ctx context.Context, userID, id int64, title string) error {
	return s.updateChat(ctx, "rename chat",
		`UPDATE chats SET title = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		title, nanos(time.Now().UTC()), id, userID)
}

func (s *SQLite) TouchChat(ctx context.Context, userID, id int64) error {
	return s.updateChat(ctx, "touch chat",
		`UPDATE chats SET updated_at = ? WHERE id = ? AND user_id = ?`,
		nanos(time.Now().UTC()), id, userID)
}

func (s *SQLite) DeleteChat(ctx context.Context, userID, id int64) error {
	return s.updateChat(ctx, "delete chat", `DELETE FROM chats WHERE id = ? AND user_id = ?`, id, userID)
}

func (s *SQLite) AppendTurn(ctx context.Context, chatID int64, role types.Role, content string, partial bool) (Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, storageErr("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE turns SET partial = 0 WHERE chat_id = ? AND partial = 1`, chatID); err != nil {
		return Turn{}, storageErr("settle partial turns", err)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO turns (chat_id, role, content, partial, created_at) VALUES (?, ?, ?, ?, ?)`,
		chatID, string(role), content, partial, nanos(now))
	if err != nil {
		return Turn{}, storageErr("insert turn", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Turn{}, storageErr("insert turn", err)
	}
	if err := tx.Commit(); err != nil {
		return Turn{}, storageErr("commit", err)
	}
	return Turn{ID: id, ChatID: chatID, Role: role, Content: content, Partial: partial, CreatedAt: fromNanos(nanos(now))}, nil
}

func (s *SQLite) ListTurns(ctx context.Context, chatID int64) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content, partial, created_at FROM turns WHERE chat_id = ? ORDER BY id ASC`, chatID)
	if err != nil {
		return nil, storageErr("list turns", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t       Turn
			role    string
			created int64
		)
		if err := rows.Scan(&t.ID, &t.ChatID, &role, &t.Content, &t.Partial, &created); err != nil {
			return nil, storageErr("scan turn", err)
		}
		t.Role = types.Role(role)
		t.CreatedAt = fromNanos(created)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list turns", err)
	}
	return turns, nil
}

func (s *SQLite) GetSettings(ctx context.Context, userID int64) (Settings, error) {
	var (
		st       Settings
		provider string
		updated  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, provider, model, temperature, openai_key, google_key, ollama_base_url, updated_at FROM settings WHERE user_id = ?`,
		userID).Scan(&st.UserID, &provider, &st.Model, &st.Temperature, &st.OpenAIKey, &st.GoogleKey, &st.OllamaBaseURL, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSettings(userID), nil
	}
	if err != nil {
		return st, storageErr("get settings", err)
	}
	if st.Provider, err = types.ParseBackend(provider); err != nil {
		return st, storageErr("get settings", err)
	}
	st.UpdatedAt = fromNanos(updated)
	return st, nil
}

func (s *SQLite) SaveSettings(ctx context.Context, st Settings) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings (user_id, provider, model, temperature, openai_key, google_key, ollama_base_url, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
    provider = excluded.provider,
    model = excluded.model,
    temperature = excluded.temperature,
    openai_key = excluded.openai_key,
    google_key = excluded.google_key,
    ollama_base_url = excluded.ollama_base_url,
    updated_at = excluded.updated_at`,
		st.UserID, st.Provider.String(), st.Model, st.Temperature, st.OpenAIKey, st.GoogleKey, st.OllamaBaseURL, nanos(time.Now().UTC()))
	if err != nil {
		return storageErr("save settings", err)
	}
	return nil
}
