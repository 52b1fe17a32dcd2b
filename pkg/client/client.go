package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mudler/ragchat/rag/types"
)

// Client is a client for the ragchat API
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient creates a new API client authenticating with a bearer token
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
	Detail  string

	body []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ragchat: %d: %s", e.Status, e.Message)
}

type IngestedFile struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Chunks int    `json:"chunks"`
}

type File struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Backend   types.Backend `json:"backend"`
	Size      int64         `json:"size_bytes"`
	SizeHuman string        `json:"size_human"`
	CreatedAt time.Time     `json:"created_at"`
}

type ReindexStats struct {
	Backend types.Backend `json:"backend"`
	Files   int           `json:"files"`
	Chunks  int           `json:"chunks"`
}

type Source struct {
	ID         int64         `json:"id"`
	FileID     int64         `json:"file_id"`
	URL        string        `json:"url"`
	Backend    types.Backend `json:"backend"`
	Interval   string        `json:"interval"`
	LastUpdate time.Time     `json:"last_update"`
}

type Settings struct {
	Provider    types.Backend `json:"provider"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	BaseURL     string        `json:"base_url"`
	HasAPIKey   bool          `json:"has_api_key"`
}

// SettingsUpdate changes the provider settings; nil fields are kept.
type SettingsUpdate struct {
	Provider    *types.Backend `json:"provider,omitempty"`
	Model       *string        `json:"model,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	APIKey      string         `json:"api_key,omitempty"`
	BaseURL     string         `json:"base_url,omitempty"`
	ClearAPIKey bool           `json:"clear_api_key,omitempty"`
}

type Chat struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Turn struct {
	ID        int64      `json:"id"`
	Role      types.Role `json:"role"`
	Content   string     `json:"content"`
	Partial   bool       `json:"is_partial"`
	CreatedAt time.Time  `json:"created_at"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = resp.Status
		}
	}
	return &APIError{Status: resp.StatusCode, Message: body.Error, Detail: body.Detail, body: data}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// Upload sends files to be ingested under backend. An empty backend uses
// the provider from the user's settings. When a file fails partway through
// the batch, the files ingested before it are returned with the error.
func (c *Client) Upload(ctx context.Context, backend string, filePaths ...string) ([]IngestedFile, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	if backend != "" {
		if err := writer.WriteField("backend", backend); err != nil {
			return nil, err
		}
	}
	for _, p := range filePaths {
		if err := addFile(writer, p); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/rag/upload", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var res struct {
		Files []IngestedFile `json:"files"`
	}
	if err := c.do(req, &res); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			json.Unmarshal(apiErr.body, &res)
		}
		return res.Files, err
	}
	return res.Files, nil
}

func addFile(writer *multipart.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	part, err := writer.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, file)
	return err
}

// IngestURL fetches a web page, sitemap or git repository on the server and
// ingests its text.
func (c *Client) IngestURL(ctx context.Context, backend, rawURL string) (IngestedFile, error) {
	var res struct {
		File IngestedFile `json:"file"`
	}
	err := c.postJSON(ctx, "/api/rag/url", map[string]string{"url": rawURL, "backend": backend}, &res)
	return res.File, err
}

// AddSource ingests a URL and has the server download it again every
// interval.
func (c *Client) AddSource(ctx context.Context, backend, rawURL string, interval time.Duration) (Source, IngestedFile, error) {
	var res struct {
		Source Source       `json:"source"`
		File   IngestedFile `json:"file"`
	}
	err := c.postJSON(ctx, "/api/rag/sources", map[string]string{
		"url":      rawURL,
		"backend":  backend,
		"interval": interval.String(),
	}, &res)
	return res.Source, res.File, err
}

func (c *Client) ListSources(ctx context.Context) ([]Source, error) {
	var res struct {
		Sources []Source `json:"sources"`
	}
	err := c.getJSON(ctx, "/api/rag/sources", &res)
	return res.Sources, err
}

// RemoveSource stops refreshing a source and deletes its knowledge file.
func (c *Client) RemoveSource(ctx context.Context, id int64) (ReindexStats, error) {
	var res struct {
		Reindexed ReindexStats `json:"reindexed"`
	}
	err := c.postJSON(ctx, fmt.Sprintf("/api/rag/sources/%d/delete", id), struct{}{}, &res)
	return res.Reindexed, err
}

// ListFiles lists the knowledge files, newest first
func (c *Client) ListFiles(ctx context.Context) ([]File, error) {
	var res struct {
		Files []File `json:"files"`
	}
	err := c.getJSON(ctx, "/api/rag/files", &res)
	return res.Files, err
}

// DeleteFile removes a knowledge file; the server reindexes its backend.
func (c *Client) DeleteFile(ctx context.Context, id int64) (ReindexStats, error) {
	form := url.Values{"id": {strconv.FormatInt(id, 10)}}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/rag/files/delete", strings.NewReader(form.Encode()))
	if err != nil {
		return ReindexStats{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var res struct {
		Reindexed ReindexStats `json:"reindexed"`
	}
	err = c.do(req, &res)
	return res.Reindexed, err
}

// Clear wipes every knowledge file and collection of the user.
func (c *Client) Clear(ctx context.Context) error {
	return c.postJSON(ctx, "/api/rag/clear", struct{}{}, nil)
}

// Search runs a merged retrieval across the user's backends
func (c *Client) Search(ctx context.Context, query string) ([]types.Hit, error) {
	var res struct {
		Hits []types.Hit `json:"hits"`
	}
	err := c.postJSON(ctx, "/api/rag/search", map[string]string{"query": query}, &res)
	return res.Hits, err
}

func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var s Settings
	err := c.getJSON(ctx, "/api/settings", &s)
	return s, err
}

func (c *Client) UpdateSettings(ctx context.Context, u SettingsUpdate) error {
	return c.postJSON(ctx, "/api/settings", u, nil)
}

func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	var res struct {
		Chats []Chat `json:"chats"`
	}
	err := c.getJSON(ctx, "/api/chats", &res)
	return res.Chats, err
}

func (c *Client) CreateChat(ctx context.Context, title string) (Chat, error) {
	var ch Chat
	err := c.postJSON(ctx, "/api/chats", map[string]string{"title": title}, &ch)
	return ch, err
}

func (c *Client) Messages(ctx context.Context, chatID int64) ([]Turn, error) {
	var res struct {
		Messages []Turn `json:"messages"`
	}
	err := c.getJSON(ctx, fmt.Sprintf("/api/chats/%d/messages", chatID), &res)
	return res.Messages, err
}

func (c *Client) RenameChat(ctx context.Context, chatID int64, title string) error {
	return c.postJSON(ctx, fmt.Sprintf("/api/chats/%d/rename", chatID), map[string]string{"title": title}, nil)
}

func (c *Client) DeleteChat(ctx context.Context, chatID int64) error {
	return c.postJSON(ctx, fmt.Sprintf("/api/chats/%d/delete", chatID), struct{}{}, nil)
}

// Event is one server-sent event of a chat stream. Data is the raw JSON
// payload; the typed fields are filled according to Name.
type Event struct {
	Name string
	Data json.RawMessage

	Sources []types.SourceRef
	ChatID  int64
	Token   string
	Error   string
}

// ChatRequest is a message sent to Stream. ChatID 0 starts a new chat.
type ChatRequest struct {
	ChatID  int64           `json:"chat_id,omitempty"`
	Message string          `json:"message"`
	History []types.Message `json:"history,omitempty"`
}

// Stream sends a chat message and calls fn for every event until the
// stream ends. Returning an error from fn, or cancelling ctx, disconnects.
func (c *Client) Stream(ctx context.Context, r ChatRequest, fn func(Event) error) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return ReadEvents(resp.Body, fn)
}

// ReadEvents decodes a server-sent event stream.
func ReadEvents(r io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var (
		name string
		data []string
	)
	flush := func() error {
		if name == "" && len(data) == 0 {
			return nil
		}
		e := Event{Name: name, Data: json.RawMessage(strings.Join(data, "\n"))}
		name, data = "", nil
		if e.Name == "" {
			e.Name = "message"
		}
		if err := e.decode(); err != nil {
			return err
		}
		return fn(e)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}

func (e *Event) decode() error {
	if len(e.Data) == 0 {
		return nil
	}
	var payload struct {
		Sources []types.SourceRef `json:"sources"`
		ChatID  int64             `json:"chat_id"`
		Token   string            `json:"token"`
		Error   string            `json:"error"`
	}
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return fmt.Errorf("decoding %s event: %w", e.Name, err)
	}
	e.Sources = payload.Sources
	e.ChatID = payload.ChatID
	e.Token = payload.Token
	e.Error = payload.Error
	return nil
}
