package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mudler/ragchat/chat"
	"github.com/mudler/ragchat/pkg/secrets"
	"github.com/mudler/ragchat/rag"
	"github.com/mudler/ragchat/rag/types"
	"github.com/mudler/ragchat/store"
	"github.com/mudler/xlog"
)

const maxTitleRunes = 120

// app holds what the HTTP handlers work with.
type app struct {
	store     store.Store
	box       *secrets.Box
	pipeline  *rag.Pipeline
	sources   *rag.SourceManager
	retriever *rag.Retriever
	chat      *chat.Service

	retrieve   rag.RetrieveOptions
	authSecret []byte
	debug      bool
}

func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	registerStaticHandler(e, a.debug)

	api := e.Group("/api", jwtAuth(a.authSecret))

	api.GET("/settings", getSettings(a))
	api.POST("/settings", saveSettings(a))

	api.POST("/rag/upload", uploadFiles(a))
	api.POST("/rag/url", ingestURL(a))
	api.GET("/rag/files", listFiles(a))
	api.POST("/rag/files/delete", deleteFile(a))
	api.POST("/rag/clear", clearKnowledge(a))
	api.POST("/rag/search", search(a))
	api.GET("/rag/sources", listSources(a))
	api.POST("/rag/sources", addSource(a))
	api.POST("/rag/sources/:id/delete", removeSource(a))

	api.GET("/chats", listChats(a))
	api.POST("/chats", createChat(a))
	api.GET("/chats/:id/messages", chatMessages(a))
	api.POST("/chats/:id/rename", renameChat(a))
	api.POST("/chats/:id/delete", deleteChat(a))
	api.POST("/chat/stream", streamChat(a))

	return e
}

func errorMessage(message string) map[string]string {
	return map[string]string{"error": message}
}

// errorResponse maps an engine error to a status code and a short message.
// Internal detail is only added in debug mode.
func (a *app) errorResponse(c echo.Context, err error) error {
	status, body := a.errorBody(c, err)
	return c.JSON(status, body)
}

func (a *app) errorBody(c echo.Context, err error) (int, map[string]any) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case types.IsClientError(err):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		xlog.Error("Request failed", "path", c.Path(), "error", err)
	}

	body := map[string]any{"error": types.UserMessage(err)}
	if a.debug {
		body["detail"] = err.Error()
	}
	return status, body
}

func paramID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, types.NewError(types.ErrValidation, "invalid "+name, err)
	}
	return id, nil
}

type settingsResponse struct {
	Provider    types.Backend `json:"provider"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	BaseURL     string        `json:"base_url"`
	HasAPIKey   bool          `json:"has_api_key"`
}

func hasKey(st store.Settings) bool {
	switch st.Provider {
	case types.OpenAI:
		return len(st.OpenAIKey) > 0
	case types.Google:
		return len(st.GoogleKey) > 0
	}
	return false
}

func getSettings(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		st, err := a.store.GetSettings(c.Request().Context(), userID(c))
		if err != nil {
			return a.errorResponse(c, err)
		}
		res := settingsResponse{
			Provider:    st.Provider,
			Model:       st.Model,
			Temperature: st.Temperature,
			HasAPIKey:   hasKey(st),
		}
		if st.Provider == types.Ollama {
			res.BaseURL = st.OllamaBaseURL
		}
		return c.JSON(http.StatusOK, res)
	}
}

func saveSettings(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		type request struct {
			Provider    *types.Backend `json:"provider"`
			Model       *string        `json:"model"`
			Temperature *float64       `json:"temperature"`
			APIKey      string         `json:"api_key"`
			BaseURL     string         `json:"base_url"`
			ClearAPIKey bool           `json:"clear_api_key"`
		}

		r := new(request)
		if err := c.Bind(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("Invalid request"))
		}

		ctx := c.Request().Context()
		st, err := a.store.GetSettings(ctx, userID(c))
		if err != nil {
			return a.errorResponse(c, err)
		}

		if r.Provider != nil {
			st.Provider = *r.Provider
		}
		if r.Model != nil {
			if m := strings.TrimSpace(*r.Model); m != "" {
				st.Model = m
			}
		}
		if r.Temperature != nil {
			if *r.Temperature < 0 || *r.Temperature > 2 {
				return c.JSON(http.StatusBadRequest, errorMessage("temperature must be between 0 and 2"))
			}
			st.Temperature = *r.Temperature
		}

		key := strings.TrimSpace(r.APIKey)
		switch st.Provider {
		case types.OpenAI, types.Google:
			var sealed []byte
			if key != "" {
				if sealed, err = a.box.Seal(key); err != nil {
					return a.errorResponse(c, err)
				}
			}
			if key != "" || r.ClearAPIKey {
				if st.Provider == types.OpenAI {
					st.OpenAIKey = sealed
				} else {
					st.GoogleKey = sealed
				}
			}
		case types.Ollama:
			if u := strings.TrimSpace(r.BaseURL); u != "" {
				st.OllamaBaseURL = u
			}
		}

		if err := a.store.SaveSettings(ctx, st); err != nil {
			return a.errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "has_api_key": hasKey(st)})
	}
}

// backendParam returns the requested backend, or the user's provider when
// none was given.
func (a *app) backendParam(c echo.Context, value string) (types.Backend, error) {
	if value == "" {
		st, err := a.store.GetSettings(c.Request().Context(), userID(c))
		if err != nil {
			return 0, err
		}
		return st.Provider, nil
	}
	return types.ParseBackend(value)
}

func uploadFiles(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		form, err := c.MultipartForm()
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("Failed to read upload: "+err.Error()))
		}
		backend, err := a.backendParam(c, c.FormValue("backend"))
		if err != nil {
			return a.errorResponse(c, err)
		}

		var uploads []rag.Upload
		for _, fh := range form.File["files"] {
			uploads = append(uploads, rag.Upload{
				Name: fh.Filename,
				Size: fh.Size,
				Open: func() (io.ReadCloser, error) {
					f, err := fh.Open()
					if err != nil {
						return nil, err
					}
					return f, nil
				},
			})
		}

		files, err := a.pipeline.UploadAndIngest(c.Request().Context(), userID(c), backend, uploads)
		if err != nil {
			if len(files) == 0 {
				return a.errorResponse(c, err)
			}
			xlog.Warn("Upload partially ingested", "user", userID(c), "ingested", len(files), "error", err)
			status, body := a.errorBody(c, err)
			body["files"] = files
			return c.JSON(status, body)
		}
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "files": files})
	}
}

func ingestURL(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		type request struct {
			URL     string `json:"url"`
			Backend string `json:"backend"`
		}

		r := new(request)
		if err := c.Bind(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("Invalid request"))
		}
		backend, err := a.backendParam(c, r.Backend)
		if err != nil {
			return a.errorResponse(c, err)
		}

		file, err := a.pipeline.IngestURL(c.Request().Context(), userID(c), backend, r.URL)
		if err != nil {
			return a.errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "file": file})
	}
}

type sourceResponse struct {
	ID         int64         `json:"id"`
	FileID     int64         `json:"file_id"`
	URL        string        `json:"url"`
	Backend    types.Backend `json:"backend"`
	Interval   string        `json:"interval"`
	LastUpdate string        `json:"last_update"`
}

func newSourceResponse(s store.Source) sourceResponse {
	return sourceResponse{
		ID:         s.ID,
		FileID:     s.FileID,
		URL:        s.URL,
		Backend:    s.Backend,
		Interval:   s.Interval.String(),
		LastUpdate: s.LastUpdate.Format(time.RFC3339Nano),
	}
}

func addSource(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		type request struct {
			URL      string `json:"url"`
			Backend  string `json:"backend"`
			Interval string `json:"interval"`
		}

		r := new(request)
		if err := c.Bind(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("Invalid request"))
		}
		interval, err := time.ParseDuration(r.Interval)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("Invalid interval"))
		}
		backend, err := a.backendParam(c, r.Backend)
		if err != nil {
			return a.errorResponse(c, err)
		}

		src, file, err := a.sources.AddSource(c.Request().Context(), userID(c), backend, r.URL, interval)
		if err != nil {
			return a.errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "source": newSourceResponse(src), "file": file})
	}
}

func listSources(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		list, err := a.sources.ListSources(c.Request().Context(), userID(c))
		if err != nil {
			return a.errorResponse(c, err)
		}
		out := make([]sourceResponse, 0, len(list))
		for _, s := range list {
			out = append(out, newSourceResponse(s))
		}
		return c.JSON(http.StatusOK, map[string]any{"sources": out})
	}
}

func removeSource(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		id, err := paramID(c, "id")
		if err != nil {
			return a.errorResponse(c, err)
		}
		stats, err := a.sources.RemoveSource(c.Request().Context(), userID(c), id)
		if err != nil {
			return a.errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "reindexed": stats})
	}
}

type fileResponse struct {
	ID        int64         `json:"id"`
	Name      string        `json:"name"`
	Backend   types.Backend `json:"backend"`
	Size      int64         `json:"size_bytes"`
	SizeHuman string        `json:"size_human"`
	CreatedAt string        `json:"created_at"`
}

func listFiles(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		files, err := a.pipeline.ListFiles(c.Request().Context(), userID(c))
		if err != nil {
			return a.errorResponse(c, err)
		}
		out := make([]fileResponse, 0, len(files))
		for _, f := range files {
			out = append(out, fileResponse{
				ID:        f.ID,
				Name:      f.Name,
				Backend:   f.Backend,
				Size:      f.Size,
				SizeHuman: humanSize(f.Size),
				CreatedAt: f.CreatedAt.Format(time.RFC3339Nano),
			})
		}
		return c.JSON(http.StatusOK, map[string]any{"files": out})
	}
}

// humanSize formats a byte count with binary units, e.g. "1.5 KB".
func humanSize(n int64) string {
	size := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024 {
			if unit == "B" {
				return fmt.Sprintf("%.0f B", size)
			}
			return fmt.Sprintf("%.1f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.1f TB", size)
}

func deleteFile(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		raw := c.FormValue("id")
		if raw == "" {
			return c.JSON(http.StatusBadRequest, errorMessage("Missing id"))
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("Invalid id"))
		}

		stats, err := a.pipeline.DeleteFile(c.Request().Context(), userID(c), id)
		if err != nil {
			return a.errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"ok": true, "reindexed": stats})
	}
}

func clearKnowledge(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		if err := a.pipeline.ClearKnowledge(c.Request().Context(), userID(c)); err != nil {
			return a.errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"ok": true})
	}
}

func search(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		type request struct {
			Query string `json:"query"`
		}

		r := new(request)
		if err := c.Bind(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("Invalid request"))
		}
		if strings.TrimSpace(r.Query) == "" {
			return c.JSON(http.StatusBadRequest, errorMessage("Empty query"))
		}

		hits, err := a.retriever.Retrieve(c.Request().Context(), userID(c), r.Query, a.retrieve)
		if err != nil {
			return a.errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"hits": hits})
	}
}

func listChats(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		chats, err := a.store.ListChats(c.Request().Context(), userID(c))
		if err != nil {
			return a.errorResponse(c, err)
		}
		if chats == nil {
			chats = []store.Chat{}
		}
		return c.JSON(http.StatusOK, map[string]any{"chats": chats})
	}
}

func createChat(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		type request struct {
			Title string `json:"title"`
		}

		r := new(request)
		if err := c.Bind(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("Invalid request"))
		}
		title := strings.TrimSpace(r.Title)
		if title == "" {
			title = store.DefaultChatTitle
		}

		ch, err := a.store.CreateChat(c.Request().Context(), userID(c), truncateRunes(title, maxTitleRunes))
		if err != nil {
			return a.errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, ch)
	}
}

func chatMessages(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		id, err := paramID(c, "id")
		if err != nil {
			return a.errorResponse(c, err)
		}
		ctx := c.Request().Context()
		ch, err := a.store.GetChat(ctx, userID(c), id)
		if err != nil {
			return a.errorResponse(c, err)
		}
		turns, err := a.store.ListTurns(ctx, ch.ID)
		if err != nil {
			return a.errorResponse(c, err)
		}
		if turns == nil {
			turns = []store.Turn{}
		}
		return c.JSON(http.StatusOK, map[string]any{"chat": ch, "messages": turns})
	}
}

func renameChat(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		id, err := paramID(c, "id")
		if err != nil {
			return a.errorResponse(c, err)
		}

		type request struct {
			Title string `json:"title"`
		}

		r := new(request)
		if err := c.Bind(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("Invalid request"))
		}
		title := strings.TrimSpace(r.Title)
		if title == "" {
			return c.JSON(http.StatusBadRequest, errorMessage("Empty title"))
		}

		if err := a.store.RenameChat(c.Request().Context(), userID(c), id, truncateRunes(title, maxTitleRunes)); err != nil {
			return a.errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"ok": true})
	}
}

func deleteChat(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		id, err := paramID(c, "id")
		if err != nil {
			return a.errorResponse(c, err)
		}
		if err := a.store.DeleteChat(c.Request().Context(), userID(c), id); err != nil {
			return a.errorResponse(c, err)
		}
		return c.JSON(http.StatusOK, map[string]any{"ok": true})
	}
}

// streamChat answers over server-sent events. Failures before the first
// event are plain JSON errors; afterwards they travel as an error event.
func streamChat(a *app) func(c echo.Context) error {
	return func(c echo.Context) error {
		type request struct {
			ChatID  int64           `json:"chat_id"`
			Message string          `json:"message"`
			History []types.Message `json:"history"`
		}

		r := new(request)
		if err := c.Bind(r); err != nil {
			return c.JSON(http.StatusBadRequest, errorMessage("Invalid request"))
		}

		ctx := c.Request().Context()
		session, err := a.chat.Begin(ctx, chat.Request{
			UserID:  userID(c),
			ChatID:  r.ChatID,
			Message: r.Message,
			History: r.History,
		})
		if err != nil {
			return a.errorResponse(c, err)
		}

		res := session.Run(ctx, newSSEEmitter(c))
		xlog.Debug("Chat stream finished", "user", userID(c), "chat", res.ChatID, "state", res.State, "partial", res.Partial)
		return nil
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
