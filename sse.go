package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mudler/ragchat/chat"
)

// sseEmitter writes chat events as server-sent events. Headers are sent
// with the first event so earlier failures can still answer with JSON.
type sseEmitter struct {
	c       echo.Context
	started bool
}

func newSSEEmitter(c echo.Context) *sseEmitter {
	return &sseEmitter{c: c}
}

func (s *sseEmitter) Emit(e chat.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}

	res := s.c.Response()
	if !s.started {
		h := res.Header()
		h.Set(echo.HeaderContentType, "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		res.WriteHeader(http.StatusOK)
		s.started = true
	}

	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", e.Name, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
