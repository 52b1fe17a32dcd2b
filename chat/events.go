package chat

import "github.com/mudler/ragchat/rag/types"

// Event names of a chat stream, in the order they are emitted. Exactly one
// of EventDone and EventError ends every stream that got past validation.
const (
	EventSources = "sources"
	EventStart   = "start"
	EventToken   = "token"
	EventDone    = "done"
	EventError   = "error"
)

// Event is one message pushed to the caller while a chat session runs.
type Event struct {
	Name string
	Data any
}

// Emitter delivers events to the caller. An Emit error means the caller is
// gone and is handled like a cancellation.
type Emitter interface {
	Emit(Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event) error

func (f EmitterFunc) Emit(e Event) error {
	return f(e)
}

type SourcesData struct {
	Sources []types.SourceRef `json:"sources"`
}

type StartData struct {
	OK     bool  `json:"ok"`
	ChatID int64 `json:"chat_id"`
}

type TokenData struct {
	Token string `json:"token"`
}

type DoneData struct {
	OK     bool  `json:"ok"`
	ChatID int64 `json:"chat_id"`
}

type ErrorData struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}
