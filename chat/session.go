// Package chat runs grounded chat sessions: it retrieves context from every
// active backend of a user, streams the model answer to the caller and
// checkpoints whatever was generated when the stream is cut short.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/mudler/ragchat/rag"
	"github.com/mudler/ragchat/rag/interfaces"
	"github.com/mudler/ragchat/rag/types"
	"github.com/mudler/ragchat/store"
	"github.com/mudler/xlog"
)

const (
	SystemPrompt  = "You are a helpful assistant."
	ContextHeader = "Use the following retrieved context when helpful:"

	titleRunes = 60
)

type State int

const (
	Received State = iota
	Retrieving
	Drafting
	Streaming
	Completed
	Aborted
	Failed
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case Retrieving:
		return "retrieving"
	case Drafting:
		return "drafting"
	case Streaming:
		return "streaming"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Request is one inbound user message. ChatID 0 starts a new chat.
type Request struct {
	UserID  int64
	ChatID  int64
	Message string
	History []types.Message
}

// Result describes how a session ended.
type Result struct {
	ChatID  int64
	State   State
	Answer  string
	Partial bool
	Sources []types.SourceRef
	// Err is the failure reported on the stream, if any.
	Err error
}

// Service runs chat sessions. It holds no per-session state and is safe for
// concurrent use.
type Service struct {
	store     store.Store
	retriever *rag.Retriever
	resolver  interfaces.Resolver

	Options rag.RetrieveOptions
	// Debug adds internal error detail to error events.
	Debug bool
}

func NewService(s store.Store, retriever *rag.Retriever, resolver interfaces.Resolver) *Service {
	return &Service{
		store:     s,
		retriever: retriever,
		resolver:  resolver,
		Options:   rag.DefaultRetrieveOptions,
	}
}

// Begin validates the request, resolves or creates the chat and records the
// user turn. Errors returned here happen before anything was streamed.
func (s *Service) Begin(ctx context.Context, req Request) (*Session, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, types.NewError(types.ErrEmptyMessage, "message is empty", nil)
	}

	var (
		chat store.Chat
		err  error
	)
	if req.ChatID == 0 {
		chat, err = s.store.CreateChat(ctx, req.UserID, store.DefaultChatTitle)
	} else {
		chat, err = s.store.GetChat(ctx, req.UserID, req.ChatID)
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.store.AppendTurn(ctx, chat.ID, types.RoleUser, message, false); err != nil {
		return nil, err
	}
	if chat.Title == store.DefaultChatTitle {
		err = s.store.RenameChat(ctx, req.UserID, chat.ID, Title(message))
	} else {
		err = s.store.TouchChat(ctx, req.UserID, chat.ID)
	}
	if err != nil {
		return nil, err
	}

	return &Session{
		svc:     s,
		userID:  req.UserID,
		chatID:  chat.ID,
		message: message,
		history: filterHistory(req.History),
		state:   Received,
	}, nil
}

// Stream is Begin followed by Session.Run.
func (s *Service) Stream(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	session, err := s.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return session.Run(ctx, emit), nil
}

// Session is a single chat request past validation.
type Session struct {
	svc     *Service
	userID  int64
	chatID  int64
	message string
	history []types.Message

	state   State
	answer  strings.Builder
	emitted int
}

func (s *Session) ChatID() int64 {
	return s.chatID
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) transition(to State) {
	xlog.Debug("Chat session state", "chat", s.chatID, "from", s.state, "to", to)
	s.state = to
}

// Run drives the session to a terminal state. Cancelling ctx aborts it;
// tokens emitted so far are then stored as a partial assistant turn.
func (s *Session) Run(ctx context.Context, emit Emitter) *Result {
	res := &Result{ChatID: s.chatID}

	s.transition(Retrieving)
	hits, err := s.svc.retriever.Retrieve(ctx, s.userID, s.message, s.svc.Options)
	if err != nil {
		return s.finish(ctx, emit, res, err)
	}
	res.Sources = DedupSources(hits)
	if err := emit.Emit(Event{Name: EventSources, Data: SourcesData{Sources: res.Sources}}); err != nil {
		return s.finish(ctx, emit, res, errCallerGone(err))
	}

	s.transition(Drafting)
	messages := BuildMessages(hits, s.history, s.message)
	if err := emit.Emit(Event{Name: EventStart, Data: StartData{OK: true, ChatID: s.chatID}}); err != nil {
		return s.finish(ctx, emit, res, errCallerGone(err))
	}

	s.transition(Streaming)
	return s.finish(ctx, emit, res, s.stream(ctx, emit, messages))
}

func (s *Session) stream(ctx context.Context, emit Emitter, messages []types.Message) error {
	model, err := s.svc.resolver.ChatModel(ctx, s.userID)
	if err != nil {
		return asProviderError(err)
	}
	tokens, err := model.Stream(ctx, messages)
	if err != nil {
		return asProviderError(err)
	}
	defer tokens.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tok, err := tokens.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return asProviderError(err)
		}
		if err := emit.Emit(Event{Name: EventToken, Data: TokenData{Token: tok}}); err != nil {
			return errCallerGone(err)
		}
		s.answer.WriteString(tok)
		s.emitted++
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// finish persists the outcome and emits the terminal event. It runs on
// every exit path; writes use a context that survives cancellation.
func (s *Session) finish(ctx context.Context, emit Emitter, res *Result, err error) *Result {
	defer func() { res.State = s.state }()
	persistCtx := context.WithoutCancel(ctx)
	answer := s.answer.String()
	res.Answer = answer

	aborted := err != nil && (ctx.Err() != nil || errors.Is(err, errGone))
	switch {
	case err == nil:
		s.transition(Completed)
	case aborted:
		s.transition(Aborted)
	default:
		s.transition(Failed)
		res.Err = err
	}

	switch {
	case err == nil:
		if perr := s.saveAnswer(persistCtx, answer, false); perr != nil {
			s.transition(Failed)
			res.Err = perr
			s.emitError(emit, perr)
			return res
		}
		if eerr := emit.Emit(Event{Name: EventDone, Data: DoneData{OK: true, ChatID: s.chatID}}); eerr != nil {
			xlog.Debug("Caller left before done event", "chat", s.chatID, "error", eerr)
		}
	case strings.TrimSpace(answer) != "":
		res.Partial = true
		if perr := s.saveAnswer(persistCtx, answer, true); perr != nil {
			xlog.Error("Failed to persist partial answer", "chat", s.chatID, "error", perr)
		}
	}

	switch {
	case aborted:
		xlog.Info("Chat stream aborted", "chat", s.chatID, "tokens", s.emitted)
	case err != nil:
		xlog.Warn("Chat stream failed", "chat", s.chatID, "tokens", s.emitted, "error", err)
		s.emitError(emit, err)
	}
	return res
}

func (s *Session) saveAnswer(ctx context.Context, answer string, partial bool) error {
	if _, err := s.svc.store.AppendTurn(ctx, s.chatID, types.RoleAssistant, answer, partial); err != nil {
		return err
	}
	return s.svc.store.TouchChat(ctx, s.userID, s.chatID)
}

func (s *Session) emitError(emit Emitter, err error) {
	data := ErrorData{Error: types.UserMessage(err)}
	if s.svc.Debug {
		data.Detail = err.Error()
	}
	if eerr := emit.Emit(Event{Name: EventError, Data: data}); eerr != nil {
		xlog.Debug("Caller left before error event", "chat", s.chatID, "error", eerr)
	}
}

var errGone = errors.New("caller disconnected")

func errCallerGone(err error) error {
	return fmt.Errorf("%w: %w", errGone, err)
}

func asProviderError(err error) error {
	var e *types.Error
	if errors.As(err, &e) {
		return err
	}
	return types.NewError(types.ErrProvider, "model request failed", err)
}

// Title derives a chat title from its first message.
func Title(message string) string {
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) <= titleRunes {
		return message
	}
	return string([]rune(message)[:titleRunes]) + "..."
}

// DedupSources lists the distinct (source, page) pairs of hits in order.
func DedupSources(hits []types.Hit) []types.SourceRef {
	type key struct {
		source string
		page   int
		paged  bool
	}
	seen := map[key]bool{}
	refs := []types.SourceRef{}
	for _, h := range hits {
		k := key{source: h.Source}
		if h.Page != nil {
			k.page, k.paged = *h.Page, true
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		refs = append(refs, h.Ref())
	}
	return refs
}

// BuildMessages assembles the model input: the system prompt, the numbered
// context when there is any, the prior history and the new message.
func BuildMessages(hits []types.Hit, history []types.Message, message string) []types.Message {
	messages := []types.Message{{Role: types.RoleSystem, Content: SystemPrompt}}
	if len(hits) > 0 {
		messages = append(messages, types.Message{Role: types.RoleSystem, Content: FormatContext(hits)})
	}
	messages = append(messages, filterHistory(history)...)
	return append(messages, types.Message{Role: types.RoleUser, Content: message})
}

// FormatContext renders hits as numbered blocks headed by source and page.
func FormatContext(hits []types.Hit) string {
	blocks := make([]string, 0, len(hits))
	for i, h := range hits {
		page := "?"
		if h.Page != nil {
			page = fmt.Sprint(*h.Page)
		}
		blocks = append(blocks, fmt.Sprintf("[%d] %s p%s\n%s", i+1, h.Source, page, h.Content))
	}
	return ContextHeader + "\n\n" + strings.Join(blocks, "\n\n")
}

func filterHistory(history []types.Message) []types.Message {
	out := make([]types.Message, 0, len(history))
	for _, m := range history {
		if m.Role == types.RoleUser || m.Role == types.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}
