// Package providers turns a user's stored provider settings into ready to
// use embedding and chat capabilities.
package providers

import (
	"context"
	"fmt"

	"github.com/mudler/ragchat/pkg/secrets"
	"github.com/mudler/ragchat/rag/interfaces"
	"github.com/mudler/ragchat/rag/types"
	"github.com/mudler/ragchat/store"
)

// EmbeddingModels maps each backend to the model used for its collection.
var EmbeddingModels = map[types.Backend]string{
	types.OpenAI: "text-embedding-3-small",
	types.Google: "text-embedding-004",
	types.Ollama: "nomic-embed-text",
}

type SettingsReader interface {
	GetSettings(ctx context.Context, userID int64) (store.Settings, error)
}

// Resolver decrypts credentials on demand. Callers only ever receive
// capabilities, never the keys.
type Resolver struct {
	settings SettingsReader
	box      *secrets.Box

	OpenAIBaseURL string
	GoogleBaseURL string
}

func NewResolver(settings SettingsReader, box *secrets.Box) *Resolver {
	return &Resolver{
		settings:      settings,
		box:           box,
		GoogleBaseURL: GoogleOpenAIBaseURL,
	}
}

type credentials struct {
	settings store.Settings
	apiKey  string
	baseURL string
}

func (r *Resolver) credentials(ctx context.Context, userID int64, backend types.Backend) (credentials, error) {
	st, err := r.settings.GetSettings(ctx, userID)
	if err != nil {
		return credentials{}, err
	}
	c := credentials{settings: st}

	switch backend {
	case types.OpenAI, types.Google:
		sealed := st.OpenAIKey
		c.baseURL = r.OpenAIBaseURL
		if backend == types.Google {
			sealed = st.GoogleKey
			c.baseURL = r.GoogleBaseURL
		}
		key, err := r.box.Open(sealed)
		if err != nil {
			return c, types.NewError(types.ErrMissingCredential, fmt.Sprintf("stored %s API key is unreadable", backend), err)
		}
		if key == "" {
			return c, types.NewError(types.ErrMissingCredential, fmt.Sprintf("no %s API key configured", backend), nil)
		}
		c.apiKey = key
	case types.Ollama:
		if st.OllamaBaseURL == "" {
			return c, types.NewError(types.ErrMissingBaseURL, "no Ollama base URL configured", nil)
		}
		c.baseURL = st.OllamaBaseURL
	default:
		return c, types.NewError(types.ErrValidation, "unknown backend", nil)
	}
	return c, nil
}

func (r *Resolver) Embedder(ctx context.Context, userID int64, backend types.Backend) (interfaces.Embedder, error) {
	c, err := r.credentials(ctx, userID, backend)
	if err != nil {
		return nil, err
	}
	model := EmbeddingModels[backend]
	if backend == types.Ollama {
		return NewOllamaEmbedder(c.baseURL, model), nil
	}
	return NewOpenAIEmbedder(c.apiKey, c.baseURL, model), nil
}

func (r *Resolver) ChatModel(ctx context.Context, userID int64) (interfaces.ChatModel, error) {
	st, err := r.settings.GetSettings(ctx, userID)
	if err != nil {
		return nil, err
	}
	c, err := r.credentials(ctx, userID, st.Provider)
	if err != nil {
		return nil, err
	}
	if st.Provider == types.Ollama {
		return NewOpenAIChat("ollama", ollamaChatURL(c.baseURL), st.Model, st.Temperature), nil
	}
	return NewOpenAIChat(c.apiKey, c.baseURL, st.Model, st.Temperature), nil
}
