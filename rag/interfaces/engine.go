package interfaces

import (
	"context"

	"github.com/mudler/ragchat/rag/types"
)

// Embedder turns text into a vector. Implementations are bound to one
// backend and already carry their credentials.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChatModel opens a token stream for a conversation.
type ChatModel interface {
	Stream(ctx context.Context, messages []types.Message) (TokenStream, error)
}

// TokenStream yields generated tokens. Recv returns io.EOF once the model
// signals the end of the output.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// Resolver hands out ready-to-use capabilities for a user. The caller never
// sees raw credentials.
type Resolver interface {
	Embedder(ctx context.Context, userID int64, backend types.Backend) (Embedder, error)
	ChatModel(ctx context.Context, userID int64) (ChatModel, error)
}
