package providers

import (
	"context"
	"strings"

	"github.com/mudler/ragchat/rag/types"
	"github.com/philippgille/chromem-go"
)

// OllamaEmbedder wraps chromem's Ollama embedding function.
type OllamaEmbedder struct {
	embed chromem.EmbeddingFunc
}

func NewOllamaEmbedder(baseURL, model string) *OllamaEmbedder {
	return &OllamaEmbedder{
		embed: chromem.NewEmbeddingFuncOllama(model, strings.TrimRight(baseURL, "/")+"/api"),
	}
}

func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := o.embed(ctx, text)
	if err != nil {
		return nil, types.NewError(types.ErrProvider, "embedding request failed", err)
	}
	return v, nil
}

// ollamaChatURL is Ollama's OpenAI compatible endpoint.
func ollamaChatURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/v1"
}
