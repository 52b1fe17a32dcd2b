package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mudler/ragchat/rag/interfaces"
	"github.com/mudler/ragchat/rag/types"
	"github.com/sashabaranov/go-openai"
)

const GoogleOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

func newClient(apiKey, baseURL string) *openai.Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(config)
}

// OpenAIEmbedder embeds through any OpenAI compatible embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

func NewOpenAIEmbedder(apiKey, baseURL, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: newClient(apiKey, baseURL), model: model}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx,
		openai.EmbeddingRequestStrings{
			Input: []string{text},
			Model: openai.EmbeddingModel(e.model),
		},
	)
	if err != nil {
		return nil, types.NewError(types.ErrProvider, "embedding request failed", err)
	}
	if len(resp.Data) == 0 {
		return nil, types.NewError(types.ErrProvider, "embedding request failed", errors.New("no embedding data returned"))
	}
	return resp.Data[0].Embedding, nil
}

// OpenAIChat streams completions from an OpenAI compatible endpoint.
type OpenAIChat struct {
	client      *openai.Client
	model       string
	temperature float32
}

func NewOpenAIChat(apiKey, baseURL, model string, temperature float64) *OpenAIChat {
	return &OpenAIChat{client: newClient(apiKey, baseURL), model: model, temperature: float32(temperature)}
}

func (c *OpenAIChat) Stream(ctx context.Context, messages []types.Message) (interfaces.TokenStream, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Stream:      true,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, types.NewError(types.ErrProvider, "chat model unavailable", err)
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

// Recv skips chunks that carry no text, such as the role preamble.
func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", types.NewError(types.ErrProvider, "chat stream failed", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if tok := resp.Choices[0].Delta.Content; tok != "" {
			return tok, nil
		}
		if resp.Choices[0].FinishReason != "" {
			return "", io.EOF
		}
	}
}

func (s *openAIStream) Close() error {
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("closing chat stream: %w", err)
	}
	return nil
}
