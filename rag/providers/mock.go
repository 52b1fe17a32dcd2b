package providers

import (
	"context"
	"hash/fnv"
	"io"
	"math"
	"strings"
	"unicode"

	"github.com/mudler/ragchat/rag/interfaces"
	"github.com/mudler/ragchat/rag/types"
)

const mockDims = 64

// Mock answers without any external API: embeddings are hashed bags of
// words and the chat model replays scripted tokens. It backs offline
// development and tests.
type Mock struct {
	// Tokens is the scripted answer. When empty the model echoes the last
	// user message word by word.
	Tokens []string
	// Unavailable backends fail to resolve with ErrMissingCredential.
	Unavailable map[types.Backend]bool
	// FailEmbed backends resolve but every Embed call fails.
	FailEmbed map[types.Backend]bool
	// ChatErr, when set, is returned by ChatModel.
	ChatErr error
	// StreamErr, when set, ends the stream after the scripted tokens.
	StreamErr error
}

func (m *Mock) Embedder(ctx context.Context, userID int64, backend types.Backend) (interfaces.Embedder, error) {
	if m.Unavailable[backend] {
		return nil, types.NewError(types.ErrMissingCredential, "no "+backend.String()+" API key configured", nil)
	}
	return mockEmbedder{fail: m.FailEmbed[backend]}, nil
}

func (m *Mock) ChatModel(ctx context.Context, userID int64) (interfaces.ChatModel, error) {
	if m.ChatErr != nil {
		return nil, m.ChatErr
	}
	return mockChat{tokens: m.Tokens, err: m.StreamErr}, nil
}

type mockEmbedder struct {
	fail bool
}

// Embed hashes every lowercased word into a bucket. The last dimension is a
// constant bias so that no vector is ever zero.
func (e mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, types.NewError(types.ErrProvider, "embedding request failed", nil)
	}
	v := make([]float32, mockDims+1)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%mockDims]++
	}
	v[mockDims] = 0.1

	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v, nil
}

type mockChat struct {
	tokens []string
	err    error
}

func (c mockChat) Stream(ctx context.Context, messages []types.Message) (interfaces.TokenStream, error) {
	tokens := c.tokens
	if len(tokens) == 0 {
		var last string
		for _, m := range messages {
			if m.Role == types.RoleUser {
				last = m.Content
			}
		}
		for i, w := range strings.Fields("(mock) " + last) {
			if i > 0 {
				w = " " + w
			}
			tokens = append(tokens, w)
		}
	}
	return &mockStream{ctx: ctx, tokens: tokens, err: c.err}, nil
}

type mockStream struct {
	ctx    context.Context
	tokens []string
	err    error
}

func (s *mockStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if len(s.tokens) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	tok := s.tokens[0]
	s.tokens = s.tokens[1:]
	return tok, nil
}

func (s *mockStream) Close() error {
	return nil
}
