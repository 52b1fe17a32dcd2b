package types

// Document is one unit of text extracted from a source file: a PDF page or
// a whole text file.
type Document struct {
	Content string
	Source  string
	// Page is 1-based; nil when the source has no pages.
	Page *int
}

// Chunk is a bounded piece of a Document ready to be embedded.
type Chunk struct {
	Content string
	Source  string
	Page    *int
	UserID  int64
	Backend Backend
	FileID  int64
}

// Hit is a chunk returned by a similarity search.
type Hit struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Page    *int    `json:"page"`
	Backend Backend `json:"backend"`

	// Score is the cosine distance between the query and the chunk.
	// Lower is more similar; the range is [0, 2].
	Score float64 `json:"score"`
}

// SourceRef identifies where a hit came from, for citation lists.
type SourceRef struct {
	Source string `json:"source"`
	Page   *int   `json:"page"`
}

// Ref returns the source reference of the hit.
func (h Hit) Ref() SourceRef {
	return SourceRef{Source: h.Source, Page: h.Page}
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation sent to a chat model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// IntPtr is a small helper for optional page numbers.
func IntPtr(i int) *int {
	return &i
}
