package types

import (
	"fmt"
	"strings"
)

// Backend identifies one embedding provider and the knowledge collection
// embedded with it.
type Backend int

const (
	OpenAI Backend = iota
	Google
	Ollama
)

// Backends lists every known backend in probing order.
var Backends = []Backend{OpenAI, Google, Ollama}

func (b Backend) String() string {
	switch b {
	case OpenAI:
		return "openai"
	case Google:
		return "google"
	case Ollama:
		return "ollama"
	}
	return fmt.Sprintf("backend(%d)", int(b))
}

// Valid reports whether b is one of the known backends.
func (b Backend) Valid() bool {
	return b >= OpenAI && b <= Ollama
}

// ParseBackend converts an identifier such as "openai" into a Backend.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return OpenAI, nil
	case "google":
		return Google, nil
	case "ollama":
		return Ollama, nil
	}
	return 0, NewError(ErrValidation, fmt.Sprintf("unknown backend %q", s), nil)
}

func (b Backend) MarshalText() ([]byte, error) {
	if !b.Valid() {
		return nil, fmt.Errorf("invalid backend %d", int(b))
	}
	return []byte(b.String()), nil
}

func (b *Backend) UnmarshalText(text []byte) error {
	parsed, err := ParseBackend(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
