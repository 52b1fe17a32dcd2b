package chunk

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators are tried in order: paragraphs, then lines, then words,
// then single characters.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// Splitter cuts text into chunks of at most Size runes, carrying up to
// Overlap runes of trailing context from one chunk into the next.
type Splitter struct {
	Size       int
	Overlap    int
	Separators []string
}

// NewSplitter returns a splitter using DefaultSeparators. An overlap that is
// negative or not smaller than size is clamped.
func NewSplitter(size, overlap int) Splitter {
	if size <= 0 {
		size = 900
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 2
	}
	return Splitter{Size: size, Overlap: overlap, Separators: DefaultSeparators}
}

// Split returns the chunks of text in document order. Empty or
// whitespace-only text yields no chunks.
func (s Splitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	seps := s.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	return s.split(text, seps)
}

func (s Splitter) split(text string, separators []string) []string {
	var final []string

	separator := separators[len(separators)-1]
	var next []string
	for i, sep := range separators {
		if sep == "" {
			separator = sep
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			next = separators[i+1:]
			break
		}
	}

	var pieces []string
	if separator == "" {
		pieces = splitRunes(text)
	} else {
		pieces = strings.Split(text, separator)
	}

	var good []string
	for _, p := range pieces {
		if p == "" {
			continue
		}
		if runeLen(p) < s.Size {
			good = append(good, p)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.merge(good, separator)...)
			good = nil
		}
		if len(next) == 0 {
			final = append(final, p)
		} else {
			final = append(final, s.split(p, next)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.merge(good, separator)...)
	}
	return final
}

// merge packs small pieces into chunks, keeping the tail of the previous
// chunk (up to Overlap runes) at the head of the next one.
func (s Splitter) merge(pieces []string, separator string) []string {
	sepLen := runeLen(separator)
	var (
		chunks  []string
		current []string
		total   int
	)

	join := func(withSep bool) int {
		if withSep {
			return sepLen
		}
		return 0
	}

	for _, p := range pieces {
		l := runeLen(p)
		if total+l+join(len(current) > 0) > s.Size {
			if len(current) > 0 {
				if doc := strings.TrimSpace(strings.Join(current, separator)); doc != "" {
					chunks = append(chunks, doc)
				}
				for total > s.Overlap || (total+l+join(len(current) > 0) > s.Size && total > 0) {
					total -= runeLen(current[0]) + join(len(current) > 1)
					current = current[1:]
				}
			}
		}
		current = append(current, p)
		total += l + join(len(current) > 1)
	}
	if doc := strings.TrimSpace(strings.Join(current, separator)); doc != "" {
		chunks = append(chunks, doc)
	}
	return chunks
}

func splitRunes(text string) []string {
	out := make([]string, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		out = append(out, string(r))
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
