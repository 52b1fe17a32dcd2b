package chunk_test

import (
	"strings"
	"unicode/utf8"

	. "github.com/mudler/ragchat/pkg/chunk"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Splitter", func() {
	It("should handle empty text", func() {
		Expect(NewSplitter(100, 10).Split("")).To(BeEmpty())
		Expect(NewSplitter(100, 10).Split("  \n\n ")).To(BeEmpty())
	})

	It("should handle text smaller than chunk size", func() {
		chunks := NewSplitter(100, 10).Split("Short text")
		Expect(chunks).To(Equal([]string{"Short text"}))
	})

	It("should respect max chunk size", func() {
		text := strings.Repeat("This is a very long text that should be split into multiple chunks. ", 40)
		chunks := NewSplitter(50, 10).Split(text)
		Expect(len(chunks)).To(BeNumerically(">", 1))
		for _, c := range chunks {
			Expect(utf8.RuneCountInString(c)).To(BeNumerically("<=", 50))
		}
	})

	It("should prefer paragraph boundaries", func() {
		text := "First paragraph here.\n\nSecond paragraph here.\n\nThird paragraph here."
		chunks := NewSplitter(30, 0).Split(text)
		Expect(chunks).To(Equal([]string{
			"First paragraph here.",
			"Second paragraph here.",
			"Third paragraph here.",
		}))
	})

	It("should carry overlap between consecutive chunks", func() {
		text := "aaaa bbbb cccc dddd eeee ffff gggg hhhh"
		chunks := NewSplitter(14, 5).Split(text)
		Expect(chunks).To(Equal([]string{
			"aaaa bbbb cccc",
			"cccc dddd eeee",
			"eeee ffff gggg",
			"gggg hhhh",
		}))
	})

	It("should fall back to characters for unbroken text", func() {
		text := strings.Repeat("x", 25)
		chunks := NewSplitter(10, 2).Split(text)
		Expect(len(chunks)).To(BeNumerically(">=", 3))
		for _, c := range chunks {
			Expect(utf8.RuneCountInString(c)).To(BeNumerically("<=", 10))
		}
		Expect(chunks[0]).To(HaveLen(10))
	})

	It("should count runes, not bytes", func() {
		text := strings.Repeat("é", 12)
		chunks := NewSplitter(6, 0).Split(text)
		Expect(chunks).To(Equal([]string{"éééééé", "éééééé"}))
	})

	It("should clamp an overlap larger than the size", func() {
		s := NewSplitter(10, 20)
		Expect(s.Overlap).To(BeNumerically("<", s.Size))
	})
})
