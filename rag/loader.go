package rag

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dslipak/pdf"
	"github.com/mudler/ragchat/rag/sources"
	"github.com/mudler/ragchat/rag/types"
	"github.com/mudler/xlog"
)

// UploadExtensions are the file types accepted from user uploads.
var UploadExtensions = []string{".pdf", ".txt", ".md"}

// AllowedUpload reports whether name has an extension accepted for upload.
func AllowedUpload(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range UploadExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Load extracts documents from a file. PDFs yield one document per page
// carrying its 1-based page number; text formats yield one document with
// no page.
func Load(name string, data []byte) ([]types.Document, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case ext == ".pdf":
		return loadPDF(name, data)
	case ext == ".txt", ext == ".md", ext == ".markdown", sources.IsTextFile(name):
		xlog.Debug("Reading text file", "file", name)
		if !utf8.Valid(data) {
			return nil, types.NewError(types.ErrDecode, fmt.Sprintf("%s is not valid UTF-8 text", name), nil)
		}
		return []types.Document{{Content: string(data), Source: name}}, nil
	}
	return nil, types.NewError(types.ErrUnsupportedFileType, fmt.Sprintf("unsupported file type %q", ext), nil)
}

func loadPDF(name string, data []byte) (docs []types.Document, err error) {
	// the pdf reader panics on some malformed streams
	defer func() {
		if r := recover(); r != nil {
			docs = nil
			err = types.NewError(types.ErrDecode, fmt.Sprintf("cannot read PDF %s", name), fmt.Errorf("%v", r))
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, types.NewError(types.ErrDecode, fmt.Sprintf("cannot read PDF %s", name), err)
	}

	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		docs = append(docs, types.Document{
			Content: pageText(p),
			Source:  name,
			Page:    types.IntPtr(i),
		})
	}
	return docs, nil
}

// pageText joins the positioned glyphs of a page, starting a new line
// whenever the baseline moves.
func pageText(p pdf.Page) string {
	var sb strings.Builder
	var lastY float64
	for i, t := range p.Content().Text {
		if i > 0 && t.Y != lastY {
			sb.WriteString("\n")
		}
		lastY = t.Y
		sb.WriteString(t.S)
	}
	return sb.String()
}

// Chunk splits documents into chunks that keep the source and page of the
// document they came from. Blank chunks are dropped.
func Chunk(docs []types.Document, split func(string) []string) []types.Chunk {
	var chunks []types.Chunk
	for _, d := range docs {
		for _, c := range split(d.Content) {
			if strings.TrimSpace(c) == "" {
				continue
			}
			chunks = append(chunks, types.Chunk{
				Content: c,
				Source:  d.Source,
				Page:    d.Page,
			})
		}
	}
	return chunks
}
