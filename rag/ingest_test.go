package rag_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mudler/ragchat/pkg/chunk"
	. "github.com/mudler/ragchat/rag"
	"github.com/mudler/ragchat/rag/providers"
	"github.com/mudler/ragchat/rag/types"
	"github.com/mudler/ragchat/store"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fixture struct {
	ctx       context.Context
	dir       string
	records   *store.SQLite
	registry  *Registry
	mock      *providers.Mock
	pipeline  *Pipeline
	retriever *Retriever
}

func newFixture() *fixture {
	f := &fixture{ctx: context.Background(), dir: GinkgoT().TempDir(), mock: &providers.Mock{}}
	var err error
	f.records, err = store.NewSQLite(filepath.Join(f.dir, "records.db"))
	Expect(err).ToNot(HaveOccurred())
	DeferCleanup(f.records.Close)

	f.registry = NewRegistry(filepath.Join(f.dir, "vectors"))
	f.pipeline = NewPipeline(f.registry, f.records, f.mock, filepath.Join(f.dir, "uploads"), chunk.NewSplitter(900, 120))
	f.retriever = NewRetriever(f.registry, f.mock)
	return f
}

// contents returns every chunk of a collection as sorted "source|page|text" keys.
func (f *fixture) contents(userID int64, b types.Backend) []string {
	col, err := f.registry.Collection(userID, b)
	Expect(err).ToNot(HaveOccurred())
	n := col.Count()
	if n == 0 {
		return nil
	}
	emb, _ := f.mock.Embedder(f.ctx, userID, b)
	q, _ := emb.Embed(f.ctx, "anything")
	hits, err := col.Search(f.ctx, q, n)
	Expect(err).ToNot(HaveOccurred())
	var out []string
	for _, h := range hits {
		page := "-"
		if h.Page != nil {
			page = strconv.Itoa(*h.Page)
		}
		out = append(out, h.Source+"|"+page+"|"+h.Content)
	}
	sort.Strings(out)
	return out
}

var _ = Describe("Pipeline", func() {
	var f *fixture

	BeforeEach(func() {
		f = newFixture()
	})

	Describe("UploadAndIngest", func() {
		It("should ingest a three page PDF", func() {
			pdf := buildPDF("Alpha page about llamas", "Beta page about alpacas", "Gamma page about camels")
			res, err := f.pipeline.UploadAndIngest(f.ctx, 1, types.OpenAI, []Upload{BytesUpload("animals.pdf", pdf)})
			Expect(err).ToNot(HaveOccurred())
			Expect(res).To(HaveLen(1))
			Expect(res[0].Name).To(Equal("animals.pdf"))
			Expect(res[0].Chunks).To(Equal(3))

			files, err := f.records.ListFiles(f.ctx, 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(files).To(HaveLen(1))
			Expect(files[0].Backend).To(Equal(types.OpenAI))
			Expect(files[0].Size).To(Equal(int64(len(pdf))))
			Expect(files[0].Path).To(BeAnExistingFile())

			Expect(f.contents(1, types.OpenAI)).To(HaveLen(3))
			active, err := f.registry.ActiveBackends(1)
			Expect(err).ToNot(HaveOccurred())
			Expect(active).To(Equal([]types.Backend{types.OpenAI}))
		})

		It("should reject the whole batch when one file is too large", func() {
			f.pipeline.MaxBytes = 10
			_, err := f.pipeline.UploadAndIngest(f.ctx, 1, types.OpenAI, []Upload{
				BytesUpload("small.txt", []byte("tiny")),
				BytesUpload("big.txt", []byte(strings.Repeat("x", 11))),
			})
			Expect(err).To(MatchError(types.ErrValidation))
			Expect(err.Error()).To(ContainSubstring("big.txt"))

			files, err := f.records.ListFiles(f.ctx, 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(files).To(BeEmpty())
			Expect(filepath.Join(f.dir, "uploads")).ToNot(BeADirectory())
		})

		It("should reject the whole batch when one extension is not allowed", func() {
			_, err := f.pipeline.UploadAndIngest(f.ctx, 1, types.OpenAI, []Upload{
				BytesUpload("ok.md", []byte("fine")),
				BytesUpload("script.sh", []byte("echo")),
			})
			Expect(err).To(MatchError(types.ErrValidation))

			files, _ := f.records.ListFiles(f.ctx, 1)
			Expect(files).To(BeEmpty())
		})

		It("should reject uploads without a usable backend credential", func() {
			f.mock.Unavailable = map[types.Backend]bool{types.Google: true}
			_, err := f.pipeline.UploadAndIngest(f.ctx, 1, types.Google, []Upload{BytesUpload("a.txt", []byte("text"))})
			Expect(err).To(MatchError(types.ErrValidation))
			Expect(err).To(MatchError(types.ErrMissingCredential))

			files, _ := f.records.ListFiles(f.ctx, 1)
			Expect(files).To(BeEmpty())
		})

		It("should keep files ingested before a mid-batch failure", func() {
			res, err := f.pipeline.UploadAndIngest(f.ctx, 1, types.OpenAI, []Upload{
				BytesUpload("good.txt", []byte("good content")),
				BytesUpload("bad.txt", []byte{0xff, 0xfe, 0xfd}),
				BytesUpload("never.txt", []byte("never reached")),
			})
			Expect(err).To(MatchError(types.ErrIngest))
			Expect(res).To(HaveLen(1))
			Expect(res[0].Name).To(Equal("good.txt"))

			files, err := f.records.ListFiles(f.ctx, 1)
			Expect(err).ToNot(HaveOccurred())
			Expect(files).To(HaveLen(1))
			Expect(files[0].Name).To(Equal("good.txt"))

			stored, err := os.ReadDir(filepath.Join(f.dir, "uploads", "user_1"))
			Expect(err).ToNot(HaveOccurred())
			Expect(stored).To(HaveLen(1))
			Expect(f.contents(1, types.OpenAI)).To(Equal([]string{"good.txt|-|good content"}))
		})

		It("should not touch other users", func() {
			_, err := f.pipeline.UploadAndIngest(f.ctx, 1, types.OpenAI, []Upload{BytesUpload("a.txt", []byte("user one data"))})
			Expect(err).ToNot(HaveOccurred())

			files, err := f.records.ListFiles(f.ctx, 2)
			Expect(err).ToNot(HaveOccurred())
			Expect(files).To(BeEmpty())
			active, err := f.registry.ActiveBackends(2)
			Expect(err).ToNot(HaveOccurred())
			Expect(active).To(BeEmpty())
			Expect(f.contents(2, types.OpenAI)).To(BeEmpty())
		})
	})

	Describe("Reindex", func() {
		BeforeEach(func() {
			_, err := f.pipeline.UploadAndIngest(f.ctx, 1, types.Ollama, []Upload{
				BytesUpload("one.txt", []byte("first document text")),
				BytesUpload("two.pdf", buildPDF("page one", "page two")),
			})
			Expect(err).ToNot(HaveOccurred())
		})

		It("should be idempotent", func() {
			before := f.contents(1, types.Ollama)
			Expect(before).To(HaveLen(3))

			stats, err := f.pipeline.Reindex(f.ctx, 1, types.Ollama)
			Expect(err).ToNot(HaveOccurred())
			Expect(stats).To(Equal(ReindexStats{Backend: types.Ollama, Files: 2, Chunks: 3}))
			first := f.contents(1, types.Ollama)

			_, err = f.pipeline.Reindex(f.ctx, 1, types.Ollama)
			Expect(err).ToNot(HaveOccurred())
			Expect(f.contents(1, types.Ollama)).To(Equal(first))
			Expect(first).To(Equal(before))
		})

		It("should leave the old collection intact when embedding fails", func() {
			before := f.contents(1, types.Ollama)
			f.mock.FailEmbed = map[types.Backend]bool{types.Ollama: true}

			_, err := f.pipeline.Reindex(f.ctx, 1, types.Ollama)
			Expect(err).To(MatchError(types.ErrIngest))

			f.mock.FailEmbed = nil
			Expect(f.contents(1, types.Ollama)).To(Equal(before))
		})

		It("should leave an empty collection for a backend without files", func() {
			stats, err := f.pipeline.Reindex(f.ctx, 1, types.Google)
			Expect(err).ToNot(HaveOccurred())
			Expect(stats.Files).To(Equal(0))
			Expect(f.contents(1, types.Google)).To(BeEmpty())
		})
	})

	Describe("DeleteFile", func() {
		It("should reindex down to an empty collection", func() {
			res, err := f.pipeline.UploadAndIngest(f.ctx, 1, types.OpenAI, []Upload{
				BytesUpload("doc.pdf", buildPDF("one", "two", "three")),
			})
			Expect(err).ToNot(HaveOccurred())
			files, _ := f.records.ListFiles(f.ctx, 1)

			stats, err := f.pipeline.DeleteFile(f.ctx, 1, res[0].ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(stats).To(Equal(ReindexStats{Backend: types.OpenAI}))
			Expect(f.contents(1, types.OpenAI)).To(BeEmpty())
			Expect(files[0].Path).ToNot(BeAnExistingFile())

			active, err := f.registry.ActiveBackends(1)
			Expect(err).ToNot(HaveOccurred())
			Expect(active).To(BeEmpty())
		})

		It("should keep the chunks of the remaining files", func() {
			res, err := f.pipeline.UploadAndIngest(f.ctx, 1, types.OpenAI, []Upload{
				BytesUpload("keep.txt", []byte("keep me")),
				BytesUpload("drop.txt", []byte("drop me")),
			})
			Expect(err).ToNot(HaveOccurred())

			stats, err := f.pipeline.DeleteFile(f.ctx, 1, res[1].ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(stats.Files).To(Equal(1))
			Expect(f.contents(1, types.OpenAI)).To(Equal([]string{"keep.txt|-|keep me"}))
		})

		It("should not delete files of another user", func() {
			res, err := f.pipeline.UploadAndIngest(f.ctx, 1, types.OpenAI, []Upload{BytesUpload("a.txt", []byte("mine"))})
			Expect(err).ToNot(HaveOccurred())

			_, err = f.pipeline.DeleteFile(f.ctx, 2, res[0].ID)
			Expect(err).To(MatchError(types.ErrNotFound))
			Expect(f.contents(1, types.OpenAI)).To(HaveLen(1))
		})
	})

	Describe("ClearKnowledge", func() {
		It("should remove files, stored uploads and every collection", func() {
			_, err := f.pipeline.UploadAndIngest(f.ctx, 1, types.OpenAI, []Upload{BytesUpload("a.txt", []byte("alpha"))})
			Expect(err).ToNot(HaveOccurred())
			_, err = f.pipeline.UploadAndIngest(f.ctx, 1, types.Google, []Upload{BytesUpload("b.md", []byte("beta"))})
			Expect(err).ToNot(HaveOccurred())
			_, err = f.pipeline.UploadAndIngest(f.ctx, 2, types.Google, []Upload{BytesUpload("c.md", []byte("gamma"))})
			Expect(err).ToNot(HaveOccurred())

			Expect(f.pipeline.ClearKnowledge(f.ctx, 1)).To(Succeed())

			files, _ := f.records.ListFiles(f.ctx, 1)
			Expect(files).To(BeEmpty())
			Expect(filepath.Join(f.dir, "uploads", "user_1")).ToNot(BeADirectory())
			Expect(f.registry.Namespace(1)).To(BeADirectory())
			active, _ := f.registry.ActiveBackends(1)
			Expect(active).To(BeEmpty())

			other, _ := f.records.ListFiles(f.ctx, 2)
			Expect(other).To(HaveLen(1))
			Expect(f.contents(2, types.Google)).To(HaveLen(1))
		})
	})
})
