package rag_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/mudler/ragchat/rag"
	"github.com/mudler/ragchat/rag/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type webPage struct {
	mu     sync.Mutex
	body   string
	status int
}

func (p *webPage) set(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status, p.body = status, body
}

func (p *webPage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(p.status)
	w.Write([]byte(p.body))
}

var _ = Describe("SourceManager", func() {
	var (
		f   *fixture
		pg  *webPage
		srv *httptest.Server
		sm  *SourceManager
	)

	BeforeEach(func() {
		f = newFixture()
		pg = &webPage{}
		pg.set(http.StatusOK, "<html><body><p>llamas graze in the andes</p></body></html>")
		srv = httptest.NewServer(pg)
		DeferCleanup(srv.Close)
		sm = NewSourceManager(f.pipeline, f.records)
	})

	It("should refuse intervals below the minimum", func() {
		_, _, err := sm.AddSource(f.ctx, 1, types.Ollama, srv.URL+"/animals", 10*time.Second)
		Expect(err).To(MatchError(types.ErrValidation))

		files, err := f.records.ListFiles(f.ctx, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(files).To(BeEmpty())
	})

	It("should ingest the page and refresh it once due", func() {
		src, file, err := sm.AddSource(f.ctx, 1, types.Ollama, srv.URL+"/animals", time.Hour)
		Expect(err).ToNot(HaveOccurred())
		Expect(src.FileID).To(Equal(file.ID))
		Expect(f.contents(1, types.Ollama)).To(ContainElement(ContainSubstring("llamas graze")))

		n, err := sm.RefreshDue(f.ctx, time.Now())
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(0))

		pg.set(http.StatusOK, "<html><body><p>alpacas sleep in the barn</p></body></html>")
		n, err = sm.RefreshDue(f.ctx, time.Now().Add(2*time.Hour))
		Expect(err).ToNot(HaveOccurred())
		Expect(n).To(Equal(1))

		contents := f.contents(1, types.Ollama)
		Expect(contents).To(ContainElement(ContainSubstring("alpacas sleep")))
		Expect(contents).ToNot(ContainElement(ContainSubstring("llamas graze")))

		stored, err := f.records.GetFile(f.ctx, 1, file.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stored.Size).To(BeNumerically(">", 0))

		sources, err := sm.ListSources(f.ctx, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(sources).To(HaveLen(1))
		Expect(sources[0].LastUpdate.After(src.LastUpdate)).To(BeTrue())
	})

	It("should keep the indexed text when the page breaks", func() {
		src, _, err := sm.AddSource(f.ctx, 1, types.Ollama, srv.URL+"/animals", time.Hour)
		Expect(err).ToNot(HaveOccurred())

		pg.set(http.StatusInternalServerError, "boom")
		Expect(sm.Refresh(f.ctx, src)).To(MatchError(types.ErrIngest))
		Expect(f.contents(1, types.Ollama)).To(ContainElement(ContainSubstring("llamas graze")))
	})

	It("should report an unchanged page without reindexing", func() {
		_, file, err := sm.AddSource(f.ctx, 1, types.Ollama, srv.URL+"/animals", time.Hour)
		Expect(err).ToNot(HaveOccurred())

		changed, err := f.pipeline.RefreshURL(f.ctx, 1, file.ID, srv.URL+"/animals")
		Expect(err).ToNot(HaveOccurred())
		Expect(changed).To(BeFalse())
	})

	It("should drop the source with its file", func() {
		src, _, err := sm.AddSource(f.ctx, 1, types.Ollama, srv.URL+"/animals", time.Hour)
		Expect(err).ToNot(HaveOccurred())

		_, err = sm.RemoveSource(f.ctx, 2, src.ID)
		Expect(err).To(MatchError(types.ErrNotFound))

		stats, err := sm.RemoveSource(f.ctx, 1, src.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stats.Files).To(Equal(0))
		Expect(f.contents(1, types.Ollama)).To(BeEmpty())

		sources, err := sm.ListSources(f.ctx, 1)
		Expect(err).ToNot(HaveOccurred())
		Expect(sources).To(BeEmpty())
	})
})
