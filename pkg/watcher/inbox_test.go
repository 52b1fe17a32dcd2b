package watcher_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	. "github.com/mudler/ragchat/pkg/watcher"
	"github.com/mudler/ragchat/rag/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ParseDrop", func() {
	It("should map the directory layout to a user and backend", func() {
		d, err := ParseDrop("/inbox", "/inbox/user_12/google/report.pdf")
		Expect(err).ToNot(HaveOccurred())
		Expect(d).To(Equal(Drop{UserID: 12, Backend: types.Google, Path: "/inbox/user_12/google/report.pdf"}))
	})

	It("should reject paths outside the layout", func() {
		for _, p := range []string{
			"/inbox/report.pdf",
			"/inbox/user_12/report.pdf",
			"/inbox/bob/openai/report.pdf",
			"/inbox/user_12/cohere/report.pdf",
			"/inbox/user_12/openai/.report.pdf.swp",
			"/inbox/user_12/openai/sub/report.pdf",
		} {
			_, err := ParseDrop("/inbox", p)
			Expect(err).To(HaveOccurred(), p)
		}
	})
})

var _ = Describe("Inbox", func() {
	var (
		root   string
		mu     sync.Mutex
		drops  []Drop
		fail   bool
		cancel context.CancelFunc
		inbox  *Inbox
	)

	handled := func() []Drop {
		mu.Lock()
		defer mu.Unlock()
		return append([]Drop(nil), drops...)
	}

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		drops = nil
		fail = false
	})

	start := func() {
		var err error
		inbox, err = NewInbox(root, func(ctx context.Context, d Drop) error {
			mu.Lock()
			defer mu.Unlock()
			drops = append(drops, d)
			if fail {
				return errors.New("ingest failed")
			}
			return nil
		})
		Expect(err).ToNot(HaveOccurred())
		inbox.Settle = 50 * time.Millisecond

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		Expect(inbox.Start(ctx)).To(Succeed())
		DeferCleanup(func() {
			cancel()
			inbox.Wait()
		})
	}

	It("should ingest files already waiting and remove them", func() {
		dir := filepath.Join(root, "user_3", "openai")
		Expect(os.MkdirAll(dir, 0755)).To(Succeed())
		file := filepath.Join(dir, "notes.md")
		Expect(os.WriteFile(file, []byte("hello"), 0644)).To(Succeed())

		start()

		Eventually(handled).Should(ConsistOf(Drop{UserID: 3, Backend: types.OpenAI, Path: file}))
		Eventually(func() bool {
			_, err := os.Stat(file)
			return os.IsNotExist(err)
		}).Should(BeTrue())
	})

	It("should pick up files dropped into new directories", func() {
		start()

		dir := filepath.Join(root, "user_9", "ollama")
		Expect(os.MkdirAll(dir, 0755)).To(Succeed())
		file := filepath.Join(dir, "guide.txt")
		Expect(os.WriteFile(file, []byte("content"), 0644)).To(Succeed())

		Eventually(handled).Should(ContainElement(Drop{UserID: 9, Backend: types.Ollama, Path: file}))
		Eventually(func() bool {
			_, err := os.Stat(file)
			return os.IsNotExist(err)
		}).Should(BeTrue())
	})

	It("should leave a file in place when ingestion fails", func() {
		fail = true
		dir := filepath.Join(root, "user_1", "google")
		Expect(os.MkdirAll(dir, 0755)).To(Succeed())
		file := filepath.Join(dir, "broken.pdf")
		Expect(os.WriteFile(file, []byte("%PDF-"), 0644)).To(Succeed())

		start()

		Eventually(handled).Should(HaveLen(1))
		Consistently(func() error {
			_, err := os.Stat(file)
			return err
		}, 200*time.Millisecond).Should(Succeed())
	})
})
