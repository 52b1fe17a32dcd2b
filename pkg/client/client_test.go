package client_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/mudler/ragchat/pkg/client"
	"github.com/mudler/ragchat/rag/types"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const stream = `event: sources
data: {"sources":[{"source":"a.pdf","page":2},{"source":"b.md","page":null}]}

: keep-alive

event: start
data: {"ok":true,"chat_id":7}

event: token
data: {"token":"Hel"}

event: token
data: {"token":"lo"}

event: done
data: {"ok":true,"chat_id":7}

`

var _ = Describe("ReadEvents", func() {
	It("should decode every event in order", func() {
		var events []Event
		err := ReadEvents(strings.NewReader(stream), func(e Event) error {
			events = append(events, e)
			return nil
		})
		Expect(err).ToNot(HaveOccurred())

		var names []string
		for _, e := range events {
			names = append(names, e.Name)
		}
		Expect(names).To(Equal([]string{"sources", "start", "token", "token", "done"}))
		Expect(events[0].Sources).To(Equal([]types.SourceRef{
			{Source: "a.pdf", Page: types.IntPtr(2)},
			{Source: "b.md"},
		}))
		Expect(events[1].ChatID).To(Equal(int64(7)))
		Expect(events[2].Token + events[3].Token).To(Equal("Hello"))
	})

	It("should flush a final event without a trailing blank line", func() {
		var got []Event
		err := ReadEvents(strings.NewReader("event: error\ndata: {\"error\":\"boom\"}"), func(e Event) error {
			got = append(got, e)
			return nil
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(HaveLen(1))
		Expect(got[0].Error).To(Equal("boom"))
	})

	It("should stop when the callback fails", func() {
		stop := errors.New("enough")
		calls := 0
		err := ReadEvents(strings.NewReader(stream), func(e Event) error {
			calls++
			return stop
		})
		Expect(err).To(MatchError(stop))
		Expect(calls).To(Equal(1))
	})
})

var _ = Describe("Client", func() {
	var (
		server *httptest.Server
		auth   string
	)

	BeforeEach(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/rag/search", func(w http.ResponseWriter, r *http.Request) {
			auth = r.Header.Get("Authorization")
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"hits":[{"id":"x","content":"c","source":"s.md","page":null,"backend":"google","score":0.2}]}`)
		})
		mux.HandleFunc("/api/chats", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"Invalid or expired token"}`)
		})
		mux.HandleFunc("/api/chat/stream", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, stream)
		})
		server = httptest.NewServer(mux)
		DeferCleanup(server.Close)
	})

	It("should send the bearer token and decode hits", func() {
		c := NewClient(server.URL+"/", "secret-token")
		hits, err := c.Search(context.Background(), "query")
		Expect(err).ToNot(HaveOccurred())
		Expect(auth).To(Equal("Bearer secret-token"))
		Expect(hits).To(HaveLen(1))
		Expect(hits[0].Backend).To(Equal(types.Google))
		Expect(hits[0].Score).To(BeNumerically("~", 0.2))
	})

	It("should surface API errors", func() {
		c := NewClient(server.URL, "bad")
		_, err := c.ListChats(context.Background())
		var apiErr *APIError
		Expect(errors.As(err, &apiErr)).To(BeTrue())
		Expect(apiErr.Status).To(Equal(http.StatusUnauthorized))
		Expect(apiErr.Message).To(Equal("Invalid or expired token"))
	})

	It("should stream chat events", func() {
		c := NewClient(server.URL, "t")
		var answer strings.Builder
		err := c.Stream(context.Background(), ChatRequest{Message: "hi"}, func(e Event) error {
			if e.Name == "token" {
				answer.WriteString(e.Token)
			}
			return nil
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(answer.String()).To(Equal("Hello"))
	})
})
