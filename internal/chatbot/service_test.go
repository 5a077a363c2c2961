package chatbot_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/firebase/genkit/go/genkit"
	"go.uber.org/goleak"

	"github.com/docsmith/docchat/internal/chatbot"
	"github.com/docsmith/docchat/internal/history"
	"github.com/docsmith/docchat/internal/index"
	"github.com/docsmith/docchat/internal/ingest"
	"github.com/docsmith/docchat/internal/pipeline"
	"github.com/docsmith/docchat/internal/testutil"
)

// harness wires a full service against in-memory storage and mock models.
type harness struct {
	svc   *chatbot.Service
	llm   *testutil.MockLLM
	store *history.Memory
	idx   *index.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	g := genkit.Init(context.Background())
	llm := testutil.NewMockLLM("I don't know.")
	llm.RegisterModel(g)
	embedder := testutil.NewMockEmbedder(16).RegisterEmbedder(g)

	logger := testutil.DiscardLogger()
	idx := index.NewMemory(embedder, logger)
	store := history.NewMemory()

	staging, err := ingest.NewStaging(t.TempDir())
	if err != nil {
		t.Fatalf("NewStaging: %v", err)
	}

	svc := chatbot.New(
		store,
		ingest.New(idx, ingest.NewSplitter(200, 40), logger),
		staging,
		pipeline.New(g, "mock/test-model", idx, logger),
		logger,
	)
	return &harness{svc: svc, llm: llm, store: store, idx: idx}
}

const nikeReport = `Annual report overview. Revenue grew steadily across all regions
during the fiscal year, with direct sales leading growth.

Nike has eight significant distribution centers in the United States.
Five are located in or near Memphis, Tennessee.

The board of directors approved continued investment in logistics
infrastructure and a quarterly dividend.`

func TestCreateSession_SeedsGreeting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session, err := h.svc.CreateSession(ctx, "alice", "report.txt", strings.NewReader(nikeReport))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.Owner != "alice" {
		t.Errorf("owner = %q", session.Owner)
	}
	if !strings.HasPrefix(session.ID, "alice_") {
		t.Errorf("session id = %q, want alice_ prefix", session.ID)
	}

	turns, err := h.svc.History(ctx, session.ID, "alice")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("fresh session has %d turns, want greeting pair", len(turns))
	}
	if turns[0].Text != "Hi" || turns[1].Text != "Hello! How can I assist you today?" {
		t.Errorf("greeting = %q / %q", turns[0].Text, turns[1].Text)
	}

	ok, err := h.idx.HasPartition(ctx, session.ID)
	if err != nil || !ok {
		t.Errorf("HasPartition = %v, %v; want true", ok, err)
	}
}

func TestCreateSession_UnsupportedUpload(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.CreateSession(context.Background(), "alice", "virus.exe", strings.NewReader("MZ"))
	if !errors.Is(err, ingest.ErrUnsupportedFormat) {
		t.Fatalf("CreateSession = %v, want ErrUnsupportedFormat", err)
	}
}

func TestAsk_AnswersFromDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.llm.AddResponse("distribution centers", "Nike has eight significant distribution centers in the United States.")

	session, err := h.svc.CreateSession(ctx, "alice", "report.txt", strings.NewReader(nikeReport))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	answer, err := h.svc.Ask(ctx, session.ID, "alice", "how many distribution centers does nike have in us")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !strings.Contains(answer, "eight") {
		t.Errorf("answer = %q", answer)
	}

	// Both turns landed after the greeting pair.
	turns, err := h.svc.History(ctx, session.ID, "alice")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("got %d turns, want 4", len(turns))
	}
	if turns[2].Role != history.RoleHuman || turns[3].Role != history.RoleAssistant {
		t.Errorf("turn roles = %s, %s", turns[2].Role, turns[3].Role)
	}
	if turns[3].Text != answer {
		t.Error("persisted answer differs from returned answer")
	}

	// The model saw the document context, not just the question.
	calls := h.llm.Calls()
	if len(calls) != 1 {
		t.Fatalf("model called %d times", len(calls))
	}
	if !strings.Contains(calls[0].System, "distribution centers") {
		t.Error("document context missing from system instruction")
	}
}

func TestAsk_WithoutIngestionFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Session exists but no document was ever ingested for it.
	if _, err := h.store.CreateSession(ctx, "bare-session", "alice"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	_, err := h.svc.Ask(ctx, "bare-session", "alice", "anything")
	if !errors.Is(err, index.ErrPartitionNotFound) {
		t.Fatalf("Ask = %v, want ErrPartitionNotFound", err)
	}

	// The failed question must not appear in the transcript.
	turns, err := h.store.Turns(ctx, "bare-session")
	if err != nil {
		t.Fatalf("Turns: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("failed turn persisted %d turns", len(turns))
	}
}

func TestAsk_FailedGenerationPersistsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session, err := h.svc.CreateSession(ctx, "alice", "report.txt", strings.NewReader(nikeReport))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	h.llm.SetError(errors.New("backend down"))
	if _, err := h.svc.Ask(ctx, session.ID, "alice", "doomed question"); !errors.Is(err, pipeline.ErrGeneration) {
		t.Fatalf("Ask = %v, want ErrGeneration", err)
	}

	turns, _ := h.svc.History(ctx, session.ID, "alice")
	if len(turns) != 2 {
		t.Fatalf("transcript has %d turns after failure, want greeting only", len(turns))
	}

	// The next turn proceeds as if the failed one never happened.
	h.llm.SetError(nil)
	h.llm.AddResponse("revenue", "Revenue grew steadily.")
	if _, err := h.svc.Ask(ctx, session.ID, "alice", "what about revenue"); err != nil {
		t.Fatalf("Ask after recovery: %v", err)
	}
	turns, _ = h.svc.History(ctx, session.ID, "alice")
	if len(turns) != 4 {
		t.Errorf("got %d turns, want 4", len(turns))
	}
	for _, turn := range turns {
		if turn.Text == "doomed question" {
			t.Error("discarded question resurfaced in transcript")
		}
	}
}

func TestAsk_RateLimitSurfaces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session, err := h.svc.CreateSession(ctx, "alice", "report.txt", strings.NewReader(nikeReport))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	h.llm.SetError(errors.New("HTTP 429: Too Many Requests"))
	if _, err := h.svc.Ask(ctx, session.ID, "alice", "question"); !errors.Is(err, pipeline.ErrRateLimited) {
		t.Fatalf("Ask = %v, want ErrRateLimited", err)
	}
}

func TestAsk_OwnershipEnforced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	session, err := h.svc.CreateSession(ctx, "alice", "report.txt", strings.NewReader(nikeReport))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := h.svc.Ask(ctx, session.ID, "mallory", "question"); !errors.Is(err, chatbot.ErrNotOwner) {
		t.Fatalf("Ask = %v, want ErrNotOwner", err)
	}
	if _, err := h.svc.History(ctx, session.ID, "mallory"); !errors.Is(err, chatbot.ErrNotOwner) {
		t.Fatalf("History = %v, want ErrNotOwner", err)
	}
}

func TestSessions_AreIsolated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.llm.AddResponse("alpha", "answer about alpha")

	s1, err := h.svc.CreateSession(ctx, "alice", "alpha.txt", strings.NewReader("alpha document content, full of alpha facts"))
	if err != nil {
		t.Fatalf("CreateSession s1: %v", err)
	}
	s2, err := h.svc.CreateSession(ctx, "alice", "beta.txt", strings.NewReader("beta document content, full of beta facts"))
	if err != nil {
		t.Fatalf("CreateSession s2: %v", err)
	}
	if s1.ID == s2.ID {
		t.Fatal("two sessions share an id")
	}

	if _, err := h.svc.Ask(ctx, s1.ID, "alice", "tell me about alpha"); err != nil {
		t.Fatalf("Ask s1: %v", err)
	}

	// The second session still has only its greeting; the first session's
	// turn did not leak.
	turns, err := h.svc.History(ctx, s2.ID, "alice")
	if err != nil {
		t.Fatalf("History s2: %v", err)
	}
	if len(turns) != 2 {
		t.Errorf("s2 has %d turns, want 2", len(turns))
	}

	sessions, err := h.svc.ListSessions(ctx, "alice")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("listed %d sessions, want 2", len(sessions))
	}
}

func TestCreateSession_ConcurrentUploadsStayPartitioned(t *testing.T) {
	// genkit.Init spawns a process-lifetime os/signal.NotifyContext
	// goroutine that cannot be stopped; exclude it from the leak check.
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("os/signal.NotifyContext.func1"))

	h := newHarness(t)
	ctx := context.Background()

	// Two simultaneous uploads by the same owner derive the same
	// timestamped session id candidate. Each must end up with its own
	// session holding only its own document's chunks.
	docs := []struct{ name, body string }{
		{"alpha.txt", "alpha document content, full of alpha facts"},
		{"beta.txt", "beta document content, full of beta facts"},
	}

	type created struct {
		doc     string
		session *history.Session
	}
	results := make(chan created, len(docs))
	var wg sync.WaitGroup
	for _, doc := range docs {
		wg.Add(1)
		go func(name, body string) {
			defer wg.Done()
			session, err := h.svc.CreateSession(ctx, "alice", name, strings.NewReader(body))
			if err != nil {
				t.Errorf("CreateSession %s: %v", name, err)
				return
			}
			results <- created{doc: name, session: session}
		}(doc.name, doc.body)
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for c := range results {
		if seen[c.session.ID] {
			t.Fatalf("both uploads produced session %s", c.session.ID)
		}
		seen[c.session.ID] = true

		res, err := h.idx.Query(ctx, c.session.ID, "anything", 10)
		if err != nil {
			t.Fatalf("Query %s: %v", c.session.ID, err)
		}
		if len(res) == 0 {
			t.Fatalf("session %s has an empty partition", c.session.ID)
		}
		for _, r := range res {
			if !strings.HasSuffix(r.Chunk.DocumentID, "_"+c.doc) {
				t.Errorf("session %s (doc %s) holds chunk from %q",
					c.session.ID, c.doc, r.Chunk.DocumentID)
			}
		}
	}
	if len(seen) != len(docs) {
		t.Fatalf("got %d sessions, want %d", len(seen), len(docs))
	}
}

func TestAsk_ConcurrentTurnsSerialize(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("os/signal.NotifyContext.func1"))

	h := newHarness(t)
	ctx := context.Background()

	session, err := h.svc.CreateSession(ctx, "alice", "report.txt", strings.NewReader(nikeReport))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	const askers = 10
	var wg sync.WaitGroup
	for i := 0; i < askers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := h.svc.Ask(ctx, session.ID, "alice", fmt.Sprintf("question %d", n)); err != nil {
				t.Errorf("Ask %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	turns, err := h.svc.History(ctx, session.ID, "alice")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 2+askers*2 {
		t.Fatalf("got %d turns, want %d", len(turns), 2+askers*2)
	}
	// Serialized turns keep every question adjacent to its answer.
	for i := 0; i < len(turns); i += 2 {
		if turns[i].Role != history.RoleHuman || turns[i+1].Role != history.RoleAssistant {
			t.Fatalf("turn pair at %d interleaved: %s then %s", i, turns[i].Role, turns[i+1].Role)
		}
	}
}
