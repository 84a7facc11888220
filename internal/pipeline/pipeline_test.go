package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/antoniostano/merlin/internal/gateway"
	"github.com/antoniostano/merlin/internal/mr"
	"github.com/antoniostano/merlin/internal/observability"
	"github.com/antoniostano/merlin/internal/store"
)

var metricsSeq atomic.Int64

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_pipeline_%d", metricsSeq.Add(1)))
}

type stubClient struct {
	extract  func(ctx context.Context, model, systemPrompt string, transcript []mr.Turn) (string, bool, error)
	generate func(ctx context.Context, model, description, language string) (string, error)
}

func (c *stubClient) ExtractRelation(ctx context.Context, model, systemPrompt string, transcript []mr.Turn) (string, bool, error) {
	return c.extract(ctx, model, systemPrompt, transcript)
}

func (c *stubClient) GenerateDriver(ctx context.Context, model, description, language string) (string, error) {
	return c.generate(ctx, model, description, language)
}

func newTestPipeline(client gateway.Client) (*Pipeline, store.TranscriptStore, store.RelationStore) {
	transcript := store.NewInMemoryTranscriptStore()
	relations := store.NewInMemoryRelationStore()
	p := New(transcript, relations, client, Settings{
		Model:        "test-model",
		SystemPrompt: "You are MERLIN.",
		Language:     "Python",
	}, newTestMetrics())
	return p, transcript, relations
}

func TestSubmitProducesOneRelation(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{
		extract: func(_ context.Context, _, _ string, transcript []mr.Turn) (string, bool, error) {
			if len(transcript) != 1 {
				t.Fatalf("transcript length = %d, want 1", len(transcript))
			}
			if transcript[0].Role != mr.RoleUser || transcript[0].Content != "test a sort function" {
				t.Fatalf("unexpected user turn: %+v", transcript[0])
			}
			return "reversing input order should not change sorted output", true, nil
		},
		generate: func(_ context.Context, _, description, language string) (string, error) {
			if description != "reversing input order should not change sorted output" {
				t.Fatalf("generate description = %q", description)
			}
			if language != "Python" {
				t.Fatalf("generate language = %q, want Python", language)
			}
			return "def test():\n  pass", nil
		},
	}
	p, transcriptStore, relationStore := newTestPipeline(client)

	if err := p.Submit(ctx, "test a sort function"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	rels, _ := relationStore.All(ctx)
	if len(rels) != 1 {
		t.Fatalf("relations = %d, want 1", len(rels))
	}
	rel := rels[0]
	if rel.Description != "reversing input order should not change sorted output" {
		t.Fatalf("description = %q", rel.Description)
	}
	if rel.Driver != "def test():\n  pass" {
		t.Fatalf("driver = %q", rel.Driver)
	}
	if rel.Status != mr.StatusDecideLater {
		t.Fatalf("status = %q, want %q", rel.Status, mr.StatusDecideLater)
	}
	if rel.Language != "Python" {
		t.Fatalf("language = %q, want Python", rel.Language)
	}
	if rel.ID == "" {
		t.Fatalf("relation id is empty")
	}

	turns, _ := transcriptStore.All(ctx)
	if len(turns) != 2 {
		t.Fatalf("transcript turns = %d, want 2", len(turns))
	}
	if turns[1].Role != mr.RoleModel || turns[1].Content != ackReply {
		t.Fatalf("acknowledgement turn = %+v", turns[1])
	}
	if p.Err() != "" {
		t.Fatalf("Err() = %q, want empty", p.Err())
	}
}

func TestSubmitNoRelationFound(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{
		extract: func(context.Context, string, string, []mr.Turn) (string, bool, error) {
			return "", false, nil
		},
		generate: func(context.Context, string, string, string) (string, error) {
			t.Fatal("generate must not be called when extraction finds nothing")
			return "", nil
		},
	}
	p, transcriptStore, relationStore := newTestPipeline(client)

	if err := p.Submit(ctx, "hello"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	rels, _ := relationStore.All(ctx)
	if len(rels) != 0 {
		t.Fatalf("relations = %d, want 0", len(rels))
	}
	turns, _ := transcriptStore.All(ctx)
	if len(turns) != 2 {
		t.Fatalf("transcript turns = %d, want 2", len(turns))
	}
	if turns[1].Content != clarifyReply {
		t.Fatalf("clarification turn = %q, want %q", turns[1].Content, clarifyReply)
	}
	if p.Err() != "" {
		t.Fatalf("Err() = %q, want empty (no-relation is not a failure)", p.Err())
	}
}

func TestSubmitExtractionFailure(t *testing.T) {
	ctx := context.Background()
	extractErr := fmt.Errorf("%w: invalid JSON body", gateway.ErrExtraction)
	client := &stubClient{
		extract: func(context.Context, string, string, []mr.Turn) (string, bool, error) {
			return "", false, extractErr
		},
		generate: func(context.Context, string, string, string) (string, error) {
			t.Fatal("generate must not run after extraction failure")
			return "", nil
		},
	}
	p, transcriptStore, relationStore := newTestPipeline(client)

	err := p.Submit(ctx, "test a sort function")
	if !errors.Is(err, gateway.ErrExtraction) {
		t.Fatalf("Submit() error = %v, want ErrExtraction", err)
	}

	rels, _ := relationStore.All(ctx)
	if len(rels) != 0 {
		t.Fatalf("relations = %d, want 0", len(rels))
	}
	turns, _ := transcriptStore.All(ctx)
	if len(turns) != 2 {
		t.Fatalf("transcript turns = %d, want 2 (user turn is never rolled back)", len(turns))
	}
	if !strings.Contains(turns[1].Content, "invalid JSON body") {
		t.Fatalf("error turn = %q, want the failure reason in it", turns[1].Content)
	}
	if !strings.HasPrefix(p.Err(), "Failed to process your request:") {
		t.Fatalf("Err() = %q", p.Err())
	}
}

func TestSubmitGenerationFailure(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{
		extract: func(context.Context, string, string, []mr.Turn) (string, bool, error) {
			return "doubling input doubles output", true, nil
		},
		generate: func(context.Context, string, string, string) (string, error) {
			return "", fmt.Errorf("%w: driver key missing", gateway.ErrGeneration)
		},
	}
	p, _, relationStore := newTestPipeline(client)

	err := p.Submit(ctx, "test a scaler")
	if !errors.Is(err, gateway.ErrGeneration) {
		t.Fatalf("Submit() error = %v, want ErrGeneration", err)
	}

	// A known description must not turn into a relation with empty driver.
	rels, _ := relationStore.All(ctx)
	if len(rels) != 0 {
		t.Fatalf("relations = %d, want 0", len(rels))
	}
}

func TestSubmitRejectsEmptyInput(t *testing.T) {
	p, transcriptStore, _ := newTestPipeline(&stubClient{})
	for _, input := range []string{"", "   ", "\n\t"} {
		if err := p.Submit(context.Background(), input); !errors.Is(err, ErrEmptyInput) {
			t.Fatalf("Submit(%q) error = %v, want ErrEmptyInput", input, err)
		}
	}
	turns, _ := transcriptStore.All(context.Background())
	if len(turns) != 0 {
		t.Fatalf("transcript turns = %d, want 0", len(turns))
	}
}

func TestSubmitWhileBusyIsNoOp(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	entered := make(chan struct{})
	client := &stubClient{
		extract: func(context.Context, string, string, []mr.Turn) (string, bool, error) {
			close(entered)
			<-release
			return "", false, nil
		},
	}
	p, transcriptStore, relationStore := newTestPipeline(client)

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- p.Submit(ctx, "first")
	}()
	<-entered

	err := p.Submit(ctx, "second")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("second Submit() error = %v, want ErrBusy", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}

	turns, _ := transcriptStore.All(ctx)
	for _, turn := range turns {
		if turn.Content == "second" {
			t.Fatalf("rejected submission reached the transcript: %+v", turns)
		}
	}
	if len(turns) != 2 {
		t.Fatalf("transcript turns = %d, want 2", len(turns))
	}
	rels, _ := relationStore.All(ctx)
	if len(rels) != 0 {
		t.Fatalf("relations = %d, want 0", len(rels))
	}
}

func TestEffectiveSystemPromptAugmentation(t *testing.T) {
	ctx := context.Background()
	var captured string
	client := &stubClient{
		extract: func(_ context.Context, _, systemPrompt string, _ []mr.Turn) (string, bool, error) {
			captured = systemPrompt
			return "", false, nil
		},
	}
	p, _, _ := newTestPipeline(client)

	if err := p.SetSpecificationFile(&mr.ContextFile{Name: "spec.txt", Content: "sorts integers ascending"}); err != nil {
		t.Fatalf("SetSpecificationFile() error = %v", err)
	}
	if err := p.SetDemoFile(&mr.ContextFile{Name: "demo.py", Content: "def demo(): pass"}); err != nil {
		t.Fatalf("SetDemoFile() error = %v", err)
	}

	if err := p.Submit(ctx, "find relations"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if !strings.HasPrefix(captured, "You are MERLIN.") {
		t.Fatalf("system prompt = %q, want configured prompt first", captured)
	}
	if !strings.Contains(captured, "Its specification is shown as follows:\nsorts integers ascending") {
		t.Fatalf("system prompt missing specification block: %q", captured)
	}
	if !strings.Contains(captured, "Here are some examples:\ndef demo(): pass") {
		t.Fatalf("system prompt missing demo block: %q", captured)
	}
	if strings.Index(captured, "sorts integers ascending") > strings.Index(captured, "def demo(): pass") {
		t.Fatalf("specification block must precede demo block: %q", captured)
	}

	// Clearing the attachments removes the blocks again.
	if err := p.SetSpecificationFile(nil); err != nil {
		t.Fatalf("SetSpecificationFile(nil) error = %v", err)
	}
	if err := p.SetDemoFile(nil); err != nil {
		t.Fatalf("SetDemoFile(nil) error = %v", err)
	}
	if err := p.Submit(ctx, "again"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if captured != "You are MERLIN." {
		t.Fatalf("system prompt after clear = %q", captured)
	}
}

func TestAttachmentRejectsNonText(t *testing.T) {
	p, _, _ := newTestPipeline(&stubClient{})

	if err := p.SetSpecificationFile(&mr.ContextFile{Name: "ok.txt", Content: "fine"}); err != nil {
		t.Fatalf("SetSpecificationFile() error = %v", err)
	}
	err := p.SetSpecificationFile(&mr.ContextFile{Name: "bad.bin", Content: string([]byte{0xff, 0xfe, 0x00})})
	if !errors.Is(err, mr.ErrNotText) {
		t.Fatalf("SetSpecificationFile() error = %v, want ErrNotText", err)
	}

	// The slot is cleared, not left on the previous file.
	spec, _ := p.Attachments()
	if spec != nil {
		t.Fatalf("specification slot = %+v, want nil after failed set", spec)
	}
}

func TestUpdateStatusIdempotent(t *testing.T) {
	ctx := context.Background()
	p, _, relationStore := newTestPipeline(&stubClient{})
	seed := mr.Relation{ID: "mr_1", Description: "d", Driver: "x", Status: mr.StatusDecideLater, Language: "Python"}
	if err := relationStore.Append(ctx, seed); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if err := p.UpdateStatus(ctx, "mr_1", mr.StatusValid); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	once, _ := relationStore.All(ctx)
	if err := p.UpdateStatus(ctx, "mr_1", mr.StatusValid); err != nil {
		t.Fatalf("second UpdateStatus() error = %v", err)
	}
	twice, _ := relationStore.All(ctx)

	if len(once) != 1 || len(twice) != 1 || once[0] != twice[0] {
		t.Fatalf("store changed on repeated update: %+v vs %+v", once, twice)
	}
	if twice[0].Status != mr.StatusValid {
		t.Fatalf("status = %q, want %q", twice[0].Status, mr.StatusValid)
	}

	if err := p.UpdateStatus(ctx, "missing", mr.StatusValid); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("UpdateStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestImportExportRoundTrip(t *testing.T) {
	ctx := context.Background()
	p, _, relationStore := newTestPipeline(&stubClient{})
	seed := []mr.Relation{
		{ID: "mr_a", Description: "first", Driver: "da", Status: mr.StatusValid, Language: "Python"},
		{ID: "mr_b", Description: "second", Driver: "db", Status: mr.StatusInvalid, Language: "Go"},
		{ID: "mr_c", Description: "third", Driver: "dc", Status: mr.StatusDecideLater, Language: "Python"},
	}
	if err := relationStore.ReplaceAll(ctx, seed); err != nil {
		t.Fatalf("ReplaceAll() error = %v", err)
	}

	exported, err := p.ExportRelations(ctx)
	if err != nil {
		t.Fatalf("ExportRelations() error = %v", err)
	}
	raw, err := json.Marshal(exported)
	if err != nil {
		t.Fatalf("marshal export: %v", err)
	}

	if err := p.ClearRelations(ctx); err != nil {
		t.Fatalf("ClearRelations() error = %v", err)
	}
	if err := p.ImportRelations(ctx, raw); err != nil {
		t.Fatalf("ImportRelations() error = %v", err)
	}

	restored, _ := relationStore.All(ctx)
	if len(restored) != len(seed) {
		t.Fatalf("restored = %d relations, want %d", len(restored), len(seed))
	}
	for i := range seed {
		if restored[i].ID != seed[i].ID ||
			restored[i].Description != seed[i].Description ||
			restored[i].Driver != seed[i].Driver ||
			restored[i].Status != seed[i].Status ||
			restored[i].Language != seed[i].Language {
			t.Fatalf("restored[%d] = %+v, want %+v", i, restored[i], seed[i])
		}
	}
}

func TestImportMalformedLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	p, _, relationStore := newTestPipeline(&stubClient{})
	seed := mr.Relation{ID: "mr_keep", Description: "kept", Driver: "k", Status: mr.StatusValid, Language: "Python"}
	if err := relationStore.Append(ctx, seed); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	cases := []string{
		`{"id":"x","description":"y"}`,
		`[{"foo":1}]`,
		`[{"id":"x"}]`,
		`not json`,
		`null`,
		`"mr_a"`,
		``,
	}
	for _, raw := range cases {
		if err := p.ImportRelations(ctx, []byte(raw)); !errors.Is(err, ErrMalformedImport) {
			t.Fatalf("ImportRelations(%s) error = %v, want ErrMalformedImport", raw, err)
		}
		rels, _ := relationStore.All(ctx)
		if len(rels) != 1 || rels[0] != seed {
			t.Fatalf("store changed after malformed import %s: %+v", raw, rels)
		}
	}

	// An empty array is a valid import and clears the collection.
	if err := p.ImportRelations(ctx, []byte(`[]`)); err != nil {
		t.Fatalf("ImportRelations([]) error = %v", err)
	}
	rels, _ := relationStore.All(ctx)
	if len(rels) != 0 {
		t.Fatalf("relations after empty import = %d, want 0", len(rels))
	}
}

func TestConfigureGatewaySwapsClient(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{
		extract: func(context.Context, string, string, []mr.Turn) (string, bool, error) {
			t.Fatal("old client must not be used after reconfiguration")
			return "", false, nil
		},
	}
	p, _, relationStore := newTestPipeline(client)

	if err := p.ConfigureGateway(gateway.Config{Mode: "mock"}); err != nil {
		t.Fatalf("ConfigureGateway() error = %v", err)
	}
	if err := p.Submit(ctx, "sort a list of numbers"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	rels, _ := relationStore.All(ctx)
	if len(rels) != 1 {
		t.Fatalf("relations = %d, want 1 from the mock client", len(rels))
	}

	if err := p.ConfigureGateway(gateway.Config{Mode: "nope"}); err == nil {
		t.Fatal("ConfigureGateway(nope) error = nil, want error")
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	ctx := context.Background()
	client := &stubClient{
		extract: func(context.Context, string, string, []mr.Turn) (string, bool, error) {
			return "desc", true, nil
		},
		generate: func(context.Context, string, string, string) (string, error) {
			return "driver", nil
		},
	}
	p, _, _ := newTestPipeline(client)

	events := p.Subscribe()
	defer p.Unsubscribe(events)

	if err := p.Submit(ctx, "test something"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []string{EventTurnAppended, EventRelationAdded, EventTurnAppended}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}
