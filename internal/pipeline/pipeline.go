package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/antoniostano/merlin/internal/gateway"
	"github.com/antoniostano/merlin/internal/mr"
	"github.com/antoniostano/merlin/internal/observability"
	"github.com/antoniostano/merlin/internal/store"
)

var (
	// ErrBusy rejects a submit while another run is in flight. Submissions
	// are never queued; the caller retries once the pipeline is idle.
	ErrBusy = errors.New("a submission is already in flight")

	ErrEmptyInput = errors.New("empty input")

	ErrMalformedImport = errors.New("invalid file format, expected an array of metamorphic relations")
)

// Fixed model-role replies appended by the pipeline itself.
const (
	ackReply     = "I've identified the following metamorphic relation and generated a test driver. Please review."
	clarifyReply = "I couldn't identify a new metamorphic relation based on your request. Could you please provide more details?"
)

const (
	specificationBlock = "\n\nPlease identify the metamorphic relation of the program under test. Its specification is shown as follows:\n"
	demoBlock          = "\n\nPlease identify the metamorphic relation of the program as much as possible and codify them. Note that you should just output the code block. Here are some examples:\n"
)

// Settings are the per-run model parameters. They are captured once at the
// top of each submit so a run stays deterministic even if a setter races it.
type Settings struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	Language     string `json:"language"`
}

// Event is pushed to subscribers whenever the transcript or relation
// collection changes.
type Event struct {
	Type       string       `json:"type"`
	Turn       *mr.Turn     `json:"turn,omitempty"`
	Relation   *mr.Relation `json:"relation,omitempty"`
	RelationID string       `json:"relation_id,omitempty"`
	Error      string       `json:"error,omitempty"`
}

const (
	EventTurnAppended      = "turn_appended"
	EventRelationAdded     = "relation_added"
	EventRelationUpdated   = "relation_updated"
	EventRelationDeleted   = "relation_deleted"
	EventRelationsReplaced = "relations_replaced"
	EventTranscriptCleared = "transcript_cleared"
	EventRelationsCleared  = "relations_cleared"
	EventPipelineError     = "pipeline_error"
)

// Pipeline orchestrates one user turn into at most one new relation:
// transcript append, prompt augmentation, extraction, conditional driver
// generation, record mutation and error surfacing.
type Pipeline struct {
	mu       sync.Mutex
	busy     bool
	client   gateway.Client
	settings Settings
	specFile *mr.ContextFile
	demoFile *mr.ContextFile
	lastErr  string

	transcript store.TranscriptStore
	relations  store.RelationStore
	metrics    *observability.Metrics

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

func New(transcript store.TranscriptStore, relations store.RelationStore, client gateway.Client, settings Settings, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		client:     client,
		settings:   settings,
		transcript: transcript,
		relations:  relations,
		metrics:    metrics,
		subs:       make(map[chan Event]struct{}),
	}
}

// Submit runs the full conversation pipeline for one user input. Exactly one
// relation may result; concurrent submits are rejected with ErrBusy and
// leave both stores untouched.
func (p *Pipeline) Submit(ctx context.Context, input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return ErrEmptyInput
	}

	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		p.metrics.Submissions.WithLabelValues("rejected_busy").Inc()
		return ErrBusy
	}
	p.busy = true
	client := p.client
	settings := p.settings
	systemPrompt := p.effectiveSystemPromptLocked()
	p.lastErr = ""
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.busy = false
		p.mu.Unlock()
	}()

	// The user turn stays in the transcript even when the run fails below:
	// the transcript always reflects what was asked.
	p.appendTurn(ctx, mr.NewTurn(mr.RoleUser, input))

	transcript, err := p.transcript.All(ctx)
	if err != nil {
		return p.fail(ctx, "extraction_error", fmt.Errorf("%w: %v", gateway.ErrExtraction, err))
	}

	start := time.Now()
	description, found, err := client.ExtractRelation(ctx, settings.Model, systemPrompt, transcript)
	p.metrics.ObserveModelCall("extract", time.Since(start))
	if err != nil {
		return p.fail(ctx, "extraction_error", err)
	}
	if !found {
		p.appendTurn(ctx, mr.NewTurn(mr.RoleModel, clarifyReply))
		p.metrics.Submissions.WithLabelValues("no_relation").Inc()
		return nil
	}

	start = time.Now()
	driver, err := client.GenerateDriver(ctx, settings.Model, description, settings.Language)
	p.metrics.ObserveModelCall("generate", time.Since(start))
	if err != nil {
		// The description is known at this point but a relation with empty
		// driver text would be a fabrication; report and append nothing.
		return p.fail(ctx, "generation_error", err)
	}

	rel := mr.Relation{
		ID:          mr.NewRelationID(),
		Description: description,
		Driver:      driver,
		Status:      mr.StatusDecideLater,
		Language:    settings.Language,
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.relations.Append(ctx, rel); err != nil {
		log.Error().Err(err).Str("relation_id", rel.ID).Msg("relation append failed")
	}
	p.metrics.RelationsCreated.Inc()
	p.publish(Event{Type: EventRelationAdded, Relation: &rel})

	p.appendTurn(ctx, mr.NewTurn(mr.RoleModel, ackReply))
	p.metrics.Submissions.WithLabelValues("relation").Inc()
	return nil
}

// fail records the visible error state and appends the error-role turn.
func (p *Pipeline) fail(ctx context.Context, outcome string, err error) error {
	msg := err.Error()
	p.mu.Lock()
	p.lastErr = "Failed to process your request: " + msg
	p.mu.Unlock()

	p.appendTurn(ctx, mr.NewTurn(mr.RoleModel, "Sorry, I encountered an error: "+msg))
	p.publish(Event{Type: EventPipelineError, Error: msg})
	p.metrics.Submissions.WithLabelValues(outcome).Inc()
	return err
}

func (p *Pipeline) appendTurn(ctx context.Context, turn mr.Turn) {
	if err := p.transcript.Append(ctx, turn); err != nil {
		log.Error().Err(err).Str("turn_id", turn.ID).Msg("transcript append failed")
	}
	p.publish(Event{Type: EventTurnAppended, Turn: &turn})
}

// effectiveSystemPromptLocked concatenates the configured prompt with the
// instruction blocks for any attached context files. Callers hold p.mu.
func (p *Pipeline) effectiveSystemPromptLocked() string {
	prompt := p.settings.SystemPrompt
	if p.specFile != nil {
		prompt += specificationBlock + p.specFile.Content
	}
	if p.demoFile != nil {
		prompt += demoBlock + p.demoFile.Content
	}
	return prompt
}

func (p *Pipeline) UpdateStatus(ctx context.Context, id string, status mr.Status) error {
	if err := p.relations.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	p.metrics.RelationStatusUpdates.WithLabelValues(string(status)).Inc()
	p.publish(Event{Type: EventRelationUpdated, RelationID: id})
	return nil
}

func (p *Pipeline) DeleteRelation(ctx context.Context, id string) error {
	if err := p.relations.Delete(ctx, id); err != nil {
		return err
	}
	p.publish(Event{Type: EventRelationDeleted, RelationID: id})
	return nil
}

func (p *Pipeline) ClearTranscript(ctx context.Context) error {
	if err := p.transcript.ClearAll(ctx); err != nil {
		return err
	}
	p.publish(Event{Type: EventTranscriptCleared})
	return nil
}

func (p *Pipeline) ClearRelations(ctx context.Context) error {
	if err := p.relations.ClearAll(ctx); err != nil {
		return err
	}
	p.publish(Event{Type: EventRelationsCleared})
	return nil
}

// ImportRelations replaces the whole collection with the parsed payload.
// Validation is a sniff test, not a schema walk: the payload must be an
// array and, when non-empty, its first element must carry id and
// description keys. On failure the existing collection is left untouched.
func (p *Pipeline) ImportRelations(ctx context.Context, raw []byte) error {
	// json.Unmarshal accepts null into a slice; only an actual array may
	// replace the collection.
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return ErrMalformedImport
	}

	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedImport, err)
	}
	if len(items) > 0 {
		if _, ok := items[0]["id"]; !ok {
			return ErrMalformedImport
		}
		if _, ok := items[0]["description"]; !ok {
			return ErrMalformedImport
		}
	}

	var rels []mr.Relation
	if err := json.Unmarshal(raw, &rels); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedImport, err)
	}
	if err := p.relations.ReplaceAll(ctx, rels); err != nil {
		return err
	}
	p.publish(Event{Type: EventRelationsReplaced})
	return nil
}

// ExportRelations returns the full collection; always an array, never nil.
func (p *Pipeline) ExportRelations(ctx context.Context) ([]mr.Relation, error) {
	rels, err := p.relations.All(ctx)
	if err != nil {
		return nil, err
	}
	if rels == nil {
		rels = []mr.Relation{}
	}
	return rels, nil
}

func (p *Pipeline) Transcript(ctx context.Context) ([]mr.Turn, error) {
	turns, err := p.transcript.All(ctx)
	if err != nil {
		return nil, err
	}
	if turns == nil {
		turns = []mr.Turn{}
	}
	return turns, nil
}

func (p *Pipeline) Relations(ctx context.Context) ([]mr.Relation, error) {
	return p.ExportRelations(ctx)
}

// SetSpecificationFile replaces or clears the specification attachment. An
// attachment that fails text validation clears the slot rather than leaving
// it half set.
func (p *Pipeline) SetSpecificationFile(f *mr.ContextFile) error {
	return p.setAttachment(&p.specFile, f)
}

// SetDemoFile replaces or clears the demo attachment.
func (p *Pipeline) SetDemoFile(f *mr.ContextFile) error {
	return p.setAttachment(&p.demoFile, f)
}

func (p *Pipeline) setAttachment(slot **mr.ContextFile, f *mr.ContextFile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f == nil {
		*slot = nil
		return nil
	}
	if err := mr.ValidateContextFile(*f); err != nil {
		*slot = nil
		return err
	}
	clone := *f
	*slot = &clone
	return nil
}

// Attachments reports the current attachment slots.
func (p *Pipeline) Attachments() (spec, demo *mr.ContextFile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.specFile, p.demoFile
}

func (p *Pipeline) SetModel(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings.Model = model
}

func (p *Pipeline) SetSystemPrompt(prompt string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings.SystemPrompt = prompt
}

func (p *Pipeline) SetLanguage(language string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings.Language = language
}

func (p *Pipeline) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// ConfigureGateway builds a fresh client and swaps the reference. Runs
// already in flight keep the instance they captured at submit time.
func (p *Pipeline) ConfigureGateway(cfg gateway.Config) error {
	client, err := gateway.NewClient(cfg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Err returns the last visible pipeline error, empty when the last run
// succeeded or none ran yet.
func (p *Pipeline) Err() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Pipeline) ClearErr() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = ""
}

// Subscribe registers an event channel. Slow subscribers drop events rather
// than blocking the pipeline.
func (p *Pipeline) Subscribe() chan Event {
	ch := make(chan Event, 64)
	p.subMu.Lock()
	p.subs[ch] = struct{}{}
	p.subMu.Unlock()
	return ch
}

func (p *Pipeline) Unsubscribe(ch chan Event) {
	p.subMu.Lock()
	if _, ok := p.subs[ch]; ok {
		delete(p.subs, ch)
		close(ch)
	}
	p.subMu.Unlock()
}

func (p *Pipeline) publish(evt Event) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for ch := range p.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
