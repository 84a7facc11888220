package store

import (
	"context"
	"errors"

	"github.com/antoniostano/merlin/internal/mr"
)

var ErrNotFound = errors.New("relation not found")

// TranscriptStore persists the ordered chat transcript. Turns are only ever
// appended, replaced wholesale (import / load) or cleared.
type TranscriptStore interface {
	Append(ctx context.Context, turn mr.Turn) error
	ReplaceAll(ctx context.Context, turns []mr.Turn) error
	ClearAll(ctx context.Context) error
	All(ctx context.Context) ([]mr.Turn, error)
	Close() error
}

// RelationStore persists metamorphic relations in insertion order.
type RelationStore interface {
	Append(ctx context.Context, rel mr.Relation) error
	UpdateStatus(ctx context.Context, id string, status mr.Status) error
	Delete(ctx context.Context, id string) error
	ReplaceAll(ctx context.Context, rels []mr.Relation) error
	ClearAll(ctx context.Context) error
	All(ctx context.Context) ([]mr.Relation, error)
	Close() error
}
