package store

import (
	"context"
	"strings"
)

// New picks the store backend: postgres when DATABASE_URL is configured,
// JSON file snapshots when a data dir is configured, in-memory otherwise.
func New(ctx context.Context, databaseURL, dataDir string) (TranscriptStore, RelationStore, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStores(ctx, databaseURL)
	}
	if strings.TrimSpace(dataDir) != "" {
		transcript, err := NewFileTranscriptStore(dataDir)
		if err != nil {
			return nil, nil, err
		}
		relations, err := NewFileRelationStore(dataDir)
		if err != nil {
			return nil, nil, err
		}
		return transcript, relations, nil
	}
	return NewInMemoryTranscriptStore(), NewInMemoryRelationStore(), nil
}
