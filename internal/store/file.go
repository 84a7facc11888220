package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/antoniostano/merlin/internal/mr"
)

const (
	transcriptSnapshotName = "transcript.json"
	relationSnapshotName   = "relations.json"
)

// FileTranscriptStore mirrors the transcript into a JSON snapshot file.
// Every mutation rewrites the whole collection; a corrupt or unreadable
// snapshot degrades to an empty transcript at load time instead of failing
// startup.
type FileTranscriptStore struct {
	mu    sync.RWMutex
	path  string
	turns []mr.Turn
}

func NewFileTranscriptStore(dir string) (*FileTranscriptStore, error) {
	path, err := snapshotPath(dir, transcriptSnapshotName)
	if err != nil {
		return nil, err
	}
	s := &FileTranscriptStore{path: path}
	loadSnapshot(path, &s.turns)
	return s, nil
}

func (s *FileTranscriptStore) Append(_ context.Context, turn mr.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	persistSnapshot(s.path, s.turns)
	return nil
}

func (s *FileTranscriptStore) ReplaceAll(_ context.Context, turns []mr.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append([]mr.Turn(nil), turns...)
	persistSnapshot(s.path, s.turns)
	return nil
}

func (s *FileTranscriptStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	persistSnapshot(s.path, []mr.Turn{})
	return nil
}

func (s *FileTranscriptStore) All(_ context.Context) ([]mr.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]mr.Turn(nil), s.turns...), nil
}

func (s *FileTranscriptStore) Close() error { return nil }

// FileRelationStore mirrors the relation collection into a JSON snapshot.
type FileRelationStore struct {
	mu   sync.RWMutex
	path string
	rels []mr.Relation
}

func NewFileRelationStore(dir string) (*FileRelationStore, error) {
	path, err := snapshotPath(dir, relationSnapshotName)
	if err != nil {
		return nil, err
	}
	s := &FileRelationStore{path: path}
	loadSnapshot(path, &s.rels)
	return s, nil
}

func (s *FileRelationStore) Append(_ context.Context, rel mr.Relation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rels = append(s.rels, rel)
	persistSnapshot(s.path, s.rels)
	return nil
}

func (s *FileRelationStore) UpdateStatus(_ context.Context, id string, status mr.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rels {
		if s.rels[i].ID == id {
			s.rels[i].Status = status
			persistSnapshot(s.path, s.rels)
			return nil
		}
	}
	return ErrNotFound
}

func (s *FileRelationStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rels {
		if s.rels[i].ID == id {
			s.rels = append(s.rels[:i], s.rels[i+1:]...)
			persistSnapshot(s.path, s.rels)
			return nil
		}
	}
	return ErrNotFound
}

func (s *FileRelationStore) ReplaceAll(_ context.Context, rels []mr.Relation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rels = append([]mr.Relation(nil), rels...)
	persistSnapshot(s.path, s.rels)
	return nil
}

func (s *FileRelationStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rels = nil
	persistSnapshot(s.path, []mr.Relation{})
	return nil
}

func (s *FileRelationStore) All(_ context.Context) ([]mr.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]mr.Relation(nil), s.rels...), nil
}

func (s *FileRelationStore) Close() error { return nil }

func snapshotPath(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return filepath.Join(dir, name), nil
}

// loadSnapshot fills out from a snapshot file. Read and parse failures are
// logged and leave out empty: a broken snapshot must never crash startup.
func loadSnapshot(path string, out any) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("snapshot read failed, starting empty")
		}
		return
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("snapshot parse failed, starting empty")
	}
}

// persistSnapshot overwrites the previous snapshot with the whole current
// collection via a temp file and rename, so a crash mid-write leaves the old
// snapshot intact. Write failures are logged, not propagated: the in-memory
// mutation already happened and persistence is best effort.
func persistSnapshot(path string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("snapshot marshal failed")
		return
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("snapshot temp file failed")
		return
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		log.Error().Err(err).Str("path", path).Msg("snapshot write failed")
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		log.Error().Err(err).Str("path", path).Msg("snapshot close failed")
		return
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		log.Error().Err(err).Str("path", path).Msg("snapshot rename failed")
	}
}
