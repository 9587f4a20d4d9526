package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/fsutil"
)

// envelopeVersion is the on-disk format of a JSON sequence file.
const envelopeVersion = 1

// stateEnvelope wraps a sequence with integrity metadata.
type stateEnvelope struct {
	Version   int             `json:"version"`
	Checksum  string          `json:"checksum"`
	UpdatedAt time.Time       `json:"updated_at"`
	State     json.RawMessage `json:"state"`
}

// JSONStore implements core.StateStore with one JSON file per sequence.
type JSONStore struct {
	dir string
	mu  sync.RWMutex
}

// NewJSONStore creates a store rooted at dir.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) path(sequenceID string) (string, error) {
	if sequenceID == "" || sequenceID == "." || sequenceID == ".." ||
		strings.ContainsAny(sequenceID, `/\`) {
		return "", core.ErrValidation(core.CodeInvalidMessage, fmt.Sprintf("invalid sequence id %q", sequenceID))
	}
	return filepath.Join(s.dir, sequenceID+".json"), nil
}

// Save implements core.StateStore.
func (s *JSONStore) Save(_ context.Context, state *core.ReActState) error {
	if state == nil {
		return core.ErrValidation(core.CodeInvalidMessage, "state is nil")
	}
	path, err := s.path(state.SequenceID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	env, err := json.Marshal(stateEnvelope{
		Version:   envelopeVersion,
		Checksum:  checksumOf(data),
		UpdatedAt: state.UpdatedAt,
		State:     data,
	})
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicWriteFile(path, env, 0o600); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// Load implements core.StateStore.
func (s *JSONStore) Load(_ context.Context, sequenceID string) (*core.ReActState, error) {
	path, err := s.path(sequenceID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return readEnvelope(path)
}

func readEnvelope(path string) (*core.ReActState, error) {
	raw, err := fsutil.ReadInDir(filepath.Dir(path), filepath.Base(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var env stateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", filepath.Base(path), err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("state file %s: unsupported version %d", filepath.Base(path), env.Version)
	}
	if checksumOf(env.State) != env.Checksum {
		return nil, fmt.Errorf("state file %s: %w", filepath.Base(path), ErrChecksumMismatch)
	}

	var state core.ReActState
	if err := json.Unmarshal(env.State, &state); err != nil {
		return nil, fmt.Errorf("unmarshaling state: %w", err)
	}
	return &state, nil
}

// List implements core.StateStore, newest first. Unreadable files are skipped.
func (s *JSONStore) List(_ context.Context, limit int) ([]core.SequenceSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing state directory: %w", err)
	}
	summaries := []core.SequenceSummary{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		state, err := readEnvelope(filepath.Join(s.dir, e.Name()))
		if err != nil || state == nil {
			continue
		}
		summaries = append(summaries, core.SequenceSummary{
			SequenceID: state.SequenceID,
			Status:     state.Status,
			UserPrompt: state.UserPrompt,
			UpdatedAt:  state.UpdatedAt,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// Delete implements core.StateStore. Deleting an unknown sequence is a no-op.
func (s *JSONStore) Delete(_ context.Context, sequenceID string) error {
	path, err := s.path(sequenceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting state file: %w", err)
	}
	return nil
}
