package core

import (
	"context"
	"time"
)

// =============================================================================
// Atom dispatch port
// =============================================================================

// CardRequest asks the card subsystem for a placeholder.
type CardRequest struct {
	AtomID     string `json:"atom_id"`
	Source     string `json:"source"`
	SequenceID string `json:"sequence_id,omitempty"`
	StepNumber int    `json:"step_number,omitempty"`
}

// FetchRequest asks an atom to render its specialized prompt.
type FetchRequest struct {
	AtomID     string          `json:"atom_id"`
	SequenceID string          `json:"sequence_id,omitempty"`
	Context    RenderedContext `json:"context"`
}

// RenderedContext is everything an atom needs to specialize its prompt.
type RenderedContext struct {
	Prompt      string              `json:"prompt"`
	Description string              `json:"description,omitempty"`
	Inputs      []string            `json:"inputs"`
	Files       map[string]FileInfo `json:"files,omitempty"`
	Scope       ExecutionContext    `json:"scope"`
	UserPrompt  string              `json:"user_prompt,omitempty"`
}

// ExecuteRequest runs an atom with the resolved prompt.
type ExecuteRequest struct {
	AtomID     string           `json:"atom_id"`
	SequenceID string           `json:"sequence_id,omitempty"`
	CardID     string           `json:"card_id,omitempty"`
	Prompt     string           `json:"prompt"`
	Inputs     []string         `json:"inputs"`
	Scope      ExecutionContext `json:"scope"`
}

// AtomResult is the structured reply of an execute-atom call.
type AtomResult struct {
	Success    bool   `json:"success"`
	Data       Value  `json:"data"`
	Error      string `json:"error,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
}

// ProducedPath returns the artifact path reported by the atom.
func (r AtomResult) ProducedPath() string {
	if r.OutputPath != "" {
		return r.OutputPath
	}
	for _, key := range []string{"output_path", "result_file", "file_path", "saved_path"} {
		if p, ok := r.Data.Lookup(key); ok {
			return p
		}
	}
	return ""
}

// AtomDispatcher is the three-call protocol against the atom and card services.
type AtomDispatcher interface {
	AddCard(ctx context.Context, req CardRequest) (cardID string, err error)
	FetchAtom(ctx context.Context, req FetchRequest) (prompt string, err error)
	ExecuteAtom(ctx context.Context, req ExecuteRequest) (AtomResult, error)
}

// =============================================================================
// Language model port
// =============================================================================

// GenerationRequest asks a model for a JSON document.
type GenerationRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// GenerationResult is the raw model reply.
type GenerationResult struct {
	Content  string
	Model    string
	Duration time.Duration
}

// JSONGenerator produces structured replies from a language model.
type JSONGenerator interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error)
	Model() string
}

// =============================================================================
// Persistence ports
// =============================================================================

// StateStore persists sequences so a reconnecting client can resume. Load
// returns (nil, nil) for an unknown sequence.
type StateStore interface {
	Save(ctx context.Context, state *ReActState) error
	Load(ctx context.Context, sequenceID string) (*ReActState, error)
	List(ctx context.Context, limit int) ([]SequenceSummary, error)
	Delete(ctx context.Context, sequenceID string) error
}

// SequenceSummary is a listing row.
type SequenceSummary struct {
	SequenceID string         `json:"sequence_id"`
	Status     SequenceStatus `json:"status"`
	UserPrompt string         `json:"user_prompt"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// AliasStore holds alias entries partitioned by sequence.
type AliasStore interface {
	Set(ctx context.Context, sequenceID, alias, path string) (previous string, err error)
	Get(ctx context.Context, sequenceID, alias string) (path string, ok bool, err error)
	All(ctx context.Context, sequenceID string) (map[string]string, error)
	Clear(ctx context.Context, sequenceID string) error
}

// ContextStore holds the scope each sequence recorded for itself.
type ContextStore interface {
	Put(ctx context.Context, sequenceID string, scope ExecutionContext) error
	Get(ctx context.Context, sequenceID string) (ExecutionContext, bool, error)
}

// FileLister lists the datasets of a scope.
type FileLister interface {
	List(ctx context.Context, scope ExecutionContext) (FileInventory, error)
}

// MemoryStore persists audit documents.
type MemoryStore interface {
	SaveDocument(ctx context.Context, doc *LaboratoryMemoryDocument) error
}
