package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/trellis-data/labflow/internal/core"
)

// MockCall records a call to a mock.
type MockCall struct {
	Method    string
	Args      interface{}
	Timestamp time.Time
}

type callLog struct {
	mu    sync.Mutex
	calls []MockCall
}

func (l *callLog) record(method string, args interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, MockCall{Method: method, Args: args, Timestamp: time.Now()})
}

// Calls returns a copy of the recorded calls.
func (l *callLog) Calls() []MockCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]MockCall, len(l.calls))
	copy(out, l.calls)
	return out
}

// CallCount returns the number of calls to method.
func (l *callLog) CallCount(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls.
func (l *callLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// =============================================================================
// Atom services
// =============================================================================

// MockAtoms implements core.AtomDispatcher. By default every call succeeds:
// cards are numbered card-1, card-2, ..., fetch echoes the context prompt and
// execute reports an artifact under results/<atom>-<n>.csv.
type MockAtoms struct {
	callLog
	mu          sync.Mutex
	cards       int
	executions  int
	addCardFunc func(context.Context, core.CardRequest) (string, error)
	fetchFunc   func(context.Context, core.FetchRequest) (string, error)
	executeFunc func(context.Context, core.ExecuteRequest) (core.AtomResult, error)
}

// NewMockAtoms creates atom services that always succeed.
func NewMockAtoms() *MockAtoms {
	return &MockAtoms{}
}

// WithAddCardFunc overrides AddCard.
func (m *MockAtoms) WithAddCardFunc(fn func(context.Context, core.CardRequest) (string, error)) *MockAtoms {
	m.addCardFunc = fn
	return m
}

// WithFetchFunc overrides FetchAtom.
func (m *MockAtoms) WithFetchFunc(fn func(context.Context, core.FetchRequest) (string, error)) *MockAtoms {
	m.fetchFunc = fn
	return m
}

// WithExecuteFunc overrides ExecuteAtom.
func (m *MockAtoms) WithExecuteFunc(fn func(context.Context, core.ExecuteRequest) (core.AtomResult, error)) *MockAtoms {
	m.executeFunc = fn
	return m
}

// WithExecuteResults makes ExecuteAtom return results in order, repeating the
// last one once they run out.
func (m *MockAtoms) WithExecuteResults(results ...core.AtomResult) *MockAtoms {
	var mu sync.Mutex
	i := 0
	m.executeFunc = func(context.Context, core.ExecuteRequest) (core.AtomResult, error) {
		mu.Lock()
		defer mu.Unlock()
		r := results[i]
		if i < len(results)-1 {
			i++
		}
		return r, nil
	}
	return m
}

// AddCard implements core.AtomDispatcher.
func (m *MockAtoms) AddCard(ctx context.Context, req core.CardRequest) (string, error) {
	m.record("AddCard", req)
	if m.addCardFunc != nil {
		return m.addCardFunc(ctx, req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards++
	return fmt.Sprintf("card-%d", m.cards), nil
}

// FetchAtom implements core.AtomDispatcher.
func (m *MockAtoms) FetchAtom(ctx context.Context, req core.FetchRequest) (string, error) {
	m.record("FetchAtom", req)
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, req)
	}
	return req.Context.Prompt, nil
}

// ExecuteAtom implements core.AtomDispatcher.
func (m *MockAtoms) ExecuteAtom(ctx context.Context, req core.ExecuteRequest) (core.AtomResult, error) {
	m.record("ExecuteAtom", req)
	if m.executeFunc != nil {
		return m.executeFunc(ctx, req)
	}
	m.mu.Lock()
	m.executions++
	n := m.executions
	m.mu.Unlock()
	return core.AtomResult{
		Success:    true,
		Data:       core.ObjectValue([]byte(`{"rows": 10}`)),
		OutputPath: fmt.Sprintf("results/%s-%d.csv", req.AtomID, n),
	}, nil
}

// ExecuteRequests returns every ExecuteAtom request in call order.
func (m *MockAtoms) ExecuteRequests() []core.ExecuteRequest {
	var out []core.ExecuteRequest
	for _, c := range m.Calls() {
		if req, ok := c.Args.(core.ExecuteRequest); ok {
			out = append(out, req)
		}
	}
	return out
}

// FetchRequests returns every FetchAtom request in call order.
func (m *MockAtoms) FetchRequests() []core.FetchRequest {
	var out []core.FetchRequest
	for _, c := range m.Calls() {
		if req, ok := c.Args.(core.FetchRequest); ok {
			out = append(out, req)
		}
	}
	return out
}

// =============================================================================
// Language model
// =============================================================================

// MockGenerator implements core.JSONGenerator with scripted replies.
type MockGenerator struct {
	callLog
	mu        sync.Mutex
	model     string
	replies   []string
	errs      []error
	next      int
	generateF func(context.Context, core.GenerationRequest) (core.GenerationResult, error)
}

// NewMockGenerator creates a generator returning replies in order; the last
// reply repeats once they run out.
func NewMockGenerator(replies ...string) *MockGenerator {
	return &MockGenerator{model: "mock-model", replies: replies}
}

// WithErrors makes the first calls fail with errs, in order, before replies
// are served.
func (m *MockGenerator) WithErrors(errs ...error) *MockGenerator {
	m.errs = errs
	return m
}

// WithGenerateFunc overrides Generate.
func (m *MockGenerator) WithGenerateFunc(fn func(context.Context, core.GenerationRequest) (core.GenerationResult, error)) *MockGenerator {
	m.generateF = fn
	return m
}

// Model implements core.JSONGenerator.
func (m *MockGenerator) Model() string { return m.model }

// Generate implements core.JSONGenerator.
func (m *MockGenerator) Generate(ctx context.Context, req core.GenerationRequest) (core.GenerationResult, error) {
	m.record("Generate", req)
	if m.generateF != nil {
		return m.generateF(ctx, req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return core.GenerationResult{}, err
	}
	if len(m.replies) == 0 {
		return core.GenerationResult{}, fmt.Errorf("mock generator has no replies")
	}
	reply := m.replies[m.next]
	if m.next < len(m.replies)-1 {
		m.next++
	}
	return core.GenerationResult{Content: reply, Model: m.model, Duration: time.Millisecond}, nil
}

// =============================================================================
// Persistence
// =============================================================================

// MockStateStore implements core.StateStore in memory. Saved states are
// cloned so later mutation by the caller does not leak into the store.
type MockStateStore struct {
	callLog
	mu      sync.Mutex
	states  map[string]*core.ReActState
	history map[string][]core.SequenceStatus
	saveErr error
	loadErr error
}

// NewMockStateStore creates an empty store.
func NewMockStateStore() *MockStateStore {
	return &MockStateStore{
		states:  make(map[string]*core.ReActState),
		history: make(map[string][]core.SequenceStatus),
	}
}

// WithSaveError makes Save fail.
func (m *MockStateStore) WithSaveError(err error) *MockStateStore {
	m.saveErr = err
	return m
}

// WithLoadError makes Load fail.
func (m *MockStateStore) WithLoadError(err error) *MockStateStore {
	m.loadErr = err
	return m
}

// Save implements core.StateStore.
func (m *MockStateStore) Save(ctx context.Context, state *core.ReActState) error {
	m.record("Save", state.SequenceID)
	if m.saveErr != nil {
		return m.saveErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	cp, err := state.Clone()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.SequenceID] = cp
	m.history[state.SequenceID] = append(m.history[state.SequenceID], state.Status)
	return nil
}

// Load implements core.StateStore.
func (m *MockStateStore) Load(_ context.Context, sequenceID string) (*core.ReActState, error) {
	m.record("Load", sequenceID)
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	m.mu.Lock()
	s, ok := m.states[sequenceID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return s.Clone()
}

// List implements core.StateStore.
func (m *MockStateStore) List(_ context.Context, limit int) ([]core.SequenceSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.SequenceSummary, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, core.SequenceSummary{
			SequenceID: s.SequenceID,
			Status:     s.Status,
			UserPrompt: s.UserPrompt,
			UpdatedAt:  s.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete implements core.StateStore.
func (m *MockStateStore) Delete(_ context.Context, sequenceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sequenceID)
	delete(m.history, sequenceID)
	return nil
}

// Put stores a state directly.
func (m *MockStateStore) Put(state *core.ReActState) {
	cp, err := state.Clone()
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.SequenceID] = cp
}

// Statuses returns the status of every save of a sequence, in order.
func (m *MockStateStore) Statuses(sequenceID string) []core.SequenceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.SequenceStatus(nil), m.history[sequenceID]...)
}

// MockMemoryStore implements core.MemoryStore in memory.
type MockMemoryStore struct {
	mu   sync.Mutex
	docs []*core.LaboratoryMemoryDocument
	err  error
}

// NewMockMemoryStore creates an empty store.
func NewMockMemoryStore() *MockMemoryStore {
	return &MockMemoryStore{}
}

// WithError makes SaveDocument fail.
func (m *MockMemoryStore) WithError(err error) *MockMemoryStore {
	m.err = err
	return m
}

// SaveDocument implements core.MemoryStore.
func (m *MockMemoryStore) SaveDocument(_ context.Context, doc *core.LaboratoryMemoryDocument) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, doc)
	return nil
}

// Documents returns the saved documents in order.
func (m *MockMemoryStore) Documents() []*core.LaboratoryMemoryDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*core.LaboratoryMemoryDocument(nil), m.docs...)
}
