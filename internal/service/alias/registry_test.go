package alias

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/logging"
)

func TestRegistry_RoundTripAnyCase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tokens := []string{"{previous result}", "{{Previous Result}}", "${PREVIOUS-RESULT}", "@previous_result", "{ Previous.Result }"}
	for _, tok := range tokens {
		tok := tok
		t.Run(tok, func(t *testing.T) {
			t.Parallel()
			r := NewRegistry(nil, nil)
			if err := r.Register(ctx, "seq-1", core.StringValue(tok), core.StringValue("out/merged.arrow")); err != nil {
				t.Fatalf("Register() error = %v", err)
			}
			for _, lookup := range tokens {
				got := r.Resolve(ctx, "seq-1", core.StringValue(lookup))
				if s, _ := got.AsString(); s != "out/merged.arrow" {
					t.Errorf("Resolve(%q) after Register(%q) = %q", lookup, tok, s)
				}
			}
		})
	}
}

func TestRegistry_NonStringIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewRegistry(nil, nil)

	nonStrings := []core.Value{
		core.NullValue(),
		core.ListValue([]string{"{a}"}),
		core.ObjectValue(json.RawMessage(`{"alias":"{a}"}`)),
	}
	for _, v := range nonStrings {
		if err := r.Register(ctx, "seq-1", v, core.StringValue("x.csv")); err != nil {
			t.Errorf("Register(%s) error = %v", v.Kind(), err)
		}
		if err := r.Register(ctx, "seq-1", core.StringValue("{a}"), v); err != nil {
			t.Errorf("Register(path %s) error = %v", v.Kind(), err)
		}
		if got := r.Resolve(ctx, "seq-1", v); !got.Equal(v) {
			t.Errorf("Resolve(%s) should be identity, got %s", v.Kind(), got.Kind())
		}
	}

	all, _ := r.All(ctx, "seq-1")
	if len(all) != 0 {
		t.Errorf("registry should be unchanged, got %v", all)
	}
}

func TestRegistry_ResolvePassThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewRegistry(nil, nil)
	_ = r.RegisterString(ctx, "seq-1", "{sales}", "out/sales.arrow")

	tests := []string{"sales", "sales.csv", "{unknown}", "see {sales}"}
	for _, in := range tests {
		if got := r.ResolveString(ctx, "seq-1", in); got != in {
			t.Errorf("ResolveString(%q) = %q, want unchanged", in, got)
		}
	}
}

func TestRegistry_BareNameRegistration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewRegistry(nil, nil)
	_ = r.RegisterString(ctx, "seq-1", "Merged Data", "out/m.arrow")

	if got := r.ResolveString(ctx, "seq-1", "{merged_data}"); got != "out/m.arrow" {
		t.Errorf("ResolveString() = %q", got)
	}
}

func TestRegistry_SequencesArePartitioned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewRegistry(nil, nil)
	_ = r.RegisterString(ctx, "seq-a", "{result}", "a.arrow")
	_ = r.RegisterString(ctx, "seq-b", "{result}", "b.arrow")

	if got := r.ResolveString(ctx, "seq-a", "{result}"); got != "a.arrow" {
		t.Errorf("seq-a = %q", got)
	}
	if got := r.ResolveString(ctx, "seq-b", "{result}"); got != "b.arrow" {
		t.Errorf("seq-b = %q", got)
	}
	if err := r.Clear(ctx, "seq-a"); err != nil {
		t.Fatal(err)
	}
	if got := r.ResolveString(ctx, "seq-a", "{result}"); got != "{result}" {
		t.Errorf("cleared seq-a = %q", got)
	}
	if got := r.ResolveString(ctx, "seq-b", "{result}"); got != "b.arrow" {
		t.Errorf("seq-b after clearing seq-a = %q", got)
	}
}

func TestRegistry_LastWriterWinsWithWarning(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: "debug", Format: "json", Output: &buf})
	r := NewRegistry(nil, logger)

	_ = r.RegisterString(ctx, "seq-1", "{out}", "first.arrow")
	_ = r.RegisterString(ctx, "seq-1", "{out}", "first.arrow")
	if strings.Contains(buf.String(), "alias overwritten") {
		t.Error("re-registering the same path should not warn")
	}
	_ = r.RegisterString(ctx, "seq-1", "{{OUT}}", "second.arrow")

	if got := r.ResolveString(ctx, "seq-1", "{out}"); got != "second.arrow" {
		t.Errorf("ResolveString() = %q, want second.arrow", got)
	}
	if !strings.Contains(buf.String(), "alias overwritten") {
		t.Errorf("expected overwrite warning, log: %s", buf.String())
	}
}

func TestRegistry_Substitute(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewRegistry(nil, nil)
	_ = r.RegisterString(ctx, "seq-1", "{previous result}", "out/merged.arrow")

	got := r.Substitute(ctx, "seq-1", "plot a chart of {Previous Result} against {baseline}")
	want := "plot a chart of out/merged.arrow against {baseline}"
	if got != want {
		t.Errorf("Substitute() = %q, want %q", got, want)
	}
	if got := r.Substitute(ctx, "seq-1", "no tokens"); got != "no tokens" {
		t.Errorf("Substitute() = %q", got)
	}
}

func TestRegistry_KnownAndResolveAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewRegistry(nil, nil)
	_ = r.RegisterString(ctx, "seq-1", "{zeta}", "z.arrow")
	_ = r.RegisterString(ctx, "seq-1", "{alpha}", "a.arrow")

	known, err := r.Known(ctx, "seq-1")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(known, ",") != "alpha,zeta" {
		t.Errorf("Known() = %v", known)
	}

	got := r.ResolveAll(ctx, "seq-1", []string{"{alpha}", "orders.csv", "{zeta}"})
	if strings.Join(got, ",") != "a.arrow,orders.csv,z.arrow" {
		t.Errorf("ResolveAll() = %v", got)
	}
}

type failingStore struct{ *MemoryStore }

func (failingStore) Set(context.Context, string, string, string) (string, error) {
	return "", errors.New("store down")
}

func (failingStore) Get(context.Context, string, string) (string, bool, error) {
	return "", false, errors.New("store down")
}

func TestRegistry_StoreErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewRegistry(failingStore{NewMemoryStore()}, nil)

	if err := r.RegisterString(ctx, "seq-1", "{a}", "a.arrow"); err == nil {
		t.Error("Register() should surface store errors")
	}
	if got := r.ResolveString(ctx, "seq-1", "{a}"); got != "{a}" {
		t.Errorf("ResolveString() on failing store = %q, want unchanged", got)
	}
}
