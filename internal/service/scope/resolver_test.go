package scope

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trellis-data/labflow/internal/core"
)

var (
	acme    = core.ExecutionContext{ClientName: "acme", AppName: "sales", ProjectName: "q3"}
	globex  = core.ExecutionContext{ClientName: "globex", AppName: "ops", ProjectName: "default"}
	fixedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func TestResolver_PrefersRecordedScope(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var seen core.ExecutionContext
	lister := ListerFunc(func(_ context.Context, s core.ExecutionContext) (core.FileInventory, error) {
		seen = s
		return core.FileInventory{s.Prefix() + "orders.csv": {DisplayName: "orders.csv"}}, nil
	})
	r := NewResolver(nil, lister, WithDefault(globex), WithClock(func() time.Time { return fixedAt }))

	got, err := r.Refresh(ctx, "seq-1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got.Source != core.ContextSourceDefault || got.Identifiers != globex {
		t.Errorf("unrecorded sequence resolved to %+v", got)
	}

	if err := r.Record(ctx, "seq-1", acme); err != nil {
		t.Fatal(err)
	}
	got, err = r.Refresh(ctx, "seq-1")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got.Source != core.ContextSourceRecorded || got.Identifiers != acme || seen != acme {
		t.Errorf("recorded sequence resolved to %+v (lister saw %s)", got, seen)
	}
	if _, ok := got.Files["acme/sales/q3/orders.csv"]; !ok {
		t.Errorf("Files = %v", got.Files)
	}
	if !got.ResolvedAt.Equal(fixedAt) {
		t.Errorf("ResolvedAt = %v", got.ResolvedAt)
	}

	// Another sequence is not affected by seq-1's recording.
	other, _ := r.Refresh(ctx, "seq-2")
	if other.Identifiers != globex {
		t.Errorf("seq-2 = %+v, want default", other.Identifiers)
	}
}

func TestResolver_ZeroScopeDoesNotOverwrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewResolver(nil, nil, WithDefault(globex))
	_ = r.Record(ctx, "seq-1", acme)
	_ = r.Record(ctx, "seq-1", core.ExecutionContext{})

	ids, source, err := r.Identifiers(ctx, "seq-1")
	if err != nil || ids != acme || source != core.ContextSourceRecorded {
		t.Errorf("Identifiers() = %v, %s, %v", ids, source, err)
	}
}

func TestResolver_RelistsOnEveryRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var calls int32
	lister := ListerFunc(func(context.Context, core.ExecutionContext) (core.FileInventory, error) {
		n := atomic.AddInt32(&calls, 1)
		inv := core.FileInventory{"orders.csv": {}}
		if n > 1 {
			inv["merged.arrow"] = core.FileInfo{Columns: []string{"order_id"}}
		}
		return inv, nil
	})
	r := NewResolver(nil, lister)

	first, _ := r.Refresh(ctx, "seq-1")
	second, _ := r.Refresh(ctx, "seq-1")

	if calls != 2 {
		t.Errorf("lister called %d times, want 2", calls)
	}
	if len(first.Files) != 1 || len(second.Files) != 2 {
		t.Errorf("inventories = %d then %d files", len(first.Files), len(second.Files))
	}
	cached, ok := r.Cached("seq-1")
	if !ok || len(cached.Files) != 2 {
		t.Errorf("Cached() should hold the latest refresh, got %v", cached.Files)
	}

	r.Forget("seq-1")
	if _, ok := r.Cached("seq-1"); ok {
		t.Error("Forget() should drop the cache entry")
	}
}

func TestResolver_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	boom := errors.New("bucket unavailable")

	r := NewResolver(nil, ListerFunc(func(context.Context, core.ExecutionContext) (core.FileInventory, error) {
		return nil, boom
	}))
	if _, err := r.Refresh(ctx, "seq-1"); !errors.Is(err, boom) {
		t.Errorf("Refresh() error = %v, want %v", err, boom)
	}
	if _, ok := r.Cached("seq-1"); ok {
		t.Error("failed refresh should not be cached")
	}
}

func TestResolver_NilInventoryBecomesEmpty(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil, ListerFunc(func(context.Context, core.ExecutionContext) (core.FileInventory, error) {
		return nil, nil
	}))
	got, err := r.Refresh(context.Background(), "seq-1")
	if err != nil || got.Files == nil {
		t.Errorf("Refresh() = %+v, %v", got, err)
	}
}

func TestStaticLister_ReturnsCopy(t *testing.T) {
	t.Parallel()
	l := StaticLister{"a.csv": {DisplayName: "a"}}
	inv, _ := l.List(context.Background(), core.ExecutionContext{})
	inv["b.csv"] = core.FileInfo{}
	if len(l) != 1 {
		t.Error("List() must not expose the backing map")
	}
}

func TestResolver_SetDefault(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil, nil)
	r.SetDefault(globex)
	ids, src, _ := r.Identifiers(context.Background(), "seq-x")
	if ids != globex || src != core.ContextSourceDefault {
		t.Errorf("Identifiers() = %v, %s", ids, src)
	}
}
