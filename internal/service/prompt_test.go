package service

import (
	"strings"
	"testing"

	"github.com/trellis-data/labflow/internal/core"
)

func TestPromptRenderer_Load(t *testing.T) {
	renderer, err := NewPromptRenderer()
	if err != nil {
		t.Fatalf("NewPromptRenderer() error = %v", err)
	}

	for _, expected := range []string{"plan-generate", "step-evaluate"} {
		if !renderer.HasTemplate(expected) {
			t.Errorf("expected template %q not found (have %v)", expected, renderer.ListTemplates())
		}
	}
}

func TestPromptRenderer_RenderPlanGenerate(t *testing.T) {
	renderer, err := NewPromptRenderer()
	if err != nil {
		t.Fatalf("NewPromptRenderer() error = %v", err)
	}

	result, err := renderer.RenderPlanGenerate(PlanPromptParams{
		Prompt: "merge orders.csv with products.csv on order_id",
		Files: []PlanFile{
			{Path: "orders.csv", Columns: []string{"order_id", "product_id"}},
			{Path: "products.csv"},
		},
		KnownAliases: []string{"previous_result"},
		PriorContext: "user uploaded two files",
	})
	if err != nil {
		t.Fatalf("RenderPlanGenerate() error = %v", err)
	}

	for _, want := range []string{
		"merge orders.csv with products.csv on order_id",
		"`orders.csv` columns: order_id, product_id",
		"`products.csv`",
		"{previous_result}",
		"user uploaded two files",
		"Number steps from 1 upward",
		"`" + core.AtomChartMaker + "`",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("plan prompt missing %q", want)
		}
	}
}

func TestPromptRenderer_RenderPlanGeneratePending(t *testing.T) {
	renderer, err := NewPromptRenderer()
	if err != nil {
		t.Fatalf("NewPromptRenderer() error = %v", err)
	}

	without, err := renderer.RenderPlanGenerate(PlanPromptParams{Prompt: "use sales.csv"})
	if err != nil {
		t.Fatalf("RenderPlanGenerate() error = %v", err)
	}
	if strings.Contains(without, "## Unfinished steps") {
		t.Error("unfinished steps rendered without pending steps")
	}

	with, err := renderer.RenderPlanGenerate(PlanPromptParams{Prompt: "use sales.csv", Pending: "plot chart"})
	if err != nil {
		t.Fatalf("RenderPlanGenerate() error = %v", err)
	}
	if !strings.Contains(with, "## Unfinished steps\nplot chart") {
		t.Errorf("plan prompt missing the unfinished steps:\n%s", with)
	}
}

func TestPromptRenderer_RenderPlanGenerateNoFiles(t *testing.T) {
	renderer, err := NewPromptRenderer()
	if err != nil {
		t.Fatalf("NewPromptRenderer() error = %v", err)
	}
	result, err := renderer.RenderPlanGenerate(PlanPromptParams{Prompt: "plot chart"})
	if err != nil {
		t.Fatalf("RenderPlanGenerate() error = %v", err)
	}
	if !strings.Contains(result, "(none)") {
		t.Error("empty inventory should render (none)")
	}
	if strings.Contains(result, "Conversation so far") {
		t.Error("prior context section should be omitted when empty")
	}
}

func TestPromptRenderer_RenderStepEvaluate(t *testing.T) {
	renderer, err := NewPromptRenderer()
	if err != nil {
		t.Fatalf("NewPromptRenderer() error = %v", err)
	}

	result, err := renderer.RenderStepEvaluate(EvaluatePromptParams{
		UserPrompt:  "merge then chart",
		StepNumber:  1,
		TotalSteps:  2,
		AtomID:      core.AtomMerge,
		Description: "merge",
		StepPrompt:  "join on id",
		Attempt:     2,
		Result:      `{"rows": 10}`,
		OutputPath:  "out/merged.arrow",
		Remaining:   []string{"2. chart-maker: plot"},
	})
	if err != nil {
		t.Fatalf("RenderStepEvaluate() error = %v", err)
	}
	for _, want := range []string{"Step 1 of 2 (attempt 2)", "    join on id", `{"rows": 10}`, "out/merged.arrow", "2. chart-maker: plot", "retry_with_correction"} {
		if !strings.Contains(result, want) {
			t.Errorf("evaluate prompt missing %q", want)
		}
	}
}

func TestPromptRenderer_UnknownTemplate(t *testing.T) {
	renderer, err := NewPromptRenderer()
	if err != nil {
		t.Fatalf("NewPromptRenderer() error = %v", err)
	}
	if _, err := renderer.Render("missing", nil); err == nil {
		t.Error("Render() should fail for unknown template")
	}
}

func TestDefaultAtomSummaries(t *testing.T) {
	got := DefaultAtomSummaries()
	if len(got) != len(core.Atoms) {
		t.Fatalf("got %d summaries, want %d", len(got), len(core.Atoms))
	}
	for _, s := range got {
		if s.ID == core.AtomMerge && s.Inputs != 2 {
			t.Errorf("merge inputs = %d, want 2", s.Inputs)
		}
	}
}
