package workflow

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/trellis-data/labflow/internal/core"
)

func TestClassifyAtom(t *testing.T) {
	t.Parallel()
	tests := []struct {
		clause string
		want   string
	}{
		{"merge orders and products", core.AtomMerge},
		{"Join the two tables on id", core.AtomMerge},
		{"stack january and february", core.AtomConcat},
		{"show the correlation of price and volume", core.AtomCorrelation},
		{"plot revenue over time", core.AtomChartMaker},
		{"make a bar chart", core.AtomChartMaker},
		{"total revenue per region", core.AtomGroupBy},
		{"group by category", core.AtomGroupBy},
		{"calculate margin as price minus cost", core.AtomCreateColumn},
		{"give me an overview of the columns", core.AtomFeatureSummary},
		{"filter rows where amount > 10", core.AtomDataFrameOps},
		{"convert names to upper case", core.AtomExplore},
		{"what is in this file", core.AtomExplore},
		{"plot a chart of {merged_data}", core.AtomChartMaker},
		{"summarize {{grouped_data}}", core.AtomFeatureSummary},
	}
	for _, tt := range tests {
		if got := ClassifyAtom(tt.clause); got != tt.want {
			t.Errorf("ClassifyAtom(%q) = %q, want %q", tt.clause, got, tt.want)
		}
	}
}

func TestSplitClauses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		prompt string
		want   []string
	}{
		{"merge a and b", []string{"merge a and b"}},
		{"merge a and b then chart it", []string{"merge a and b", "chart it"}},
		{"merge a and b, and then group by x; plot it", []string{"merge a and b", "group by x", "plot it"}},
		{"filter rows\nafter that summarize", []string{"filter rows", "summarize"}},
		{"   ", []string{"   "}},
	}
	for _, tt := range tests {
		if got := splitClauses(tt.prompt); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitClauses(%q) = %q, want %q", tt.prompt, got, tt.want)
		}
	}
}

func TestHeuristicPlanner_MergeTwoFiles(t *testing.T) {
	t.Parallel()
	plan, err := HeuristicPlanner{}.Plan(PlanRequest{
		Prompt:         "merge orders.csv and products.csv",
		AvailableFiles: []string{"orders.csv", "products.csv"},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.TotalSteps != 1 {
		t.Fatalf("TotalSteps = %d, want 1", plan.TotalSteps)
	}
	step := plan.Steps[0]
	if step.AtomID != core.AtomMerge {
		t.Errorf("AtomID = %q, want merge", step.AtomID)
	}
	if !reflect.DeepEqual(step.Inputs, []string{"orders.csv", "products.csv"}) {
		t.Errorf("Inputs = %v", step.Inputs)
	}
	if step.OutputAlias != "{merged_data}" {
		t.Errorf("OutputAlias = %q", step.OutputAlias)
	}
	if step.NeedsClarification {
		t.Error("merge with both files should not need clarification")
	}
}

func TestHeuristicPlanner_ChainsClauses(t *testing.T) {
	t.Parallel()
	plan, err := HeuristicPlanner{}.Plan(PlanRequest{
		Prompt:         "merge orders.csv and products.csv then plot revenue by category",
		AvailableFiles: []string{"orders.csv", "products.csv"},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.TotalSteps != 2 {
		t.Fatalf("TotalSteps = %d, want 2", plan.TotalSteps)
	}
	for i, s := range plan.Steps {
		if s.StepNumber != i+1 {
			t.Errorf("step %d numbered %d", i, s.StepNumber)
		}
	}
	chart := plan.Steps[1]
	if chart.AtomID != core.AtomChartMaker {
		t.Errorf("AtomID = %q, want chart-maker", chart.AtomID)
	}
	if !reflect.DeepEqual(chart.Inputs, []string{"{merged_data}"}) {
		t.Errorf("chart inputs = %v, want the merge output", chart.Inputs)
	}
}

func TestHeuristicPlanner_KnownAlias(t *testing.T) {
	t.Parallel()
	plan, err := HeuristicPlanner{}.Plan(PlanRequest{
		Prompt:         "make a chart of {Previous Result}",
		AvailableFiles: []string{"orders.csv"},
		KnownAliases:   []string{"previous_result"},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	step := plan.Steps[0]
	if !reflect.DeepEqual(step.Inputs, []string{"{previous_result}"}) {
		t.Errorf("Inputs = %v", step.Inputs)
	}
	if step.NeedsClarification {
		t.Error("known alias should not need clarification")
	}
}

func TestHeuristicPlanner_AliasNameIsNotAKeyword(t *testing.T) {
	t.Parallel()
	plan, err := HeuristicPlanner{}.Plan(PlanRequest{
		Prompt:         "plot a chart of {merged_data}",
		AvailableFiles: []string{"orders.csv", "products.csv"},
		KnownAliases:   []string{"merged_data"},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	step := plan.Steps[0]
	if step.AtomID != core.AtomChartMaker {
		t.Errorf("AtomID = %q, want chart-maker", step.AtomID)
	}
	if !reflect.DeepEqual(step.Inputs, []string{"{merged_data}"}) {
		t.Errorf("Inputs = %v, want [{merged_data}]", step.Inputs)
	}
	if step.NeedsClarification {
		t.Errorf("unexpected clarification %q", step.Clarification)
	}
}

func TestHeuristicPlanner_AliasNameIsNotAFile(t *testing.T) {
	t.Parallel()
	plan, err := HeuristicPlanner{}.Plan(PlanRequest{
		Prompt:         "summarize {orders}",
		AvailableFiles: []string{"orders.csv", "products.csv"},
		KnownAliases:   []string{"orders"},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if got := plan.Steps[0].Inputs; !reflect.DeepEqual(got, []string{"{orders}"}) {
		t.Errorf("Inputs = %v, want only the alias", got)
	}
	if len(plan.Steps[0].FilesUsed) != 0 {
		t.Errorf("FilesUsed = %v, want none", plan.Steps[0].FilesUsed)
	}
}

func TestHeuristicPlanner_UnknownAliasNeedsClarification(t *testing.T) {
	t.Parallel()
	plan, err := HeuristicPlanner{}.Plan(PlanRequest{
		Prompt:         "chart {mystery}",
		AvailableFiles: []string{"orders.csv", "products.csv"},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !plan.Steps[0].NeedsClarification {
		t.Error("unknown alias should need clarification")
	}
}

func TestHeuristicPlanner_NoFiles(t *testing.T) {
	t.Parallel()
	plan, err := HeuristicPlanner{}.Plan(PlanRequest{Prompt: "plot chart"})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	step := plan.Steps[0]
	if !step.NeedsClarification || step.Clarification == "" {
		t.Errorf("step = %+v, want clarification", step)
	}
	if len(step.Inputs) != 0 {
		t.Errorf("Inputs = %v, want none", step.Inputs)
	}
}

func TestHeuristicPlanner_MissingSecondInputWithoutFiles(t *testing.T) {
	t.Parallel()
	plan, err := HeuristicPlanner{}.Plan(PlanRequest{
		Prompt:       "merge {merged_data} with the regions",
		KnownAliases: []string{"merged_data"},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	step := plan.Steps[0]
	if !step.NeedsClarification {
		t.Fatalf("step = %+v, want clarification", step)
	}
	if strings.Contains(step.Clarification, "Which of") {
		t.Errorf("Clarification = %q, should not offer an empty file list", step.Clarification)
	}
	if !strings.Contains(step.Clarification, "no files are available") {
		t.Errorf("Clarification = %q", step.Clarification)
	}
}

func TestHeuristicPlanner_AnswerAppliesToPendingSteps(t *testing.T) {
	t.Parallel()
	plan, err := HeuristicPlanner{}.Plan(PlanRequest{
		Prompt:         "use sales.csv",
		Pending:        "plot chart then summarize it",
		AvailableFiles: []string{"sales.csv", "regions.csv"},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.TotalSteps != 2 {
		t.Fatalf("TotalSteps = %d, want 2", plan.TotalSteps)
	}
	first := plan.Steps[0]
	if first.AtomID != core.AtomChartMaker || !reflect.DeepEqual(first.Inputs, []string{"sales.csv"}) {
		t.Errorf("step 1 = %s %v", first.AtomID, first.Inputs)
	}
	if first.Prompt != "plot chart (use sales.csv)" {
		t.Errorf("step 1 prompt = %q", first.Prompt)
	}
	if plan.Steps[1].AtomID != core.AtomFeatureSummary {
		t.Errorf("step 2 atom = %q", plan.Steps[1].AtomID)
	}
}

func TestHeuristicPlanner_NewRequestIgnoresPendingSteps(t *testing.T) {
	t.Parallel()
	plan, err := HeuristicPlanner{}.Plan(PlanRequest{
		Prompt:         "summarize sales.csv",
		Pending:        "plot chart",
		AvailableFiles: []string{"sales.csv"},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.TotalSteps != 1 || plan.Steps[0].AtomID != core.AtomFeatureSummary {
		t.Errorf("plan = %+v", plan.Steps)
	}
}

func TestHeuristicPlanner_SingleFileIsImplied(t *testing.T) {
	t.Parallel()
	plan, err := HeuristicPlanner{}.Plan(PlanRequest{
		Prompt:         "give me an overview",
		AvailableFiles: []string{"data/sales.csv"},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if got := plan.Steps[0].Inputs; !reflect.DeepEqual(got, []string{"data/sales.csv"}) {
		t.Errorf("Inputs = %v", got)
	}
}

func TestHeuristicPlanner_MentionedFilesFirstClause(t *testing.T) {
	t.Parallel()
	plan, err := HeuristicPlanner{}.Plan(PlanRequest{
		Prompt:         "summarize it",
		AvailableFiles: []string{"a.csv", "b.csv"},
		MentionedFiles: []string{"b.csv"},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if got := plan.Steps[0].Inputs; !reflect.DeepEqual(got, []string{"b.csv"}) {
		t.Errorf("Inputs = %v", got)
	}
}

func TestHeuristicPlanner_StemMatch(t *testing.T) {
	t.Parallel()
	plan, err := HeuristicPlanner{}.Plan(PlanRequest{
		Prompt:         "merge the orders with the products",
		AvailableFiles: []string{"acme/q3/products.arrow", "acme/q3/orders.arrow"},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	want := []string{"acme/q3/orders.arrow", "acme/q3/products.arrow"}
	if got := plan.Steps[0].Inputs; !reflect.DeepEqual(got, want) {
		t.Errorf("Inputs = %v, want %v (order of mention)", got, want)
	}
}

func TestHeuristicPlanner_UniqueOutputAliases(t *testing.T) {
	t.Parallel()
	plan, err := HeuristicPlanner{}.Plan(PlanRequest{
		Prompt:         "plot sales.csv then plot it again",
		AvailableFiles: []string{"sales.csv"},
		KnownAliases:   []string{"chart"},
	})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Steps[0].OutputAlias != "{chart_1}" || plan.Steps[1].OutputAlias != "{chart_2}" {
		t.Errorf("aliases = %q, %q", plan.Steps[0].OutputAlias, plan.Steps[1].OutputAlias)
	}
}

func TestHeuristicPlanner_EmptyPrompt(t *testing.T) {
	t.Parallel()
	_, err := HeuristicPlanner{}.Plan(PlanRequest{Prompt: "  "})
	var de *core.DomainError
	if !errors.As(err, &de) || de.Code != core.CodeEmptyPrompt {
		t.Fatalf("error = %v, want EMPTY_PROMPT", err)
	}
}
