package testutil

import (
	"github.com/trellis-data/labflow/internal/core"
)

// NewTestState creates a ReActState with sensible defaults for tests.
// Use functional options to override specific fields.
func NewTestState(opts ...func(*core.ReActState)) *core.ReActState {
	s := core.NewReActState("seq-test", "merge orders.csv and products.csv", core.DefaultMaxRetriesPerStep)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TwoStepPlan returns a merge followed by a chart of the merged result.
func TwoStepPlan() core.Plan {
	return core.NewPlan([]core.StepPlan{
		{
			StepNumber:  1,
			AtomID:      core.AtomMerge,
			Description: "merge orders and products",
			Prompt:      "merge orders.csv and products.csv on product_id",
			FilesUsed:   []string{"orders.csv", "products.csv"},
			Inputs:      []string{"orders.csv", "products.csv"},
			OutputAlias: "{merged_data}",
		},
		{
			StepNumber:  2,
			AtomID:      core.AtomChartMaker,
			Description: "chart the merged data",
			Prompt:      "plot revenue by category from {merged_data}",
			Inputs:      []string{"{merged_data}"},
			OutputAlias: "{chart}",
		},
	})
}
