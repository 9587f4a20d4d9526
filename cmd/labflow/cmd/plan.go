package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/trellis-data/labflow/internal/logging"
	"github.com/trellis-data/labflow/internal/service"
	"github.com/trellis-data/labflow/internal/service/workflow"
)

var (
	planFiles     []string
	planFormat    string
	planHeuristic bool
)

var planCmd = &cobra.Command{
	Use:   "plan <prompt>",
	Short: "Print the plan a prompt would produce without running it",
	Long: `Build a workflow plan for a prompt and print it. Nothing is dispatched
and no state is written.

With llm.enabled set in the configuration the model plans; --heuristic
forces the built-in keyword planner.`,
	Example: `  labflow plan "merge orders.csv with products.csv then chart revenue" --files orders.csv,products.csv
  labflow plan "group sales by region" --files sales.csv --format json --heuristic`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringSliceVarP(&planFiles, "files", "f", nil, "available files")
	planCmd.Flags().StringVar(&planFormat, "format", "yaml", "output format (yaml, json)")
	planCmd.Flags().BoolVar(&planHeuristic, "heuristic", false, "skip the model and use the keyword planner")
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	format := strings.ToLower(planFormat)
	if format != "yaml" && format != "json" {
		return fmt.Errorf("unknown format %q (want yaml or json)", planFormat)
	}

	prompts, err := service.NewPromptRenderer()
	if err != nil {
		return err
	}

	var planner *workflow.Planner
	if planHeuristic {
		planner = workflow.NewPlanner(nil, prompts, workflow.PlannerConfig{}, logging.NewNop(), nil)
	} else {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.Log)
		gen, err := newGenerator(cfg.LLM, newThrottles(cfg.Limits), logger)
		if err != nil {
			return err
		}
		planner = workflow.NewPlanner(gen, prompts, workflow.PlannerConfig{
			Budget:      budget(cfg.Retry.Planning),
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		}, logger, nil)
	}

	res, err := planner.BuildPlan(cmd.Context(), workflow.PlanRequest{
		Prompt:         strings.Join(args, " "),
		AvailableFiles: planFiles,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res.Plan)
	}
	fmt.Fprintf(out, "# planner: %s\n", planner.Model())
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(res.Plan); err != nil {
		return err
	}
	return enc.Close()
}
