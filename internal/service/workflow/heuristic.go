package workflow

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/trellis-data/labflow/internal/core"
)

var clauseSplitRe = regexp.MustCompile(`(?i)\s*(?:;|\n|,?\s*\band then\b|,?\s*\bthen\b|,?\s*\bafter that\b)\s*`)

// atomKeywords is checked in order; the first atom with a matching keyword wins.
var atomKeywords = []struct {
	atom     string
	keywords []string
}{
	{core.AtomMerge, []string{"merge", "join", "combine", "match up"}},
	{core.AtomConcat, []string{"concat", "append", "stack", "union"}},
	{core.AtomCorrelation, []string{"correlat", "relationship between"}},
	{core.AtomChartMaker, []string{"chart", "plot", "graph", "visuali", "histogram", "bar "}},
	{core.AtomGroupBy, []string{"group by", "groupby", "grouped", "aggregate", "total by", "sum by", "average by", " per "}},
	{core.AtomCreateColumn, []string{"create column", "add column", "new column", "add a column", "create a column", "derive", "calculate"}},
	{core.AtomFeatureSummary, []string{"overview", "profile", "describe", "summar"}},
	{core.AtomDataFrameOps, []string{"filter", "sort", "rename", "drop", "remove rows", "select columns", "pivot"}},
}

// outputNames gives each atom a readable default output alias.
var outputNames = map[string]string{
	core.AtomMerge:          "merged_data",
	core.AtomConcat:         "concatenated_data",
	core.AtomGroupBy:        "grouped_data",
	core.AtomChartMaker:     "chart",
	core.AtomDataFrameOps:   "transformed_data",
	core.AtomCreateColumn:   "data_with_columns",
	core.AtomFeatureSummary: "feature_overview",
	core.AtomCorrelation:    "correlations",
	core.AtomExplore:        "exploration",
}

// HeuristicPlanner builds plans with keyword rules. It needs no model and
// always produces a plan that passes validation.
type HeuristicPlanner struct{}

// Plan splits the prompt into clauses and turns each into one step.
func (HeuristicPlanner) Plan(req PlanRequest) (core.Plan, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return core.Plan{}, core.ErrValidation(core.CodeEmptyPrompt, "prompt must not be empty")
	}

	// A follow-up that names no operation answers the unfinished steps.
	var answer string
	if pending := strings.TrimSpace(req.Pending); pending != "" && ClassifyAtom(prompt) == core.AtomExplore {
		prompt, answer = pending, prompt
	}

	clauses := splitClauses(prompt)
	known := make(map[string]bool, len(req.KnownAliases))
	for _, k := range req.KnownAliases {
		known[k] = true
	}
	used := make(map[string]bool)
	for k := range known {
		used[k] = true
	}

	steps := make([]core.StepPlan, 0, len(clauses))
	for i, clause := range clauses {
		number := i + 1
		text := clause
		if i == 0 && answer != "" {
			text = clause + " (" + answer + ")"
		}
		atom := ClassifyAtom(clause)
		step := core.StepPlan{
			StepNumber:  number,
			AtomID:      atom,
			Description: describe(atom, clause),
			Prompt:      text,
		}

		var missing []string
		for _, tok := range core.FindAliasTokens(text) {
			name, _ := core.NormalizeAlias(tok)
			if known[name] {
				step.Inputs = appendUnique(step.Inputs, core.AliasToken(name))
			} else {
				missing = append(missing, tok)
			}
		}

		files := matchFiles(stripAliasTokens(text), req.AvailableFiles)
		if len(files) == 0 && i == 0 && len(step.Inputs) == 0 {
			files = mentionedAvailable(req.MentionedFiles, req.AvailableFiles)
		}
		for _, f := range files {
			step.Inputs = appendUnique(step.Inputs, f)
			step.FilesUsed = appendUnique(step.FilesUsed, f)
		}

		arity := core.InputArity(atom)
		if len(step.Inputs) < arity && i > 0 && steps[i-1].OutputAlias != "" {
			step.Inputs = append([]string{steps[i-1].OutputAlias}, step.Inputs...)
		}
		if len(step.Inputs) == 0 && len(req.AvailableFiles) == arity {
			for _, f := range req.AvailableFiles {
				step.Inputs = append(step.Inputs, f)
				step.FilesUsed = append(step.FilesUsed, f)
			}
		}

		switch {
		case len(missing) > 0:
			step.NeedsClarification = true
			step.Clarification = fmt.Sprintf("I could not find %s among the results of this conversation. Which file should step %d use?",
				strings.Join(missing, ", "), number)
		case len(step.Inputs) == 0 && len(req.AvailableFiles) == 0:
			step.NeedsClarification = true
			step.Clarification = fmt.Sprintf("Step %d (%s) needs a dataset but no files are available. Please upload or select a file.", number, atom)
		case len(step.Inputs) < arity && len(req.AvailableFiles) == 0:
			step.NeedsClarification = true
			step.Clarification = fmt.Sprintf("Step %d (%s) needs %d dataset(s) but only %d is known and no files are available. Please upload or select a file.",
				number, atom, arity, len(step.Inputs))
		case len(step.Inputs) < arity:
			step.NeedsClarification = true
			step.Clarification = fmt.Sprintf("Step %d (%s) needs %d dataset(s). Which of %s should it use?",
				number, atom, arity, strings.Join(req.AvailableFiles, ", "))
		}

		name := outputNames[atom]
		if name == "" {
			name = strings.ReplaceAll(atom, "-", "_") + "_output"
		}
		if used[name] {
			name = fmt.Sprintf("%s_%d", name, number)
		}
		used[name] = true
		step.OutputAlias = core.AliasToken(name)
		known[name] = true

		steps = append(steps, step)
	}

	plan := core.NewPlan(steps)
	if err := plan.Validate(req.AvailableFiles, req.KnownAliases); err != nil {
		return core.Plan{}, err
	}
	return plan, nil
}

// stripAliasTokens blanks out alias tokens so that names like {merged_data}
// are not read as keywords or file stems.
func stripAliasTokens(clause string) string {
	return core.ReplaceAliasTokens(clause, func(string) (string, bool) { return " ", true })
}

// ClassifyAtom picks the atom for one clause. Alias tokens are ignored.
func ClassifyAtom(clause string) string {
	clause = stripAliasTokens(clause)
	lower := " " + strings.ToLower(clause) + " "
	for _, entry := range atomKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.atom
			}
		}
	}
	return core.AtomExplore
}

func splitClauses(prompt string) []string {
	var out []string
	for _, c := range clauseSplitRe.Split(prompt, -1) {
		c = strings.Trim(strings.TrimSpace(c), ",.")
		if c != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		out = []string{prompt}
	}
	return out
}

func describe(atom, clause string) string {
	verb := map[string]string{
		core.AtomMerge:          "Merge datasets",
		core.AtomConcat:         "Concatenate datasets",
		core.AtomGroupBy:        "Group and aggregate",
		core.AtomChartMaker:     "Build a chart",
		core.AtomDataFrameOps:   "Transform the dataset",
		core.AtomCreateColumn:   "Create columns",
		core.AtomFeatureSummary: "Summarize features",
		core.AtomCorrelation:    "Compute correlations",
		core.AtomExplore:        "Explore the data",
	}[atom]
	if verb == "" {
		verb = atom
	}
	return verb + ": " + clause
}

// matchFiles returns the available files named in the clause, in order of
// appearance. A file matches by full identifier, base name or stem.
func matchFiles(clause string, available []string) []string {
	lower := strings.ToLower(clause)
	type hit struct {
		file string
		pos  int
	}
	var hits []hit
	for _, f := range available {
		if pos := filePosition(lower, f); pos >= 0 {
			hits = append(hits, hit{f, pos})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.file)
	}
	return out
}

func filePosition(lowerClause, file string) int {
	full := strings.ToLower(file)
	if i := strings.Index(lowerClause, full); i >= 0 {
		return i
	}
	base := path.Base(full)
	if i := strings.Index(lowerClause, base); i >= 0 {
		return i
	}
	stem := strings.TrimSuffix(base, path.Ext(base))
	if len(stem) < 3 {
		return -1
	}
	re, err := regexp.Compile(`\b` + regexp.QuoteMeta(stem) + `\b`)
	if err != nil {
		return -1
	}
	if loc := re.FindStringIndex(lowerClause); loc != nil {
		return loc[0]
	}
	return -1
}

func mentionedAvailable(mentioned, available []string) []string {
	var out []string
	for _, m := range mentioned {
		for _, f := range available {
			if strings.EqualFold(m, f) || strings.EqualFold(path.Base(m), path.Base(f)) {
				out = appendUnique(out, f)
			}
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
