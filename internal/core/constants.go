// Package core provides the domain types, ports and centralized constants of
// the orchestrator. All packages should import from here to ensure consistency.
package core

// Atom identifiers
const (
	AtomMerge          = "merge"
	AtomConcat         = "concat"
	AtomGroupBy        = "groupby"
	AtomChartMaker     = "chart-maker"
	AtomDataFrameOps   = "dataframe-operations"
	AtomCreateColumn   = "create-column"
	AtomFeatureSummary = "feature-overview"
	AtomCorrelation    = "correlation"
	AtomExplore        = "explore"
)

// Atoms is the ordered catalog of atoms the planner may choose from.
var Atoms = []string{
	AtomMerge,
	AtomConcat,
	AtomGroupBy,
	AtomChartMaker,
	AtomDataFrameOps,
	AtomCreateColumn,
	AtomFeatureSummary,
	AtomCorrelation,
	AtomExplore,
}

// ValidAtoms is a map for O(1) atom validation.
var ValidAtoms = map[string]bool{
	AtomMerge:          true,
	AtomConcat:         true,
	AtomGroupBy:        true,
	AtomChartMaker:     true,
	AtomDataFrameOps:   true,
	AtomCreateColumn:   true,
	AtomFeatureSummary: true,
	AtomCorrelation:    true,
	AtomExplore:        true,
}

// IsValidAtom checks if the given atom identifier is in the catalog.
func IsValidAtom(atom string) bool {
	return ValidAtoms[atom]
}

// AtomDescriptions is shown to the planning model.
var AtomDescriptions = map[string]string{
	AtomMerge:          "join two datasets on one or more key columns",
	AtomConcat:         "stack datasets vertically or horizontally",
	AtomGroupBy:        "group rows and aggregate measures",
	AtomChartMaker:     "render a chart from a dataset",
	AtomDataFrameOps:   "filter, sort, rename or select columns",
	AtomCreateColumn:   "derive new columns from expressions",
	AtomFeatureSummary: "profile columns and summarize distributions",
	AtomCorrelation:    "compute correlations between numeric columns",
	AtomExplore:        "free-form exploration of a dataset",
}

// AtomInputArity is the number of datasets an atom consumes. Atoms not listed take one.
var AtomInputArity = map[string]int{
	AtomMerge:  2,
	AtomConcat: 2,
}

// InputArity returns how many datasets the atom consumes.
func InputArity(atom string) int {
	if n, ok := AtomInputArity[atom]; ok {
		return n
	}
	return 1
}

// CardSource tags cards created by the orchestrator.
const CardSource = "ai"

// ServiceName identifies this process in logs and audit documents.
const ServiceName = "labflow"
