// Package intent classifies a user turn into one of a closed set of intents.
package intent

import "github.com/rcliao/agent-context/internal/model"

// Intent is what the user is trying to do with a turn.
type Intent string

const (
	RetrieveInsights   Intent = "retrieve-insights"
	RetrieveMetrics    Intent = "retrieve-metrics"
	RetrieveJTBDs      Intent = "retrieve-jtbds"
	GenerateQuestions  Intent = "generate-questions"
	CreateSolutions    Intent = "create-solutions"
	GeneralExploration Intent = "general-exploration"
)

// All lists every intent in classification order. Ties are broken by this order.
var All = []Intent{
	RetrieveInsights,
	RetrieveMetrics,
	RetrieveJTBDs,
	GenerateQuestions,
	CreateSolutions,
	GeneralExploration,
}

var pickerLimits = map[Intent]int{
	RetrieveInsights: 10,
	RetrieveMetrics:  5,
	RetrieveJTBDs:    8,
}

var retrievalTypes = map[Intent]model.ItemType{
	RetrieveInsights: model.ItemInsight,
	RetrieveMetrics:  model.ItemMetric,
	RetrieveJTBDs:    model.ItemJTBD,
}

// Valid reports whether s names a known intent.
func Valid(s string) bool {
	for _, i := range All {
		if string(i) == s {
			return true
		}
	}
	return false
}

// RequiresContext reports whether the intent cannot proceed without selected context.
func RequiresContext(i Intent) bool {
	return i == GenerateQuestions || i == CreateSolutions
}

// IsRetrieval reports whether the intent is a pure retrieval with no generation.
func IsRetrieval(i Intent) bool {
	_, ok := retrievalTypes[i]
	return ok
}

// IsGeneration reports whether the intent produces generated items.
func IsGeneration(i Intent) bool {
	return i == GenerateQuestions || i == CreateSolutions
}

// ItemType returns the item type a retrieval intent searches for.
func ItemType(i Intent) (model.ItemType, bool) {
	t, ok := retrievalTypes[i]
	return t, ok
}

// PickerLimit returns how many candidates a retrieval intent offers, or 0.
func PickerLimit(i Intent) int {
	return pickerLimits[i]
}
