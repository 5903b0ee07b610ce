package engine

import (
	"fmt"
	"strings"
)

// Output merge strategies, set per task type.
const (
	MergeAccumulateChapters = "accumulate_chapters"
	MergeLastOnly           = "last_only"
)

// MergeOutputs combines the ordered step outputs into the execution's final
// artifact according to the task type's strategy.
func MergeOutputs(strategy string, outputs []string) (string, error) {
	switch strategy {
	case MergeAccumulateChapters, "":
		var parts []string
		for _, out := range outputs {
			if trimmed := strings.TrimSpace(out); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		return strings.Join(parts, "\n\n"), nil
	case MergeLastOnly:
		for i := len(outputs) - 1; i >= 0; i-- {
			if trimmed := strings.TrimSpace(outputs[i]); trimmed != "" {
				return trimmed, nil
			}
		}
		return "", nil
	default:
		return "", fmt.Errorf("unknown output merge strategy '%s'", strategy)
	}
}
