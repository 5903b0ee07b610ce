// Package engine runs task executions: it parses step templates,
// interpolates prior-step context into each instruction, drives validated
// bridge calls (with the tool sub-loop), and persists every step.
package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var stepLineRe = regexp.MustCompile(`^\s*(\d+)[.):]\s*(.*)$`)

// ParseStepPrompt parses a numbered multiline step prompt into its ordered
// instructions. Lines that do not start a new number continue the previous
// step. Steps must be numbered 1..N without gaps.
func ParseStepPrompt(stepPrompt string) ([]string, error) {
	var steps []string
	current := -1

	for _, line := range strings.Split(stepPrompt, "\n") {
		if m := stepLineRe.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil && n == len(steps)+1 {
				steps = append(steps, m[2])
				current = len(steps) - 1
				continue
			}
		}
		if current >= 0 && strings.TrimSpace(line) != "" {
			steps[current] += "\n" + line
		}
	}

	if len(steps) == 0 {
		return nil, fmt.Errorf("step prompt contains no numbered steps")
	}
	for i := range steps {
		steps[i] = strings.TrimSpace(steps[i])
		if steps[i] == "" {
			return nil, fmt.Errorf("step %d is empty", i+1)
		}
	}
	return steps, nil
}

// parseCSVInts parses template metadata like "2,4" into step numbers.
func parseCSVInts(csv string) []int {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(csv, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && n > 0 {
			out = append(out, n)
		}
	}
	return out
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
