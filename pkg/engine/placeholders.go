package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Placeholder grammar:
//
//	{{STEP_<k>}}                 full output of step k
//	{{STEP_<k>_EXTRACT:<sec>}}   section extracted from step k by heading
//	{{STEP_<k>_SUMMARY}}         summarizer-derived summary of step k
//	{{STEPS_<a>-<b>_SUMMARY}}    summary of the concatenation of steps a..b
//
// Every referenced step must precede the current one (k < n).

var placeholderRe = regexp.MustCompile(
	`\{\{STEP_(\d+)\}\}|\{\{STEP_(\d+)_EXTRACT:([^}]+)\}\}|\{\{STEP_(\d+)_SUMMARY\}\}|\{\{STEPS_(\d+)-(\d+)_SUMMARY\}\}`)

// SummaryFunc produces a summary of prior-step text, typically through the
// summarizer role. Results are cached by the caller.
type SummaryFunc func(ctx context.Context, text string) (string, error)

// interpolator resolves placeholders against the outputs of completed steps.
type interpolator struct {
	outputs   map[int]string
	summarize SummaryFunc

	// summaries caches lazily computed summaries for the execution lifetime,
	// keyed by the placeholder span ("3" or "1-4").
	summaries map[string]string
}

func newInterpolator(summarize SummaryFunc) *interpolator {
	return &interpolator{
		outputs:   make(map[int]string),
		summarize: summarize,
		summaries: make(map[string]string),
	}
}

func (ip *interpolator) setOutput(step int, output string) {
	ip.outputs[step] = output
}

// Interpolate resolves every placeholder in the instruction for step n.
func (ip *interpolator) Interpolate(ctx context.Context, instruction string, n int) (string, error) {
	var firstErr error

	result := placeholderRe.ReplaceAllStringFunc(instruction, func(match string) string {
		if firstErr != nil {
			return match
		}
		replaced, err := ip.resolve(ctx, match, n)
		if err != nil {
			firstErr = err
			return match
		}
		return replaced
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func (ip *interpolator) resolve(ctx context.Context, match string, n int) (string, error) {
	groups := placeholderRe.FindStringSubmatch(match)

	switch {
	case groups[1] != "": // {{STEP_k}}
		k, _ := strconv.Atoi(groups[1])
		return ip.stepOutput(k, n)

	case groups[2] != "": // {{STEP_k_EXTRACT:sec}}
		k, _ := strconv.Atoi(groups[2])
		output, err := ip.stepOutput(k, n)
		if err != nil {
			return "", err
		}
		return extractSection(output, strings.TrimSpace(groups[3])), nil

	case groups[4] != "": // {{STEP_k_SUMMARY}}
		k, _ := strconv.Atoi(groups[4])
		output, err := ip.stepOutput(k, n)
		if err != nil {
			return "", err
		}
		return ip.summary(ctx, groups[4], output)

	default: // {{STEPS_a-b_SUMMARY}}
		a, _ := strconv.Atoi(groups[5])
		b, _ := strconv.Atoi(groups[6])
		if a > b {
			return "", fmt.Errorf("invalid placeholder %s: range start exceeds end", match)
		}
		var parts []string
		for k := a; k <= b; k++ {
			output, err := ip.stepOutput(k, n)
			if err != nil {
				return "", err
			}
			parts = append(parts, output)
		}
		return ip.summary(ctx, fmt.Sprintf("%d-%d", a, b), strings.Join(parts, "\n\n"))
	}
}

func (ip *interpolator) stepOutput(k, n int) (string, error) {
	if k < 1 || k >= n {
		return "", fmt.Errorf("step %d references step %d: only prior steps may be referenced", n, k)
	}
	output, ok := ip.outputs[k]
	if !ok {
		return "", fmt.Errorf("step %d output is not available", k)
	}
	return output, nil
}

func (ip *interpolator) summary(ctx context.Context, key, text string) (string, error) {
	if cached, ok := ip.summaries[key]; ok {
		return cached, nil
	}
	if ip.summarize == nil {
		return "", fmt.Errorf("no summarizer configured for summary placeholder")
	}
	summary, err := ip.summarize(ctx, text)
	if err != nil {
		return "", fmt.Errorf("failed to summarize steps %s: %w", key, err)
	}
	ip.summaries[key] = summary
	return summary, nil
}

var headingRe = regexp.MustCompile(`^\s*(#{1,6}\s+|[A-Z][^a-z\n]{2,}$|\*\*.+\*\*:?\s*$|.+:\s*$)`)

// extractSection pulls the lines under the heading matching section
// (case-insensitive substring) up to the next heading. Falls back to the
// full output when the heading is absent.
func extractSection(output, section string) string {
	lines := strings.Split(output, "\n")
	lower := strings.ToLower(section)

	start := -1
	for i, line := range lines {
		if headingRe.MatchString(line) && strings.Contains(strings.ToLower(line), lower) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return output
	}

	end := len(lines)
	for i := start; i < len(lines); i++ {
		if headingRe.MatchString(lines[i]) && strings.TrimSpace(lines[i]) != "" {
			end = i
			break
		}
	}

	return strings.TrimSpace(strings.Join(lines[start:end], "\n"))
}
