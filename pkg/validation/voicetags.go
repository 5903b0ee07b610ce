package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Voice-tag check for the add-voice-tags operation: the response must be a
// mapping {line_id -> tags} covering every dialogue line id declared in the
// user prompt, and each entry must carry both a character and an emotion tag.

var (
	dialogueHeadingRe = regexp.MustCompile(`(?i)dialogue lines`)
	dialogueLineIDRe  = regexp.MustCompile(`^\s*\[?(\d{1,6})\]?\s*[:.)\]]`)
	bracketTagRe      = regexp.MustCompile(`\[([^\[\]]+)\]`)
)

// declaredLineIDs extracts the dialogue line ids from the prompt's
// "dialogue lines" section. Zero-padded ids keep their textual form.
func declaredLineIDs(prompt string) []string {
	lines := strings.Split(prompt, "\n")
	inSection := false
	var ids []string
	for _, line := range lines {
		if !inSection {
			if dialogueHeadingRe.MatchString(line) {
				inSection = true
			}
			continue
		}
		if m := dialogueLineIDRe.FindStringSubmatch(line); m != nil {
			ids = append(ids, m[1])
		}
	}
	return ids
}

func checkVoiceTags(responseText, prompt string) *Verdict {
	declared := declaredLineIDs(prompt)
	if len(declared) == 0 {
		return validVerdict()
	}

	payload := extractJSONObject(responseText)
	if payload == "" {
		return invalidVerdict("voice-tag response is not a JSON mapping", true)
	}

	var mapping map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &mapping); err != nil {
		return invalidVerdict("voice-tag response is not a JSON mapping", true)
	}

	var missing, incomplete []string
	for _, id := range declared {
		entry, ok := lookupLineEntry(mapping, id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		if !entryHasBothTags(entry) {
			incomplete = append(incomplete, id)
		}
	}

	if len(missing) == 0 && len(incomplete) == 0 {
		return validVerdict()
	}

	sort.Strings(missing)
	sort.Strings(incomplete)

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing line ids: "+strings.Join(missing, ", "))
	}
	if len(incomplete) > 0 {
		parts = append(parts, "entries without both character and emotion tags: "+strings.Join(incomplete, ", "))
	}
	reason := "incomplete voice-tag mapping (" + strings.Join(parts, "; ") + ")"

	v := invalidVerdict(reason, true)
	v.SystemMessageOverride = fmt.Sprintf(
		"Your previous mapping was incomplete: %s. Return one JSON mapping that covers every declared dialogue line id, each entry with both a character tag and an emotion tag.",
		strings.Join(parts, "; "))
	return v
}

// lookupLineEntry tolerates keys with and without zero padding.
func lookupLineEntry(mapping map[string]json.RawMessage, id string) (json.RawMessage, bool) {
	if entry, ok := mapping[id]; ok {
		return entry, true
	}
	trimmed := strings.TrimLeft(id, "0")
	if trimmed == "" {
		trimmed = "0"
	}
	if entry, ok := mapping[trimmed]; ok {
		return entry, true
	}
	return nil, false
}

// entryHasBothTags accepts the object form {"character": ..., "emotion": ...}
// and the string form "[Aria][excited]" with at least two bracketed tags.
func entryHasBothTags(entry json.RawMessage) bool {
	var obj map[string]any
	if err := json.Unmarshal(entry, &obj); err == nil {
		character, _ := obj["character"].(string)
		emotion, _ := obj["emotion"].(string)
		return strings.TrimSpace(character) != "" && strings.TrimSpace(emotion) != ""
	}

	var str string
	if err := json.Unmarshal(entry, &str); err == nil {
		return len(bracketTagRe.FindAllString(str, -1)) >= 2
	}

	return false
}
