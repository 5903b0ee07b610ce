package config

import (
	"fmt"
	"strings"
)

// Provider override values. Empty means "sniff from the endpoint".
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Parameter exclusion filters. A model endpoint lists the filters that apply
// to it and the bridge omits the matching parameter at request assembly time.
const (
	NoTemperature      = "no_temperature"
	NoTopP             = "no_top_p"
	NoTopK             = "no_top_k"
	NoRepeatPenalty    = "no_repeat_penalty"
	NoRepeatLastN      = "no_repeat_last_n"
	NoNumPredict       = "no_num_predict"
	NoFrequencyPenalty = "no_frequency_penalty"
	NoMaxTokens        = "no_max_tokens"
)

var knownFilters = map[string]bool{
	NoTemperature:      true,
	NoTopP:             true,
	NoTopK:             true,
	NoRepeatPenalty:    true,
	NoRepeatLastN:      true,
	NoNumPredict:       true,
	NoFrequencyPenalty: true,
	NoMaxTokens:        true,
}

// ExclusionSet is the closed set of parameter filters active for one model.
type ExclusionSet map[string]bool

func NewExclusionSet(filters ...string) (ExclusionSet, error) {
	set := make(ExclusionSet, len(filters))
	for _, f := range filters {
		if !knownFilters[f] {
			return nil, fmt.Errorf("unknown parameter filter '%s'", f)
		}
		set[f] = true
	}
	return set, nil
}

func (s ExclusionSet) Excludes(filter string) bool {
	return s[filter]
}

// ModelParams holds sampling parameters. Pointer fields distinguish "not set"
// (omitted from the request) from an explicit zero.
type ModelParams struct {
	Temperature       *float64 `yaml:"temperature"`
	TopP              *float64 `yaml:"top_p"`
	TopK              *int     `yaml:"top_k"`
	RepeatPenalty     *float64 `yaml:"repeat_penalty"`
	RepeatLastN       *int     `yaml:"repeat_last_n"`
	NumPredict        *int     `yaml:"num_predict"`
	FrequencyPenalty  *float64 `yaml:"frequency_penalty"`
	MaxResponseTokens *int     `yaml:"max_response_tokens"`
	ResponseFormat    any      `yaml:"response_format"`
}

// Clone returns a deep copy so a fallback bridge can inherit sampling
// settings without aliasing the primary's pointers.
func (p ModelParams) Clone() ModelParams {
	out := p
	out.Temperature = clonePtr(p.Temperature)
	out.TopP = clonePtr(p.TopP)
	out.TopK = clonePtr(p.TopK)
	out.RepeatPenalty = clonePtr(p.RepeatPenalty)
	out.RepeatLastN = clonePtr(p.RepeatLastN)
	out.NumPredict = clonePtr(p.NumPredict)
	out.FrequencyPenalty = clonePtr(p.FrequencyPenalty)
	out.MaxResponseTokens = clonePtr(p.MaxResponseTokens)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// ModelEndpoint configures one callable model.
type ModelEndpoint struct {
	Name       string      `yaml:"name"`
	Provider   string      `yaml:"provider"`
	Endpoint   string      `yaml:"endpoint"`
	APIKey     string      `yaml:"api_key"`
	IsLocal    bool        `yaml:"is_local"`
	NoTools    bool        `yaml:"no_tools"`
	Exclusions []string    `yaml:"exclusions"`
	Params     ModelParams `yaml:"params"`

	exclusionSet ExclusionSet
}

func (m *ModelEndpoint) SetDefaults() {
	if m.Endpoint == "" && m.Provider == ProviderOllama {
		m.Endpoint = "http://localhost:11434"
	}
}

func (m *ModelEndpoint) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	switch m.Provider {
	case "", ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("unknown provider '%s'", m.Provider)
	}
	set, err := NewExclusionSet(m.Exclusions...)
	if err != nil {
		return err
	}
	m.exclusionSet = set
	return nil
}

// Excludes reports whether the named parameter filter applies to this model.
func (m *ModelEndpoint) Excludes(filter string) bool {
	if m.exclusionSet == nil {
		set, err := NewExclusionSet(m.Exclusions...)
		if err != nil {
			return false
		}
		m.exclusionSet = set
	}
	return m.exclusionSet.Excludes(filter)
}

// IsOllama reports whether requests should use the Ollama wire shape. An
// explicit provider override wins; otherwise the endpoint is sniffed.
func (m *ModelEndpoint) IsOllama() bool {
	switch m.Provider {
	case ProviderOllama:
		return true
	case ProviderOpenAI:
		return false
	}
	endpoint := strings.ToLower(m.Endpoint)
	return strings.Contains(endpoint, ":11434") || strings.Contains(endpoint, "ollama")
}

// NewStyleMaxTokens reports whether the model takes max_completion_tokens
// instead of max_tokens.
func (m *ModelEndpoint) NewStyleMaxTokens() bool {
	name := strings.ToLower(m.Name)
	return strings.HasPrefix(name, "o1") ||
		strings.HasPrefix(name, "gpt-4o") ||
		strings.HasPrefix(name, "gpt-5")
}
