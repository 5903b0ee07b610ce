package config

import (
	"fmt"
	"slices"
)

// ValidationOptions is the global response-validation configuration.
// Per-operation overrides live in Operations, keyed by normalized operation
// key (see scope.OperationKey).
type ValidationOptions struct {
	EnableChecker bool `yaml:"enable_checker"`

	// MaxRetries is a pointer so an explicit 0 ("exactly one attempt, never
	// retry") survives SetDefaults.
	MaxRetries       *int                       `yaml:"max_retries"`
	SkipRoles        []string                   `yaml:"skip_roles"`
	EnableFallback   bool                       `yaml:"enable_fallback"`
	AskFailureReason bool                       `yaml:"ask_failure_reason"`
	Operations       map[string]OperationPolicy `yaml:"operations"`
}

// OperationPolicy overrides validation behavior for one operation key.
// Pointer fields fall back to the global options when nil.
type OperationPolicy struct {
	RuleIDs          []string `yaml:"rule_ids"`
	EnableChecker    *bool    `yaml:"enable_checker"`
	MaxRetries       *int     `yaml:"max_retries"`
	AskFailureReason *bool    `yaml:"ask_failure_reason"`
}

// ResolvedPolicy is the effective policy for one call after merging the
// operation override onto the global defaults.
type ResolvedPolicy struct {
	OperationKey     string
	RuleIDs          []string
	EnableChecker    bool
	MaxRetries       int
	EnableFallback   bool
	AskFailureReason bool
}

func (v *ValidationOptions) SetDefaults() {
	if v.MaxRetries == nil {
		def := 2
		v.MaxRetries = &def
	}
	if len(v.SkipRoles) == 0 {
		v.SkipRoles = []string{"response_checker", "summarizer"}
	}
}

// GlobalMaxRetries returns the global retry budget, applying the default when
// the field was never set.
func (v *ValidationOptions) GlobalMaxRetries() int {
	if v.MaxRetries == nil {
		return 2
	}
	return *v.MaxRetries
}

func (v *ValidationOptions) Validate() error {
	if v.MaxRetries != nil && *v.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative")
	}
	for key, op := range v.Operations {
		if op.MaxRetries != nil && *op.MaxRetries < 0 {
			return fmt.Errorf("operation '%s': max_retries cannot be negative", key)
		}
	}
	return nil
}

// SkipRole reports whether calls made under the given agent role bypass
// validation entirely.
func (v *ValidationOptions) SkipRole(role string) bool {
	return slices.Contains(v.SkipRoles, role)
}

// Resolve merges the per-operation policy for opKey onto the global defaults.
func (v *ValidationOptions) Resolve(opKey string) ResolvedPolicy {
	resolved := ResolvedPolicy{
		OperationKey:     opKey,
		EnableChecker:    v.EnableChecker,
		MaxRetries:       v.GlobalMaxRetries(),
		EnableFallback:   v.EnableFallback,
		AskFailureReason: v.AskFailureReason,
	}

	op, ok := v.Operations[opKey]
	if !ok {
		return resolved
	}

	resolved.RuleIDs = slices.Clone(op.RuleIDs)
	if op.EnableChecker != nil {
		resolved.EnableChecker = *op.EnableChecker
	}
	if op.MaxRetries != nil {
		resolved.MaxRetries = *op.MaxRetries
	}
	if op.AskFailureReason != nil {
		resolved.AskFailureReason = *op.AskFailureReason
	}
	return resolved
}
