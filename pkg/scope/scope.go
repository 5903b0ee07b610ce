// Package scope carries per-call correlation metadata as an explicit context
// value. The original system kept this in thread-local state; here every
// public operation receives it through context.Context so cancellation and
// correlation travel together.
package scope

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type contextKey struct{}

// Scope identifies one logical call site inside a task execution.
type Scope struct {
	// Operation is the ambient scope string, e.g. "story/add_voice_tags_to_story"
	// or "tests/base/gpt-4o". It selects the validation policy.
	Operation string

	// ThreadID groups the response-log rows of one execution.
	ThreadID string

	// OperationID is optional and distinguishes repeated operations within a
	// thread (e.g. chapter number).
	OperationID string

	AgentName string
	AgentRole string
}

// New returns a Scope with a freshly minted thread id.
func New(operation string) Scope {
	return Scope{Operation: operation, ThreadID: uuid.NewString()}
}

// WithScope attaches s to ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the scope attached to ctx. The zero Scope is returned
// when none is set; callers treat that as "no policy, no skip roles".
func FromContext(ctx context.Context) Scope {
	s, _ := ctx.Value(contextKey{}).(Scope)
	return s
}

// WithAgent returns a copy of s bound to an agent identity.
func (s Scope) WithAgent(name, role string) Scope {
	s.AgentName = name
	s.AgentRole = role
	return s
}

// WithOperation returns a copy of s pointing at a different operation while
// keeping the thread correlation.
func (s Scope) WithOperation(operation string) Scope {
	s.Operation = operation
	return s
}

// OperationKey normalizes the ambient operation string into a validation
// policy key. Scopes shaped "tests/<group>/<model>" resolve to "test_<group>"
// with the group lowercased and non-alphanumerics folded to underscores;
// anything else resolves to itself.
func (s Scope) OperationKey() string {
	op := s.Operation
	if op == "" {
		return ""
	}
	parts := strings.Split(op, "/")
	if len(parts) == 3 && parts[0] == "tests" {
		return "test_" + normalizeGroup(parts[1])
	}
	return op
}

func normalizeGroup(group string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(group) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
