package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrModelRejectsTools marks the provider reporting that the target model
// cannot accept a tools array. Callers re-run the step without tools.
var ErrModelRejectsTools = errors.New("model does not support tools")

// ProviderHTTPError is a non-2xx answer from the model endpoint.
type ProviderHTTPError struct {
	Model      string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderHTTPError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("provider returned HTTP %d for model '%s': %s", e.StatusCode, e.Model, body)
}

func (e *ProviderHTTPError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if rejectsTools(e.Body) {
		return ErrModelRejectsTools
	}
	return nil
}

func rejectsTools(body string) bool {
	return strings.Contains(body, "does not support tools")
}

func newProviderError(model string, statusCode int, body string, err error) error {
	pe := &ProviderHTTPError{Model: model, StatusCode: statusCode, Body: body, Err: err}
	if rejectsTools(body) {
		pe.Err = ErrModelRejectsTools
	}
	return pe
}
