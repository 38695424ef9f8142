package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// Kind groups provider failures into the categories the caller reacts to.
type Kind string

const (
	// KindPolicy is a content-policy rejection; the conversation ends.
	KindPolicy Kind = "policy"
	// KindRateLimit means the provider throttled us; retry shortly.
	KindRateLimit Kind = "rate_limit"
	// KindGeneric covers everything else (network, 5xx, malformed replies).
	KindGeneric Kind = "generic"
)

// ProviderError is a failure at the model provider boundary.
type ProviderError struct {
	Provider string
	Model    string
	Kind     Kind
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s (%s): %s [status %d, %s]", e.Provider, e.Model, msg, e.Status, e.Kind)
	}
	return fmt.Sprintf("%s (%s): %s [%s]", e.Provider, e.Model, msg, e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Cause }

var policyMarkers = []string{
	"content_filter",
	"content_policy",
	"content policy",
	"content management policy",
	"responsibleaipolicyviolation",
}

func isPolicyText(s string) bool {
	s = strings.ToLower(s)
	for _, m := range policyMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Classify maps an error from a provider SDK to a Kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		switch {
		case oaErr.StatusCode == http.StatusTooManyRequests:
			return KindRateLimit
		case isPolicyText(oaErr.Code) || isPolicyText(oaErr.Message):
			return KindPolicy
		}
		return KindGeneric
	}

	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		switch {
		case anErr.StatusCode == http.StatusTooManyRequests, anErr.StatusCode == 529:
			return KindRateLimit
		case isPolicyText(anErr.RawJSON()):
			return KindPolicy
		}
		return KindGeneric
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"):
		return KindRateLimit
	case isPolicyText(msg):
		return KindPolicy
	}
	return KindGeneric
}

// wrapProviderError converts an SDK error into a *ProviderError. Context
// errors pass through unchanged so callers can tell cancellation apart.
func wrapProviderError(provider, model string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	out := &ProviderError{
		Provider: provider,
		Model:    model,
		Kind:     Classify(err),
		Cause:    err,
	}

	var oaErr *openai.Error
	var anErr *anthropic.Error
	switch {
	case errors.As(err, &oaErr):
		out.Status = oaErr.StatusCode
		out.Message = oaErr.Message
	case errors.As(err, &anErr):
		out.Status = anErr.StatusCode
		out.Message = anthropicMessage(anErr.RawJSON())
	}
	if out.Message == "" {
		out.Message = err.Error()
	}
	return out
}

func anthropicMessage(raw string) string {
	if raw == "" {
		return ""
	}
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(raw), &payload) != nil {
		return ""
	}
	return payload.Error.Message
}
