package tools

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/text/language"

	"github.com/michaelbrown/lotse/internal/llm"
)

// Handler is the fixed invocation signature every tool implements. It
// returns the textual result or an error; progress goes through emit.
type Handler func(ctx context.Context, args map[string]any, emit Emitter) (string, error)

// Emitter streams progress of a single tool invocation.
type Emitter interface {
	// Update replaces the progress display (e.g. "drafting...").
	Update(content string, meta map[string]any) error
	// Append adds a fragment of partial output.
	Append(content string) error
	// Rollback discards everything appended or updated so far.
	Rollback() error
}

// ErrNothingToRollback is returned by Rollback before any Update or Append.
var ErrNothingToRollback = errors.New("tools: rollback without prior update or append")

// NopEmitter discards progress.
var NopEmitter Emitter = nopEmitter{}

type nopEmitter struct{}

func (nopEmitter) Update(string, map[string]any) error { return nil }
func (nopEmitter) Append(string) error                 { return nil }
func (nopEmitter) Rollback() error                     { return nil }

// Localized is the language-specific text of a tool.
type Localized struct {
	Title        string `json:"title" yaml:"title"`
	Summary      string `json:"summary" yaml:"summary"`
	Instructions string `json:"instructions" yaml:"instructions"`
}

// Descriptor describes a tool. Locales is keyed by BCP 47 tag ("de", "en").
type Descriptor struct {
	Name        string
	Locales     map[string]Localized
	InputSchema map[string]any
	Handler     Handler
}

// Metadata is a descriptor rendered in one language.
type Metadata struct {
	Name         string         `json:"name"`
	Language     string         `json:"language"`
	Title        string         `json:"title"`
	Summary      string         `json:"summary"`
	Instructions string         `json:"instructions"`
	InputSchema  map[string]any `json:"input_schema"`
}

// localizer picks the best locale of a descriptor for a requested language.
type localizer struct {
	keys    []string
	matcher language.Matcher
}

// newLocalizer orders fallback first so a failed match lands on it.
func newLocalizer(locales map[string]Localized, fallback string) localizer {
	keys := make([]string, 0, len(locales))
	for k := range locales {
		if k != fallback {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if _, ok := locales[fallback]; ok {
		keys = append([]string{fallback}, keys...)
	}

	tags := make([]language.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, language.Make(k))
	}
	l := localizer{keys: keys}
	if len(tags) > 0 {
		l.matcher = language.NewMatcher(tags)
	}
	return l
}

// pick returns the locale key for lang. lang may be a tag or an
// Accept-Language header value.
func (l localizer) pick(lang string) string {
	if len(l.keys) == 0 {
		return ""
	}
	if lang == "" || l.matcher == nil {
		return l.keys[0]
	}
	requested, _, err := language.ParseAcceptLanguage(lang)
	if err != nil || len(requested) == 0 {
		return l.keys[0]
	}
	_, idx, conf := l.matcher.Match(requested...)
	if conf == language.No || idx < 0 || idx >= len(l.keys) {
		return l.keys[0]
	}
	return l.keys[idx]
}

// Bound is a resolved tool ready to be exposed to the model and invoked.
type Bound struct {
	entry *entry
}

// Name returns the tool name.
func (b Bound) Name() string { return b.entry.desc.Name }

// Handler returns the tool's callable.
func (b Bound) Handler() Handler { return b.entry.desc.Handler }

// Localized returns the tool text for lang, falling back to the registry
// default language.
func (b Bound) Localized(lang string) Localized {
	return b.entry.desc.Locales[b.entry.loc.pick(lang)]
}

// ToolDef renders the model-facing schema in lang.
func (b Bound) ToolDef(lang string) llm.ToolDef {
	loc := b.Localized(lang)
	return llm.ToolDef{
		Name:        b.entry.desc.Name,
		Description: loc.Summary,
		Parameters:  b.entry.desc.InputSchema,
	}
}

// ValidateArgs checks args against the input schema. Failures are *ArgumentError.
func (b Bound) ValidateArgs(args map[string]any) error {
	return validateArgs(b.entry.desc.Name, b.entry.schema, args)
}
