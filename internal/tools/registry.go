package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultLanguage is used when a requested language is not available.
const DefaultLanguage = "de"

// ErrSealed is returned by Register after Seal.
var ErrSealed = errors.New("tools: registry is sealed")

// UnknownToolError reports tool names that are not registered (or not
// enabled for the current run).
type UnknownToolError struct {
	Names []string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", strings.Join(e.Names, ", "))
}

type entry struct {
	desc   Descriptor
	loc    localizer
	schema *jsonschema.Schema
}

// Registry holds the process-wide set of tools. Tools are registered at
// startup; after Seal it is read-only and safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	order       []string                  // registration order
	connections map[string]*MCPConnection // server name → connection
	defaultLang string
	sealed      bool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:     make(map[string]*entry),
		connections: make(map[string]*MCPConnection),
		defaultLang: DefaultLanguage,
	}
}

// SetDefaultLanguage changes the fallback language. Must be called before
// tools are registered.
func (r *Registry) SetDefaultLanguage(lang string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lang != "" {
		r.defaultLang = lang
	}
}

// Register adds a descriptor, replacing any tool of the same name. The input
// schema is compiled here so a broken schema fails at startup.
func (r *Registry) Register(desc Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("registering tool: empty name")
	}
	if desc.Handler == nil {
		return fmt.Errorf("registering tool %s: nil handler", desc.Name)
	}
	if desc.InputSchema == nil {
		desc.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	schema, err := compileSchema(desc.Name, desc.InputSchema)
	if err != nil {
		return fmt.Errorf("registering tool %s: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if _, exists := r.entries[desc.Name]; !exists {
		r.order = append(r.order, desc.Name)
	}
	r.entries[desc.Name] = &entry{
		desc:   desc,
		loc:    newLocalizer(desc.Locales, r.defaultLang),
		schema: schema,
	}
	return nil
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Resolve returns bound tools for names in the given order. A repeated name
// is bound once, at its first position. Every missing name is reported in a
// single *UnknownToolError.
func (r *Registry) Resolve(names []string) ([]Bound, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names = dedupe(names)
	bound := make([]Bound, 0, len(names))
	var missing []string
	for _, n := range names {
		e, ok := r.entries[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		bound = append(bound, Bound{entry: e})
	}
	if len(missing) > 0 {
		return nil, &UnknownToolError{Names: missing}
	}
	return bound, nil
}

// ListMetadata returns every tool rendered in lang, sorted by name.
func (r *Registry) ListMetadata(lang string) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := append([]string(nil), r.order...)
	sort.Strings(names)

	out := make([]Metadata, 0, len(names))
	for _, n := range names {
		e := r.entries[n]
		key := e.loc.pick(lang)
		loc := e.desc.Locales[key]
		out = append(out, Metadata{
			Name:         n,
			Language:     key,
			Title:        loc.Title,
			Summary:      loc.Summary,
			Instructions: loc.Instructions,
			InputSchema:  e.desc.InputSchema,
		})
	}
	return out
}

// Instructions concatenates the usage blocks of the named tools in input
// order. Unknown names are skipped, repeated ones rendered once.
func (r *Registry) Instructions(names []string, lang string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var blocks []string
	for _, n := range dedupe(names) {
		e, ok := r.entries[n]
		if !ok {
			continue
		}
		loc := e.desc.Locales[e.loc.pick(lang)]
		title := loc.Title
		if title == "" {
			title = n
		}
		text := loc.Instructions
		if text == "" {
			text = loc.Summary
		}
		blocks = append(blocks, fmt.Sprintf("### %s (`%s`)\n%s", title, n, strings.TrimSpace(text)))
	}
	return strings.Join(blocks, "\n\n")
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// Names returns all registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// HasTools returns true if any tools are registered.
func (r *Registry) HasTools() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries) > 0
}

// AddServer launches an MCP tool server and registers every tool it offers.
func (r *Registry) AddServer(name string, cfg ToolServerConfig) error {
	if !cfg.Enabled {
		return nil
	}

	conn, err := NewMCPConnection(name, cfg)
	if err != nil {
		return err
	}

	for _, desc := range conn.Descriptors(cfg.Language) {
		if err := r.Register(desc); err != nil {
			conn.Close()
			return err
		}
	}

	r.mu.Lock()
	r.connections[name] = conn
	r.mu.Unlock()
	return nil
}

// Close shuts down all MCP server connections.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, conn := range r.connections {
		conn.Close()
		delete(r.connections, name)
	}
}
