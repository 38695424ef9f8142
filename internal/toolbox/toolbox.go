// Package toolbox contains the built-in tools that run in-process.
package toolbox

import (
	"log/slog"

	"github.com/michaelbrown/lotse/internal/llm"
	"github.com/michaelbrown/lotse/internal/tools"
)

// Deps are the collaborators of the built-in tools.
type Deps struct {
	// Client drafts and reviews; usually the utility model.
	Client llm.Client

	MaxRevisions     int
	MaxSentenceWords int
	Jargon           []string
	Logger           *slog.Logger
}

// Register adds every built-in tool to r.
func Register(r *tools.Registry, deps Deps) error {
	for _, d := range []tools.Descriptor{
		simplifyDescriptor(deps),
		diagramDescriptor(deps),
	} {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
