// Package refine implements a two-phase draft and review pipeline on top of
// a model client. Tools use it when their output has to satisfy a structural
// contract; progress of both phases is streamed through the tool's emitter.
package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/michaelbrown/lotse/internal/llm"
	"github.com/michaelbrown/lotse/internal/tools"
)

// Phases reported in the metadata of update chunks.
const (
	PhaseDraft  = "draft"
	PhaseReview = "review"
)

// approvedToken is the reply of a reviewer that accepts the draft unchanged.
const approvedToken = "APPROVED"

// ErrEmptyOutput is returned when the model produced no text.
var ErrEmptyOutput = errors.New("refine: model returned empty output")

// Contract is the structural requirement a draft must meet.
type Contract interface {
	Name() string
	// Describe returns the rules as prompt text.
	Describe() string
	// Check returns one human-readable entry per violation.
	Check(output string) []string
}

// Normalizer is implemented by contracts that clean up raw model output
// (for example by removing code fences) before it is checked or emitted.
type Normalizer interface {
	Normalize(output string) string
}

// ContractError reports output that still violates its contract after all
// revisions.
type ContractError struct {
	Contract   string
	Violations []string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: output violates contract: %s", e.Contract, strings.Join(e.Violations, "; "))
}

// Workflow drafts an output and has it reviewed against Contract.
type Workflow struct {
	Client       llm.Client
	Contract     Contract
	DraftPrompt  string
	ReviewPrompt string

	// MaxRevisions bounds review rounds. Default: 1.
	MaxRevisions int

	// Strict makes Run fail when the final output still violates Contract.
	Strict bool

	Logger *slog.Logger
}

// Run produces the reviewed output for input. The draft is appended to emit;
// a revision rolls it back and appends the replacement.
func (w *Workflow) Run(ctx context.Context, input string, emit tools.Emitter) (string, error) {
	if w.Client == nil || w.Contract == nil {
		return "", errors.New("refine: workflow needs a client and a contract")
	}
	if emit == nil {
		emit = tools.NopEmitter
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRev := w.MaxRevisions
	if maxRev <= 0 {
		maxRev = 1
	}

	if err := emit.Update("Entwurf wird erstellt …", map[string]any{"phase": PhaseDraft}); err != nil {
		return "", err
	}
	draft, err := w.complete(ctx, w.draftMessages(input))
	if err != nil {
		return "", fmt.Errorf("draft: %w", err)
	}
	if err := emit.Append(draft); err != nil {
		return "", err
	}

	for rev := 1; rev <= maxRev; rev++ {
		if err := emit.Update("Entwurf wird geprüft …", map[string]any{"phase": PhaseReview, "revision": rev}); err != nil {
			return "", err
		}

		violations := w.Contract.Check(draft)
		reply, err := w.complete(ctx, w.reviewMessages(input, draft, violations))
		if err != nil {
			return "", fmt.Errorf("review %d: %w", rev, err)
		}

		if isApproved(reply) {
			if len(violations) == 0 {
				logger.Debug("draft approved", "contract", w.Contract.Name(), "revision", rev)
				break
			}
			// The reviewer waved through a draft that breaks the rules; try
			// again with the same violations.
			logger.Debug("reviewer approved invalid draft", "contract", w.Contract.Name(), "violations", len(violations))
			continue
		}

		if err := emit.Rollback(); err != nil {
			return "", err
		}
		if err := emit.Append(reply); err != nil {
			return "", err
		}
		draft = reply
	}

	if w.Strict {
		if v := w.Contract.Check(draft); len(v) > 0 {
			return "", &ContractError{Contract: w.Contract.Name(), Violations: v}
		}
	}
	return draft, nil
}

func (w *Workflow) complete(ctx context.Context, msgs []llm.Message) (string, error) {
	resp, err := w.Client.ChatCompletion(ctx, msgs, nil)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Message.Content)
	if n, ok := w.Contract.(Normalizer); ok && !isApproved(out) {
		out = n.Normalize(out)
	}
	if out == "" {
		return "", ErrEmptyOutput
	}
	return out, nil
}

func (w *Workflow) draftMessages(input string) []llm.Message {
	system := strings.TrimSpace(w.DraftPrompt + "\n\nRegeln:\n" + w.Contract.Describe())
	return []llm.Message{
		llm.SystemMessage(system),
		llm.UserMessage(input),
	}
}

func (w *Workflow) reviewMessages(input, draft string, violations []string) []llm.Message {
	prompt := w.ReviewPrompt
	if prompt == "" {
		prompt = "Du prüfst einen Entwurf streng gegen die Regeln."
	}
	system := prompt + "\n\nRegeln:\n" + w.Contract.Describe() +
		"\n\nWenn der Entwurf alle Regeln erfüllt, antworte ausschließlich mit " + approvedToken +
		". Andernfalls gib ausschließlich die korrigierte Fassung aus, ohne Erklärung."

	var b strings.Builder
	fmt.Fprintf(&b, "Ausgangstext:\n%s\n\nEntwurf:\n%s\n", input, draft)
	if len(violations) > 0 {
		b.WriteString("\nAutomatisch gefundene Verstöße:\n")
		for _, v := range violations {
			fmt.Fprintf(&b, "- %s\n", v)
		}
	}
	return []llm.Message{
		llm.SystemMessage(system),
		llm.UserMessage(b.String()),
	}
}

func isApproved(reply string) bool {
	r := strings.TrimSpace(reply)
	r = strings.TrimRight(r, ".!")
	return strings.EqualFold(r, approvedToken)
}
