package toolbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/michaelbrown/lotse/internal/refine"
	"github.com/michaelbrown/lotse/internal/tools"
)

// DefaultJargon is the vocabulary plain-language output must avoid.
var DefaultJargon = []string{
	"gemäß", "diesbezüglich", "obliegt", "Bescheid", "Verwaltungsakt",
	"Rechtsbehelf", "unverzüglich", "vorbehaltlich", "nachstehend",
}

var sentenceEnd = regexp.MustCompile(`[.!?]+(\s+|$)`)

// SimplifyContract is the plain-language contract: short sentences, no
// jargon.
type SimplifyContract struct {
	MaxSentenceWords int
	Jargon           []string
}

func (c SimplifyContract) maxWords() int {
	if c.MaxSentenceWords <= 0 {
		return 15
	}
	return c.MaxSentenceWords
}

func (c SimplifyContract) Name() string { return "simplify" }

func (c SimplifyContract) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "- Jeder Satz hat höchstens %d Wörter.\n", c.maxWords())
	b.WriteString("- Verwende einfache, bekannte Wörter und aktive Formulierungen.\n")
	b.WriteString("- Erkläre unvermeidbare Fachbegriffe in einem eigenen Satz.\n")
	if len(c.Jargon) > 0 {
		fmt.Fprintf(&b, "- Diese Wörter sind verboten: %s.\n", strings.Join(c.Jargon, ", "))
	}
	b.WriteString("- Der Inhalt des Ausgangstextes bleibt vollständig erhalten.")
	return b.String()
}

func (c SimplifyContract) Check(out string) []string {
	var violations []string
	for i, s := range splitSentences(out) {
		if n := len(strings.Fields(s)); n > c.maxWords() {
			violations = append(violations, fmt.Sprintf("Satz %d hat %d Wörter (erlaubt: %d)", i+1, n, c.maxWords()))
		}
	}
	lower := strings.ToLower(out)
	for _, j := range c.Jargon {
		if containsWord(lower, strings.ToLower(j)) {
			violations = append(violations, fmt.Sprintf("verbotenes Wort „%s“", j))
		}
	}
	return violations
}

func splitSentences(text string) []string {
	var out []string
	for _, s := range sentenceEnd.Split(strings.TrimSpace(text), -1) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func containsWord(text, word string) bool {
	re, err := regexp.Compile(`(^|[^\p{L}])` + regexp.QuoteMeta(word) + `($|[^\p{L}])`)
	if err != nil {
		return strings.Contains(text, word)
	}
	return re.MatchString(text)
}

const simplifyDraftPrompt = `Du übersetzt Texte in einfache Sprache für Bürgerinnen und Bürger.
Gib nur den vereinfachten Text aus.`

const simplifyReviewPrompt = `Du prüfst, ob ein Text in einfacher Sprache alle Regeln erfüllt und nichts Wichtiges aus dem Ausgangstext fehlt.`

func simplifyDescriptor(deps Deps) tools.Descriptor {
	contract := SimplifyContract{MaxSentenceWords: deps.MaxSentenceWords, Jargon: deps.Jargon}
	if contract.Jargon == nil {
		contract.Jargon = DefaultJargon
	}

	return tools.Descriptor{
		Name: "simplify",
		Locales: map[string]tools.Localized{
			"de": {
				Title:   "Einfache Sprache",
				Summary: "Formuliert einen Text in einfache, gut verständliche Sprache um.",
				Instructions: "Nutze `simplify`, wenn die Nutzerin oder der Nutzer einen Text verständlicher haben möchte. " +
					"Übergib den vollständigen Originaltext im Feld `text`. Das Ergebnis ist bereits geprüft; " +
					"gib es ohne weitere Änderungen wieder.",
			},
			"en": {
				Title:   "Plain language",
				Summary: "Rewrites a text in plain, easy to understand language.",
				Instructions: "Use `simplify` when the user wants a text to be easier to understand. " +
					"Pass the complete original text in `text`. The result has already been reviewed; " +
					"return it without further changes.",
			},
		},
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "Der zu vereinfachende Text",
				},
			},
			"required": []string{"text"},
		},
		Handler: func(ctx context.Context, args map[string]any, emit tools.Emitter) (string, error) {
			text, _ := args["text"].(string)
			w := &refine.Workflow{
				Client:       deps.Client,
				Contract:     contract,
				DraftPrompt:  simplifyDraftPrompt,
				ReviewPrompt: simplifyReviewPrompt,
				MaxRevisions: deps.MaxRevisions,
				Logger:       deps.Logger,
			}
			return w.Run(ctx, text, emit)
		},
	}
}
