package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/michaelbrown/lotse/internal/refine"
	"github.com/michaelbrown/lotse/internal/tools"
)

// Step kinds of a process diagram.
const (
	KindStart    = "start"
	KindStep     = "step"
	KindDecision = "decision"
	KindEnd      = "end"
)

// stepID is the id syntax Mermaid accepts as a bare node name.
var stepID = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Diagram is a process flow as produced by the model.
type Diagram struct {
	Title string `json:"title,omitempty"`
	Steps []Step `json:"steps"`
	Edges []Edge `json:"edges"`
}

type Step struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// ParseDiagram decodes a diagram, tolerating a surrounding code fence.
func ParseDiagram(raw string) (*Diagram, error) {
	var d Diagram
	if err := json.Unmarshal([]byte(stripFence(raw)), &d); err != nil {
		return nil, fmt.Errorf("decoding diagram: %w", err)
	}
	return &d, nil
}

// Validate returns every structural problem of d.
func (d *Diagram) Validate() []string {
	var problems []string
	if len(d.Steps) == 0 {
		return []string{"das Diagramm enthält keine Schritte"}
	}

	ids := make(map[string]Step, len(d.Steps))
	var starts []string
	for i, s := range d.Steps {
		switch {
		case s.ID == "":
			problems = append(problems, fmt.Sprintf("Schritt %d hat keine id", i+1))
			continue
		case !stepID.MatchString(s.ID):
			problems = append(problems, fmt.Sprintf("id „%s“ darf nur Buchstaben, Ziffern und Unterstriche enthalten", s.ID))
		case ids[s.ID].ID != "":
			problems = append(problems, fmt.Sprintf("id „%s“ ist doppelt vergeben", s.ID))
		}
		ids[s.ID] = s
		switch s.Kind {
		case KindStart:
			starts = append(starts, s.ID)
		case KindStep, KindDecision, KindEnd:
		default:
			problems = append(problems, fmt.Sprintf("Schritt „%s“ hat die unbekannte Art „%s“", s.ID, s.Kind))
		}
	}
	if len(starts) != 1 {
		problems = append(problems, fmt.Sprintf("es muss genau einen Startschritt geben, gefunden: %d", len(starts)))
	}

	next := make(map[string][]string)
	for _, e := range d.Edges {
		_, fromOK := ids[e.From]
		_, toOK := ids[e.To]
		if !fromOK || !toOK {
			problems = append(problems, fmt.Sprintf("Verbindung %s → %s verweist auf einen unbekannten Schritt", e.From, e.To))
			continue
		}
		next[e.From] = append(next[e.From], e.To)
	}

	if len(starts) == 1 {
		seen := map[string]bool{starts[0]: true}
		queue := []string{starts[0]}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, n := range next[cur] {
				if !seen[n] {
					seen[n] = true
					queue = append(queue, n)
				}
			}
		}
		for _, s := range d.Steps {
			if s.ID != "" && !seen[s.ID] {
				problems = append(problems, fmt.Sprintf("Schritt „%s“ ist vom Start aus nicht erreichbar", s.ID))
			}
		}
	}
	return problems
}

// Mermaid renders d as a Mermaid flowchart.
func (d *Diagram) Mermaid() string {
	var b strings.Builder
	if d.Title != "" {
		fmt.Fprintf(&b, "---\ntitle: %s\n---\n", d.Title)
	}
	b.WriteString("flowchart TD\n")
	for _, s := range d.Steps {
		label := strings.ReplaceAll(s.Label, `"`, "'")
		switch s.Kind {
		case KindStart, KindEnd:
			fmt.Fprintf(&b, "    %s([\"%s\"])\n", s.ID, label)
		case KindDecision:
			fmt.Fprintf(&b, "    %s{\"%s\"}\n", s.ID, label)
		default:
			fmt.Fprintf(&b, "    %s[\"%s\"]\n", s.ID, label)
		}
	}
	for _, e := range d.Edges {
		if e.Label != "" {
			fmt.Fprintf(&b, "    %s -->|%s| %s\n", e.From, strings.ReplaceAll(e.Label, "|", "/"), e.To)
		} else {
			fmt.Fprintf(&b, "    %s --> %s\n", e.From, e.To)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// DiagramContract requires a valid step/flow graph in JSON.
type DiagramContract struct{}

func (DiagramContract) Name() string { return "diagram" }

func (DiagramContract) Describe() string {
	return `- Antworte ausschließlich mit JSON der Form {"title": "...", "steps": [{"id": "...", "label": "...", "kind": "start|step|decision|end"}], "edges": [{"from": "...", "to": "...", "label": "..."}]}.
- Jede id ist eindeutig und besteht nur aus Buchstaben, Ziffern und Unterstrichen.
- Es gibt genau einen Schritt mit kind "start".
- Jede Verbindung verweist auf vorhandene ids.
- Jeder Schritt ist vom Start aus erreichbar.
- Entscheidungen haben beschriftete Verbindungen (zum Beispiel "ja" und "nein").`
}

func (DiagramContract) Check(out string) []string {
	d, err := ParseDiagram(out)
	if err != nil {
		return []string{"die Ausgabe ist kein gültiges JSON: " + err.Error()}
	}
	return d.Validate()
}

func (DiagramContract) Normalize(out string) string {
	return stripFence(out)
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

const diagramDraftPrompt = `Du strukturierst Prozessbeschreibungen als Ablaufdiagramm.`

const diagramReviewPrompt = `Du prüfst ein Ablaufdiagramm im JSON-Format auf Vollständigkeit und Korrektheit gegenüber der Prozessbeschreibung.`

func diagramDescriptor(deps Deps) tools.Descriptor {
	return tools.Descriptor{
		Name: "diagram",
		Locales: map[string]tools.Localized{
			"de": {
				Title:   "Ablaufdiagramm",
				Summary: "Erstellt aus einer Prozessbeschreibung ein geprüftes Ablaufdiagramm (Mermaid).",
				Instructions: "Nutze `diagram`, wenn ein Ablauf oder Prozess visualisiert werden soll. " +
					"Übergib die Beschreibung im Feld `description`. Das Ergebnis ist ein Mermaid-Codeblock, " +
					"den du unverändert in deine Antwort übernimmst.",
			},
			"en": {
				Title:   "Flow diagram",
				Summary: "Turns a process description into a reviewed flow diagram (Mermaid).",
				Instructions: "Use `diagram` when a process should be visualised. " +
					"Pass the description in `description`. The result is a Mermaid code block; " +
					"include it unchanged in your answer.",
			},
		},
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "Beschreibung des Prozesses",
				},
			},
			"required": []string{"description"},
		},
		Handler: func(ctx context.Context, args map[string]any, emit tools.Emitter) (string, error) {
			desc, _ := args["description"].(string)
			w := &refine.Workflow{
				Client:       deps.Client,
				Contract:     DiagramContract{},
				DraftPrompt:  diagramDraftPrompt,
				ReviewPrompt: diagramReviewPrompt,
				MaxRevisions: deps.MaxRevisions,
				Strict:       true,
				Logger:       deps.Logger,
			}
			raw, err := w.Run(ctx, desc, emit)
			if err != nil {
				return "", err
			}
			d, err := ParseDiagram(raw)
			if err != nil {
				return "", err
			}

			rendered := "```mermaid\n" + d.Mermaid() + "\n```"
			// Replace the JSON shown during review with the rendering.
			if err := emit.Rollback(); err != nil {
				return "", err
			}
			if err := emit.Append(rendered); err != nil {
				return "", err
			}
			return rendered, nil
		},
	}
}
