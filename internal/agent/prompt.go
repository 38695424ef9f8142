package agent

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

const defaultSystemPrompt = `Du bist Lotse, ein hilfreicher Assistent{{if .Department}} der Abteilung {{.Department}}{{end}}.
Heute ist {{.Date}}.
Antworte sachlich, verständlich und in der Sprache der Frage.`

const toolsHeading = "## Verfügbare Werkzeuge\n\nDu kannst die folgenden Werkzeuge aufrufen:\n\n"

// PromptData is the input of a system prompt template.
type PromptData struct {
	Department string
	User       string
	Language   string
	Date       string
}

func parsePrompt(name, text string) (*template.Template, error) {
	if strings.TrimSpace(text) == "" {
		text = defaultSystemPrompt
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing system prompt: %w", err)
	}
	return tmpl, nil
}

// buildSystemPrompt renders the template and appends the tool instructions.
// With no instructions the prompt carries no tool section at all.
func buildSystemPrompt(text string, data PromptData, instructions string) (string, error) {
	tmpl, err := parsePrompt("system", text)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering system prompt: %w", err)
	}
	prompt := strings.TrimSpace(b.String())
	if instructions != "" {
		prompt += "\n\n" + toolsHeading + instructions
	}
	return prompt, nil
}

func formatDate(t time.Time) string {
	return t.Format("02.01.2006")
}
