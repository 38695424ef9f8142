package agent

import "fmt"

// User-facing texts. The product speaks German; the model reads tool
// failures in the same wording the user would see.
const (
	msgIncomplete = "Ich konnte Ihre Anfrage leider nicht abschließen. " +
		"Bitte formulieren Sie sie um oder teilen Sie sie in kleinere Schritte auf."
	msgPolicy = "Ihre Anfrage verstößt gegen die Inhaltsrichtlinien des Modellanbieters. " +
		"Diese Unterhaltung wurde beendet."
	msgRateLimited = "Der Modellanbieter ist gerade ausgelastet. Bitte versuchen Sie es gleich erneut."
	msgFailedFmt   = "Bei der Verarbeitung Ihrer Anfrage ist ein Fehler aufgetreten: %s"
	msgCancelled   = "Die Anfrage wurde abgebrochen."
)

func toolFailureText(t ToolErrorType, tool, detail string) string {
	switch t {
	case ToolErrorInvalidInput:
		return fmt.Sprintf("Das Werkzeug „%s“ wurde mit ungültigen Parametern aufgerufen: %s", tool, detail)
	case ToolErrorTimeout:
		return fmt.Sprintf("Das Werkzeug „%s“ hat nicht rechtzeitig geantwortet (Zeitlimit %s überschritten).", tool, detail)
	case ToolErrorCancelled:
		return fmt.Sprintf("Die Ausführung des Werkzeugs „%s“ wurde abgebrochen.", tool)
	default:
		return fmt.Sprintf("Das Werkzeug „%s“ konnte nicht ausgeführt werden. Bitte versuchen Sie es später erneut.", tool)
	}
}

func failedText(detail string) string {
	if detail == "" {
		detail = "unbekannter Fehler"
	}
	return fmt.Sprintf(msgFailedFmt, detail)
}
