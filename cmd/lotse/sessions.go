package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/lotse/internal/llm"
	"github.com/michaelbrown/lotse/internal/storage"
	"github.com/michaelbrown/lotse/internal/storage/sqlite"
)

var (
	statusFilter string
	userFilter   string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "Manage chat sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show session details and messages",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsResumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a previous session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resumeID = args[0]
		return runChat(cmd, args)
	},
}

var sessionsTurnsCmd = &cobra.Command{
	Use:   "turns <session-id>",
	Short: "Show the recorded turns of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsTurns,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsExport,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsResumeCmd, sessionsTurnsCmd, sessionsDeleteCmd, sessionsExportCmd)

	sessionsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (active, running, completed, failed, terminated)")
	sessionsListCmd.Flags().StringVar(&userFilter, "user", "", "Only sessions of this user")
	sessionsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max sessions to show")

	sessionsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	sessionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	sessionsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func openStore() (storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return sqlite.Open(cfg.Storage.DBPath)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(context.Background(), storage.SessionListOptions{
		Status: storage.SessionStatus(statusFilter),
		UserID: userFilter,
		Limit:  limitFlag,
	})
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTITLE\tDEPARTMENT\tMODEL\tUPDATED")
	for _, s := range sessions {
		title := truncate(s.Title, 38)
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(s.ID), s.Status, title, orDash(s.Department), truncate(s.Model, 13), timeAgo(s.UpdatedAt))
	}
	return tw.Flush()
}

func runSessionsTurns(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sess, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}
	turns, err := store.ListTurns(ctx, sess.ID)
	if err != nil {
		return err
	}
	if len(turns) == 0 {
		fmt.Println("No turns recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTATUS\tITERATIONS\tTOOL ROUNDS\tDURATION\tAT")
	for i, t := range turns {
		d := time.Duration(t.Duration) * time.Millisecond
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\n",
			i+1, t.Status, t.Iterations, t.ToolRounds, d.Round(time.Millisecond), t.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sess, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Session:  %s\n", sess.ID)
	fmt.Printf("Title:    %s\n", sess.Title)
	fmt.Printf("Status:   %s\n", sess.Status)
	fmt.Printf("Provider: %s\n", sess.Provider)
	fmt.Printf("Model:    %s\n", sess.Model)
	if sess.Profile != "" {
		fmt.Printf("Profile:  %s\n", sess.Profile)
	}
	fmt.Printf("Dept.:    %s\n", orDash(sess.Department))
	fmt.Printf("User:     %s\n", orDash(sess.UserID))
	fmt.Printf("Tools:    %s\n", orDash(strings.Join(sess.Tools, ", ")))
	fmt.Printf("Created:  %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", sess.UpdatedAt.Format(time.RFC3339))

	turns, err := store.ListTurns(ctx, sess.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Turns:    %d", len(turns))
	if n := len(turns); n > 0 {
		fmt.Printf(" (last: %s, %d iterations)", turns[n-1].Status, turns[n-1].Iterations)
	}
	fmt.Println()

	messages, err := store.LoadMessages(ctx, sess.ID)
	if err != nil {
		return err
	}
	fmt.Printf("\nMessages: %d\n", len(messages))
	fmt.Println(strings.Repeat("─", 60))

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleUser:
			fmt.Printf("\n\033[36msie>\033[0m %s\n", truncate(m.Content, 200))
		case llm.RoleAssistant:
			if m.Content != "" {
				fmt.Printf("\n\033[32mlotse>\033[0m %s\n", truncate(m.Content, 200))
			}
			for _, tc := range m.ToolCalls {
				fmt.Printf("  \033[33m⚡ %s\033[0m\n", tc.Name)
			}
		case llm.RoleTool:
			fmt.Printf("  \033[90m│ %s\033[0m\n", truncate(m.Content, 100))
		}
	}

	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sess, err := store.GetSession(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		title := sess.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("Delete session %s - %q? [y/N] ", shortID(sess.ID), title)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := store.DeleteSession(ctx, sess.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted session %s\n", shortID(sess.ID))
	return nil
}

func runSessionsExport(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	tr, err := storage.LoadTranscript(context.Background(), store, args[0])
	if err != nil {
		return err
	}

	var output []byte
	switch exportFormat {
	case "json":
		if output, err = tr.JSON(); err != nil {
			return err
		}
	case "md", "markdown":
		output = []byte(tr.Markdown())
	default:
		return fmt.Errorf("unknown export format %q (use md or json)", exportFormat)
	}

	if exportOutput == "" {
		_, err = cmd.OutOrStdout().Write(output)
		return err
	}
	if err := os.WriteFile(exportOutput, output, 0o644); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Exported %d messages to %s\n", len(tr.Messages), exportOutput)
	return nil
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxLen {
		return string(r[:maxLen]) + "..."
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
