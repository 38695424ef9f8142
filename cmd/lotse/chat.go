package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/lotse/internal/agent"
	"github.com/michaelbrown/lotse/internal/llm"
	"github.com/michaelbrown/lotse/internal/storage"
	"github.com/michaelbrown/lotse/internal/storage/sqlite"
	"github.com/michaelbrown/lotse/internal/stream"
)

var (
	resumeID   string
	toolsFlag  []string
	deptFlag   string
	noSaveFlag bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session with an agent",
	Long: `Start an interactive conversation with a Lotse agent.
The agent can use the enabled tools to help answer your questions.

Examples:
  lotse chat
  lotse chat --tools simplify,weather
  lotse chat --profile buergerservice --lang en`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringSliceVar(&toolsFlag, "tools", nil, "Tools to enable (default: the profile's, else all)")
	chatCmd.Flags().StringVar(&deptFlag, "department", "", "Department passed to the system prompt")
	chatCmd.Flags().BoolVar(&noSaveFlag, "no-save", false, "Do not persist the session")
	rootCmd.AddCommand(chatCmd)
}

// chatSession is the state of one interactive conversation.
type chatSession struct {
	agent   *agent.Agent
	req     agent.Request // template for every turn
	history []llm.Message
	store   storage.Store
	sess    *storage.Session
	logger  *slog.Logger

	provider, model string
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	var profile *agent.Profile
	if profileFlag != "" {
		profile, err = agent.LoadProfileByName(cfg.Agent.ProfilesDir, profileFlag)
		if err != nil {
			return fmt.Errorf("loading profile: %w", err)
		}
	}

	var store storage.Store
	var sess *storage.Session
	if !noSaveFlag || resumeID != "" {
		s, err := sqlite.Open(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer s.Close()
		store = s
	}
	if resumeID != "" {
		sess, err = store.GetSession(context.Background(), resumeID)
		if err != nil {
			return err
		}
		if sess.Status == storage.StatusTerminated {
			return fmt.Errorf("session %s was terminated and cannot be resumed", shortID(sess.ID))
		}
	}

	// Flags win over the resumed session, which wins over the profile.
	var fromSess, fromProfile storage.Session
	if sess != nil {
		fromSess = *sess
	}
	if profile != nil {
		fromProfile = storage.Session{Provider: profile.Provider, Model: profile.Model, Language: profile.Language}
	}

	providerName := firstSet(providerFlag, fromSess.Provider, fromProfile.Provider, cfg.DefaultProvider)
	provider, err := cfg.Provider(providerName)
	if err != nil {
		return err
	}
	model := firstSet(modelFlag, fromSess.Model, fromProfile.Model, provider.Model("default"))

	client, err := provider.NewClient(model, logger)
	if err != nil {
		return err
	}
	utility := utilityClient(cfg, providerName, logger)

	registry, err := buildRegistry(cfg, utility, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	enabled := toolsFlag
	if enabled == nil && sess != nil && len(sess.Tools) > 0 {
		enabled = sess.Tools
	}
	if enabled == nil && profile != nil {
		enabled = profile.Tools
	}
	if enabled == nil {
		enabled = registry.Names()
	}
	if _, err := registry.Resolve(enabled); err != nil {
		return err
	}

	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithExecutor(agent.NewExecutor(cfg.ExecConfig(), logger, nil)),
		agent.WithLanguage(cfg.Agent.Language),
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithMaxTokens(provider.ContextLimit(model, cfg.Agent.ContextMaxTokens)),
	}
	if utility != nil {
		opts = append(opts, agent.WithUtilityLLM(utility))
	}

	cs := &chatSession{
		agent:    agent.New(client, registry, opts...),
		store:    store,
		sess:     sess,
		provider: providerName,
		model:    model,
		logger:   logger,
		req: agent.Request{
			Tools:      enabled,
			Language:   firstSet(langFlag, fromSess.Language, fromProfile.Language),
			Department: deptFlag,
			User:       os.Getenv("USER"),
			Stream:     true,
		},
	}
	if profile != nil {
		cs.req.SystemPrompt = profile.SystemPrompt
		cs.req.MaxIterations = profile.MaxIter
	}
	if sess != nil {
		cs.history, err = store.LoadMessages(context.Background(), sess.ID)
		if err != nil {
			return err
		}
	}
	if noSaveFlag {
		cs.store = nil
	}

	fmt.Printf("Lotse - Interactive Agent Chat\n")
	if profile != nil {
		fmt.Printf("Profile: %s\n", profile.Name)
	}
	if sess != nil {
		fmt.Printf("Session: %s (%d messages)\n", shortID(sess.ID), len(cs.history))
	}
	fmt.Printf("Provider: %s | Model: %s\n", providerName, model)
	if len(enabled) > 0 {
		fmt.Printf("Tools: %s\n", strings.Join(enabled, ", "))
	} else {
		fmt.Printf("Tools: none\n")
	}
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36msie>\033[0m ",
		HistoryFile:     filepath.Join(os.TempDir(), "lotse_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the running turn, not the whole app.
	var mu sync.Mutex
	var reqCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			mu.Lock()
			if reqCancel != nil {
				reqCancel()
			}
			mu.Unlock()
		}
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nAuf Wiedersehen!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if quit := cs.handleCommand(input); quit {
				return nil
			}
			continue
		}

		reqCtx, cancel := context.WithCancel(context.Background())
		mu.Lock()
		reqCancel = cancel
		mu.Unlock()

		fmt.Printf("\n\033[32mlotse>\033[0m ")
		res, err := cs.turn(reqCtx, input)

		mu.Lock()
		reqCancel = nil
		mu.Unlock()
		cancel()

		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Println("\n(abgebrochen)")
				continue
			}
			fmt.Printf("\n\033[31merror: %s\033[0m\n\n", err)
			continue
		}
		if res.Status.Terminates() {
			fmt.Println("Die Unterhaltung wurde beendet.")
			return nil
		}
	}
}

// turn runs one user message and persists the outcome.
func (cs *chatSession) turn(ctx context.Context, input string) (*agent.Result, error) {
	req := cs.req
	req.Messages = append(append([]llm.Message(nil), cs.history...), llm.UserMessage(input))

	ch := stream.NewChannel(32)
	r := &renderer{w: os.Stdout}
	printed := make(chan struct{})
	go func() {
		r.consume(ch)
		close(printed)
	}()

	started := time.Now()
	res, err := cs.agent.Run(ctx, req, ch)
	<-printed

	if res != nil {
		cs.history = res.History
		cs.persist(input, res, started)
	}
	return res, err
}

func (cs *chatSession) persist(input string, res *agent.Result, started time.Time) {
	if cs.store == nil {
		return
	}
	ctx := context.Background()
	if cs.sess == nil {
		cs.sess = &storage.Session{
			ID:         uuid.New().String(),
			Title:      title(input),
			Status:     storage.StatusActive,
			Provider:   cs.provider,
			Model:      cs.model,
			Profile:    profileFlag,
			Department: cs.req.Department,
			UserID:     cs.req.User,
			Language:   cs.req.Language,
			Tools:      cs.req.Tools,
		}
		if err := cs.store.CreateSession(ctx, cs.sess); err != nil {
			cs.logger.Warn("session not saved", "error", err)
			cs.store = nil
			return
		}
	}

	if err := cs.store.SaveMessages(ctx, cs.sess.ID, res.History); err != nil {
		cs.logger.Warn("saving messages", "session", cs.sess.ID, "error", err)
	}
	if err := cs.store.RecordTurn(ctx, &storage.Turn{
		SessionID:  cs.sess.ID,
		Status:     string(res.Status),
		Iterations: res.Iterations,
		ToolRounds: res.ToolRounds,
		Duration:   time.Since(started).Milliseconds(),
	}); err != nil {
		cs.logger.Warn("recording turn", "session", cs.sess.ID, "error", err)
	}
	if res.Status.Terminates() {
		cs.sess.Status = storage.StatusTerminated
		if err := cs.store.UpdateSession(ctx, cs.sess); err != nil {
			cs.logger.Warn("updating session", "session", cs.sess.ID, "error", err)
		}
	}
}

// handleCommand runs a slash command and reports whether to quit.
func (cs *chatSession) handleCommand(input string) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Auf Wiedersehen!")
		return true
	case "/reset":
		cs.history = nil
		cs.sess = nil
		fmt.Println("Conversation reset.")
		fmt.Println()
	case "/history":
		data, _ := json.MarshalIndent(cs.history, "", "  ")
		fmt.Println(string(data))
		fmt.Println()
	case "/tools":
		if len(cs.req.Tools) == 0 {
			fmt.Println("No tools enabled.")
		}
		for _, name := range cs.req.Tools {
			fmt.Printf("  %s\n", name)
		}
		fmt.Println()
	case "/session":
		if cs.sess == nil {
			fmt.Println("Not saved yet.")
		} else {
			fmt.Printf("Session %s\n", cs.sess.ID)
		}
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help     - Show this help")
		fmt.Println("  /reset    - Start a new conversation")
		fmt.Println("  /history  - Show raw conversation history (JSON)")
		fmt.Println("  /tools    - Show enabled tools")
		fmt.Println("  /session  - Show the session id")
		fmt.Println("  /quit     - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}

func title(first string) string {
	t := strings.TrimSpace(first)
	if r := []rune(t); len(r) > 80 {
		t = string(r[:80]) + "..."
	}
	return t
}

func firstSet(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
