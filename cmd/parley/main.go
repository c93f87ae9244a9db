// Parley is a tool-using LLM conversation orchestrator.
//
// It manages multi-turn conversations against Anthropic and
// OpenAI-compatible APIs, executes MCP tool calls, delegates oversized
// tool results to summarizing sub-conversations, and keeps a
// token-conserving cost ledger per conversation plus an append-only
// usage database.
//
// Usage:
//
//	parley chat              Start an interactive chat session
//	parley ask <question>    Ask a single question and exit
//	parley usage [days]      Print token/cost totals (default: 30 days)
//	parley version           Print version and build information
package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parleyhq/parley/examples"
	"github.com/parleyhq/parley/internal/buildinfo"
	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/mcp"
	"github.com/parleyhq/parley/internal/optimizer"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/prompts"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/subchat"
	"github.com/parleyhq/parley/internal/toolexec"
)

// main constructs the OS-level environment and delegates to run so the
// full lifecycle can be driven from tests without touching os.Exit.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag surface is small and the flag
	// package's global state gets in the way of calling run from tests.
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	switch command {
	case "chat", "":
		return runChat(ctx, stdout, stderr, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: parley ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "usage":
		days := 30
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: parley usage [days]")
			}
			days = n
		}
		return runUsage(stdout, stderr, configPath, days)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Parley - Tool-Using LLM Conversation Orchestrator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: parley [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat           Start an interactive chat session (default)")
	fmt.Fprintln(w, "  ask            Ask a single question and exit")
	fmt.Fprintln(w, "  init [dir]     Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  usage [days]   Print token/cost totals (default: 30 days)")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>   Path to config file (default: auto-discover)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml")
	return nil
}

// newLogger creates a structured logger writing to w. All log output
// goes to stderr so chat output on stdout stays clean.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// runInit writes the example config into dir, refusing to overwrite.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, examples.ConfigYAML, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "Wrote %s — set your API key and run: parley chat\n", path)
	return nil
}

// loadConfig locates, parses, and validates the YAML configuration.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// catalogPricer adapts the refreshable catalog to the conversation
// manager's Pricer interface, always reading the current table.
type catalogPricer struct {
	cat *catalog.Catalog
}

func (p *catalogPricer) PriceOf(model string, usage llm.Usage) *float64 {
	return p.cat.Table().PriceOf(model, usage)
}

// app holds the wired application components shared by chat and ask.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	convs    *conversation.Manager
	usage    *store.UsageStore
	cat      *catalog.Catalog
	registry *mcp.Registry
	bus      *events.Bus
	orch     *orchestrator.Orchestrator

	stopRecorder context.CancelFunc
	recorderDone chan struct{}
}

// buildApp wires every component. When persist is false the app runs
// fully in memory (nothing written under the data directory except the
// usage ledger, which is skipped too).
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, persist bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, bus: events.New()}

	// Model catalog: pricing and context windows. A failed refresh is
	// not fatal; messages simply go unpriced until the next start.
	a.cat = catalog.New(cfg.Catalog.URL, logger)
	if cfg.Catalog.URL != "" {
		refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := a.cat.Refresh(refreshCtx); err != nil {
			logger.Warn("model catalog refresh failed", "url", cfg.Catalog.URL, "error", err)
		}
		cancel()
	}

	// Persistence. Conversations and the usage ledger share one
	// SQLite database.
	var persister conversation.Persister
	if persist {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
		dbPath := filepath.Join(cfg.DataDir, "parley.db")
		db, err := store.Open(dbPath)
		if err != nil {
			return nil, err
		}
		a.db = db

		convStore, err := store.New(db, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		persister = convStore

		a.usage, err = store.NewUsageStore(db)
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("database opened", "path", dbPath)
	}

	a.convs = conversation.NewManager(&catalogPricer{cat: a.cat}, persister, logger)

	// Restore persisted conversations.
	if p, ok := persister.(*store.Store); ok {
		restored, err := p.LoadAll()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("load conversations: %w", err)
		}
		for _, conv := range restored {
			a.convs.Add(conv)
		}
		if len(restored) > 0 {
			logger.Info("conversations restored", "count", len(restored))
		}
	}

	// LLM providers.
	clients := make(map[string]llm.Client)
	if cfg.Providers.Anthropic.APIKey != "" {
		clients["anthropic"] = llm.NewAnthropicClient(cfg.Providers.Anthropic.APIKey, logger)
		logger.Info("anthropic provider configured")
	}
	if cfg.Providers.OpenAI.APIKey != "" || cfg.Providers.OpenAI.BaseURL != "" {
		clients["openai"] = llm.NewOpenAIClient(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL, logger)
		logger.Info("openai provider configured", "base_url", cfg.Providers.OpenAI.BaseURL)
	}
	if len(clients) == 0 {
		a.Close()
		return nil, fmt.Errorf("no LLM providers configured")
	}
	multi := llm.NewMultiClient(clients)

	// MCP tool servers. A server that fails to initialize is skipped,
	// not fatal: the conversation works with whatever tools connected.
	a.registry = mcp.NewRegistry(logger)
	for _, serverCfg := range cfg.MCPServers {
		if err := connectMCPServer(ctx, a.registry, serverCfg, logger); err != nil {
			logger.Error("MCP server unavailable", "server", serverCfg.Name, "error", err)
		}
	}

	subchats := subchat.NewManager(subchat.Config{
		Enabled:     cfg.SubChat.Enabled,
		ThresholdKB: cfg.SubChat.ThresholdKB,
		Model:       cfg.SubChat.Model,
	}, a.convs, a.bus, logger)

	engine := toolexec.NewEngine(a.registry, subchats, a.bus, logger)
	builder := optimizer.NewBuilder(logger)
	limiter := orchestrator.Limiter{
		MaxIterations:      cfg.Safety.MaxToolIterations,
		MaxConcurrentTools: cfg.Safety.MaxConcurrentTools,
	}

	a.orch = orchestrator.New(a.convs, multi, builder, a.registry, engine, subchats, limiter, a.bus, logger)

	// The usage ledger is fed from bus events rather than from inside
	// the loop, so recording can never slow a turn down.
	if a.usage != nil {
		recCtx, cancel := context.WithCancel(ctx)
		a.stopRecorder = cancel
		a.recorderDone = make(chan struct{})
		go a.recordUsage(recCtx)
	}

	return a, nil
}

func (a *app) Close() {
	if a.convs != nil {
		a.convs.Flush()
	}
	if a.registry != nil {
		a.registry.Close()
	}
	if a.stopRecorder != nil {
		a.stopRecorder()
		<-a.recorderDone
	}
	if a.db != nil {
		a.db.Close()
	}
}

// connectMCPServer builds the transport matching the server config,
// performs the MCP handshake, and registers the server's tools.
func connectMCPServer(ctx context.Context, registry *mcp.Registry, serverCfg config.MCPServerConfig, logger *slog.Logger) error {
	var transport mcp.Transport
	switch {
	case serverCfg.Command != "":
		transport = mcp.NewStdioTransport(mcp.StdioConfig{
			Command: serverCfg.Command,
			Args:    serverCfg.Args,
			Env:     serverCfg.Env,
			Logger:  logger,
		})
	case serverCfg.WebSocketURL != "":
		transport = mcp.NewWSTransport(mcp.WSConfig{
			URL:     serverCfg.WebSocketURL,
			Headers: serverCfg.Headers,
			Logger:  logger,
		})
	default:
		transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     serverCfg.URL,
			Headers: serverCfg.Headers,
			Logger:  logger,
		})
	}

	client := mcp.NewClient(serverCfg.Name, transport, logger)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	count, err := registry.AddServer(initCtx, client, serverCfg.IncludeTools, serverCfg.ExcludeTools)
	if err != nil {
		client.Close()
		return err
	}

	logger.Info("MCP server connected", "server", serverCfg.Name, "tools", count)
	return nil
}

// recordUsage appends a usage ledger record for every completed LLM
// exchange announced on the bus.
func (a *app) recordUsage(ctx context.Context) {
	defer close(a.recorderDone)

	ch := a.bus.Subscribe(256)
	defer a.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Kind != events.KindAssistantMetrics {
				continue
			}
			convID := asString(e.Data["conversation_id"])
			kind := "turn"
			if conv := a.convs.Get(convID); conv != nil && conv.IsSubConversation() {
				kind = "subchat"
			}
			rec := store.UsageRecord{
				Timestamp:           e.Timestamp,
				ConversationID:      convID,
				Model:               asString(e.Data["model"]),
				InputTokens:         asInt(e.Data["input_tokens"]),
				OutputTokens:        asInt(e.Data["output_tokens"]),
				CacheReadTokens:     asInt(e.Data["cache_read_tokens"]),
				CacheCreationTokens: asInt(e.Data["cache_creation_tokens"]),
				CostUSD:             asFloat(e.Data["cost_usd"]),
				Kind:                kind,
			}
			if err := a.usage.Record(ctx, rec); err != nil {
				a.logger.Error("usage record failed", "error", err)
			}
		}
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

// defaultSettings builds the settings for a new conversation from
// config, filling the context window from the catalog when the config
// leaves it unset.
func defaultSettings(cfg *config.Config, cat *catalog.Catalog) conversation.Settings {
	window := cfg.Defaults.ContextWindow
	if window == 0 {
		window = cat.Table().ContextWindow(cfg.Defaults.Model)
	}
	return conversation.Settings{
		Model:             cfg.Defaults.Model,
		Temperature:       cfg.Defaults.Temperature,
		TopP:              cfg.Defaults.TopP,
		MaxTokens:         cfg.Defaults.MaxTokens,
		ContextWindow:     window,
		ToolSummarization: cfg.SubChat.Enabled,
		CacheControl:      cfg.Defaults.CacheControl,
		GenerateTitles:    cfg.Defaults.GenerateTitles,
	}
}

func systemPrompt(cfg *config.Config) string {
	if cfg.Defaults.SystemPrompt != "" {
		return cfg.Defaults.SystemPrompt
	}
	return prompts.DefaultSystem
}

// runAsk boots a non-persisting app and processes a single question.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stderr, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	conv := a.convs.Create(defaultSettings(cfg, a.cat))
	a.convs.Append(conv.ID, conversation.NewSystemMessage(systemPrompt(cfg)))

	question := strings.Join(args, " ")
	if err := a.orch.SendUserMessage(ctx, conv.ID, question); err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, conv.LastAssistantText())
	return nil
}

// runUsage prints ledger totals for the trailing N days.
func runUsage(stdout, stderr io.Writer, configPath string, days int) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "parley.db"))
	if err != nil {
		return err
	}
	defer db.Close()

	usageStore, err := store.NewUsageStore(db)
	if err != nil {
		return err
	}

	end := time.Now()
	start := end.AddDate(0, 0, -days)

	sum, err := usageStore.Summary(start, end)
	if err != nil {
		return err
	}
	byModel, err := usageStore.SummaryByModel(start, end)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Usage for the last %d days (%d exchanges)\n\n", days, sum.TotalRecords)
	fmt.Fprintf(stdout, "  %-40s %12s %12s %10s\n", "model", "input", "output", "cost")
	for model, s := range byModel {
		fmt.Fprintf(stdout, "  %-40s %12d %12d %9.4f\n",
			model, s.TotalInputTokens, s.TotalOutputTokens, s.TotalCostUSD)
	}
	fmt.Fprintf(stdout, "\n  %-40s %12d %12d %9.4f\n",
		"total", sum.TotalInputTokens, sum.TotalOutputTokens, sum.TotalCostUSD)
	return nil
}

// runChat is the primary operating mode: full wiring with persistence
// plus an interactive prompt. SIGINT while a turn is in flight pauses
// the turn (resumable with /continue); at the prompt it is ignored.
func runChat(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	level := slog.LevelInfo
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		if l, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
			level = l
		}
	}
	logger := newLogger(stderr, level)
	logger.Info("starting parley", "version", buildinfo.Version, "config", cfgPath)

	a, err := buildApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	session := &chatSession{app: a, stdout: stdout}
	go session.printEvents(ctx)

	// Reuse the most recent conversation, or start fresh.
	if all := a.convs.All(); len(all) > 0 {
		session.setCurrent(all[0].ID)
		fmt.Fprintf(stdout, "Resuming conversation %s (%s)\n", shortID(all[0].ID), all[0].Title)
	} else {
		session.newConversation()
	}

	// SIGINT pauses the in-flight turn rather than killing the process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			id := session.current()
			if conv := a.convs.Get(id); conv != nil && conv.IsProcessing() {
				a.orch.Stop(id)
			} else {
				fmt.Fprintln(stdout, "(use /quit to exit)")
			}
		}
	}()

	fmt.Fprintln(stdout, `Type a message, or /help for commands.`)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := session.handleCommand(ctx, line); quit {
				break
			}
			continue
		}
		session.send(ctx, line)
	}

	logger.Info("parley stopped")
	return scanner.Err()
}

// chatSession holds interactive state: which conversation the prompt
// is attached to.
type chatSession struct {
	app    *app
	stdout io.Writer

	mu        sync.Mutex
	currentID string
}

func (s *chatSession) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

func (s *chatSession) setCurrent(id string) {
	s.mu.Lock()
	s.currentID = id
	s.mu.Unlock()
}

func (s *chatSession) newConversation() {
	conv := s.app.convs.Create(defaultSettings(s.app.cfg, s.app.cat))
	s.app.convs.Append(conv.ID, conversation.NewSystemMessage(systemPrompt(s.app.cfg)))
	s.setCurrent(conv.ID)
	fmt.Fprintf(s.stdout, "New conversation %s (model %s)\n", shortID(conv.ID), conv.Settings.Model)
}

func (s *chatSession) send(ctx context.Context, text string) {
	err := s.app.orch.SendUserMessage(ctx, s.current(), text)
	s.reportTurn(err)
}

func (s *chatSession) reportTurn(err error) {
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrUserStop):
		fmt.Fprintln(s.stdout, "Paused. /continue to resume.")
	default:
		fmt.Fprintf(s.stdout, "Error: %s\n", err)
	}
}

// handleCommand dispatches a /command line. Returns true to exit.
func (s *chatSession) handleCommand(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		s.printHelp()
	case "/new":
		s.newConversation()
	case "/list":
		s.listConversations()
	case "/switch":
		if conv := s.resolve(arg); conv != nil {
			s.setCurrent(conv.ID)
			fmt.Fprintf(s.stdout, "Switched to %s (%s)\n", shortID(conv.ID), conv.Title)
		}
	case "/delete":
		if conv := s.resolve(arg); conv != nil {
			s.app.convs.Delete(conv.ID)
			fmt.Fprintf(s.stdout, "Deleted %s\n", shortID(conv.ID))
			if conv.ID == s.current() {
				s.newConversation()
			}
		}
	case "/continue":
		s.reportTurn(s.app.orch.Continue(ctx, s.current()))
	case "/system":
		if arg == "" {
			fmt.Fprintln(s.stdout, "usage: /system <prompt>")
			return false
		}
		s.app.orch.UpdateSystemPrompt(s.current(), arg)
		fmt.Fprintln(s.stdout, "System prompt replaced; conversation history cleared.")
	case "/cost":
		s.printCost()
	default:
		fmt.Fprintf(s.stdout, "Unknown command %s (try /help)\n", cmd)
	}
	return false
}

func (s *chatSession) printHelp() {
	fmt.Fprintln(s.stdout, "Commands:")
	fmt.Fprintln(s.stdout, "  /new             Start a new conversation")
	fmt.Fprintln(s.stdout, "  /list            List conversations")
	fmt.Fprintln(s.stdout, "  /switch <id>     Switch to a conversation (ID prefix ok)")
	fmt.Fprintln(s.stdout, "  /delete <id>     Delete a conversation")
	fmt.Fprintln(s.stdout, "  /continue        Resume a paused turn")
	fmt.Fprintln(s.stdout, "  /system <prompt> Replace the system prompt (clears history)")
	fmt.Fprintln(s.stdout, "  /cost            Show cost totals for this conversation")
	fmt.Fprintln(s.stdout, "  /quit            Exit")
	fmt.Fprintln(s.stdout, "Ctrl-C pauses an in-flight turn.")
}

func (s *chatSession) listConversations() {
	all := s.app.convs.All()
	if len(all) == 0 {
		fmt.Fprintln(s.stdout, "No conversations.")
		return
	}
	for _, conv := range all {
		marker := " "
		if conv.ID == s.current() {
			marker = "*"
		}
		title := conv.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(s.stdout, "%s %s  %-40s %3d msgs  $%.4f\n",
			marker, shortID(conv.ID), title, len(conv.Messages), conv.Totals.Total.Cost)
	}
}

// resolve finds a conversation by ID prefix; empty means current.
func (s *chatSession) resolve(prefix string) *conversation.Conversation {
	if prefix == "" {
		if conv := s.app.convs.Get(s.current()); conv != nil {
			return conv
		}
		fmt.Fprintln(s.stdout, "No current conversation.")
		return nil
	}
	var match *conversation.Conversation
	for _, conv := range s.app.convs.All() {
		if strings.HasPrefix(conv.ID, prefix) {
			if match != nil {
				fmt.Fprintf(s.stdout, "Ambiguous ID prefix %q\n", prefix)
				return nil
			}
			match = conv
		}
	}
	if match == nil {
		fmt.Fprintf(s.stdout, "No conversation matching %q\n", prefix)
	}
	return match
}

func (s *chatSession) printCost() {
	conv := s.app.convs.Get(s.current())
	if conv == nil {
		return
	}
	t := conv.Totals.Total
	fmt.Fprintf(s.stdout, "Tokens: %d in / %d out (cache: %d read, %d written)\n",
		t.InputTokens, t.OutputTokens, t.CacheReadTokens, t.CacheCreationTokens)
	fmt.Fprintf(s.stdout, "Cost:   $%.4f\n", t.Cost)
	for model, mt := range conv.Totals.PerModel {
		fmt.Fprintf(s.stdout, "  %-40s $%.4f\n", model, mt.Cost)
	}
}

// printEvents renders bus events for the interactive session. Only
// events for the current conversation are shown; sub-conversation
// chatter is summarized by the subchat start/done events.
func (s *chatSession) printEvents(ctx context.Context) {
	ch := s.app.bus.Subscribe(256)
	defer s.app.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.printEvent(e)
		}
	}
}

func (s *chatSession) printEvent(e events.Event) {
	switch e.Kind {
	case events.KindAssistantMessage:
		if asString(e.Data["conversation_id"]) != s.current() {
			return
		}
		if text := asString(e.Data["text"]); text != "" {
			fmt.Fprintf(s.stdout, "\n%s\n\n", text)
		}
	case events.KindToolCall:
		fmt.Fprintf(s.stdout, "  [tool] %s\n", asString(e.Data["tool"]))
	case events.KindToolResult:
		if ok, _ := e.Data["ok"].(bool); !ok {
			fmt.Fprintf(s.stdout, "  [tool] %s failed\n", asString(e.Data["tool"]))
		}
	case events.KindSubChatStart:
		fmt.Fprintf(s.stdout, "  [subchat] summarizing oversized tool result\n")
	case events.KindRateLimitWait:
		fmt.Fprintf(s.stdout, "  [rate limit] waiting %ds\n", asInt(e.Data["wait_seconds"]))
	case events.KindErrorMessage:
		fmt.Fprintf(s.stdout, "  [%s] %s\n", asString(e.Data["error_type"]), asString(e.Data["text"]))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
