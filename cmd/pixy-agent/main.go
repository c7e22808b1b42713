// Command pixy-agent is the CLI entry point for the coding agent harness:
// it loads pixy.toml, wires the configured model/provider stack, an
// append-only JSONL session, and the read/write/edit/bash/task tools, then
// drives one AgentLoop run per line of stdin. Grounded on the teacher's
// cmd/nexus/main.go for the overall shape (flag parsing, slog setup,
// signal.NotifyContext for graceful shutdown) and original_source's own CLI
// entry point (crates/pixy-coding-agent/src/main.rs), which reads prompts
// from stdin one at a time rather than running a server.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pixyhq/pixy-agent/internal/agentloop"
	"github.com/pixyhq/pixy-agent/internal/config"
	"github.com/pixyhq/pixy-agent/internal/dispatch"
	"github.com/pixyhq/pixy-agent/internal/eventstream"
	"github.com/pixyhq/pixy-agent/internal/logging"
	"github.com/pixyhq/pixy-agent/internal/providers"
	"github.com/pixyhq/pixy-agent/internal/providers/bedrock"
	"github.com/pixyhq/pixy-agent/internal/session"
	"github.com/pixyhq/pixy-agent/internal/tools"
	"github.com/pixyhq/pixy-agent/internal/tools/exec"
	"github.com/pixyhq/pixy-agent/internal/tools/files"
	"github.com/pixyhq/pixy-agent/internal/toolrt"
	"github.com/pixyhq/pixy-agent/internal/validator"
	"github.com/pixyhq/pixy-agent/pkg/models"
)

const defaultSystemPrompt = "You are a coding agent with access to read, write, edit, bash, and task tools in the current workspace."

func main() {
	configPath := flag.String("config", "pixy.toml", "path to pixy.toml")
	sessionPath := flag.String("session", "", "resume an existing session file instead of starting a new one")
	prompt := flag.String("prompt", "", "run a single prompt and exit, instead of reading stdin")
	listBedrockModels := flag.Bool("list-bedrock-models", false, "list available Bedrock foundation models and exit")
	flag.Parse()

	if *listBedrockModels {
		if err := runListBedrockModels(); err != nil {
			slog.Error("pixy-agent exited with an error", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath, *sessionPath, *prompt); err != nil {
		slog.Error("pixy-agent exited with an error", "error", err)
		os.Exit(1)
	}
}

// runListBedrockModels prints the foundation models available in the
// configured AWS region, so an operator can pick a Model.ID for pixy.toml
// without leaving the CLI. Wired onto internal/providers/bedrock's
// discovery helper, which is otherwise only exercised by its own tests.
func runListBedrockModels() error {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	models, err := bedrock.DiscoverModels(ctx, &bedrock.DiscoveryConfig{Region: region})
	if err != nil {
		return fmt.Errorf("discover bedrock models: %w", err)
	}
	for _, m := range models {
		reasoning := ""
		if m.Reasoning {
			reasoning = " (reasoning)"
		}
		fmt.Printf("%-50s %-12s context=%d max_tokens=%d%s\n", m.ID, m.Provider, m.ContextWindow, m.MaxTokens, reasoning)
	}
	return nil
}

func run(configPath, sessionPath, singlePrompt string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Configure(cfg.Logging.Level, cfg.Logging.Format)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	registry, err := buildProviderRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}
	router := providers.NewRouter(registry)

	store, err := openSession(cwd, cfg, sessionPath)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	slog.Info("session ready", "file", store.SessionFile())

	// childTools and toolRegistry are deliberately separate Registry
	// instances built from the same base tool set: the task tool is only
	// ever added to toolRegistry, so a dispatched subagent can't itself
	// delegate a further task (dispatch.Config's documented recursion guard).
	childTools := buildToolRegistry(cwd, cfg)
	toolRegistry := buildToolRegistry(cwd, cfg)
	v := validator.New()
	executorCfg := cfg.Tools.ToExecutorConfig()

	agentModels, err := resolveModels(cfg)
	if err != nil {
		return err
	}

	dispatchRegistry, err := cfg.Dispatch.ToRegistry()
	if err != nil {
		return fmt.Errorf("build subagent registry: %w", err)
	}
	dispatcher := dispatch.New(dispatch.Config{
		Cwd:            cwd,
		SessionID:      store.SessionFile(),
		SessionDir:     filepath.Dir(store.SessionFile()),
		Model:          agentModels[0],
		SystemPrompt:   defaultSystemPrompt,
		Provider:       router,
		Retry:          cfg.Retry.ToRetryConfig(),
		ChildTools:     childTools,
		Validator:      v,
		ExecutorConfig: executorCfg,
		Resolver:       dispatchRegistry,
		Policy:         cfg.Dispatch.ToPolicy(),
		LifecycleSink:  taskLifecycleLogger(store.SessionFile()),
	})

	toolRegistry.Register(dispatch.NewTool(dispatcher))

	executor := toolrt.NewExecutor(toolRegistry, v, executorCfg)
	abortCtrl := eventstream.NewAbortController()
	go func() {
		<-ctx.Done()
		abortCtrl.Abort()
	}()

	loop := agentloop.NewLoop(agentloop.Config{
		Models:   agentModels,
		Retry:    cfg.Retry.ToRetryConfig(),
		Tools:    toolRegistry,
		Executor: executor,
		Provider: router,
		Abort:    abortCtrl.Signal(),
	})

	if singlePrompt != "" {
		return runTurn(ctx, loop, store, singlePrompt)
	}
	return runInteractive(ctx, loop, store)
}

// buildProviderRegistry registers one ReliableProvider-wrapped backend per
// configured model whose API key resolves, so a misconfigured fallback
// model doesn't prevent the primary model from running.
func buildProviderRegistry(ctx context.Context, cfg *config.Config) (*providers.Registry, error) {
	registry := providers.NewRegistry()
	seen := map[string]bool{}

	all := append([]config.ModelConfig{cfg.Models.Primary}, cfg.Models.Fallbacks...)
	for _, m := range all {
		if m.ID == "" || seen[m.API] {
			continue
		}
		p, err := newProviderFor(ctx, m)
		if err != nil {
			slog.Warn("skipping provider", "api", m.API, "error", err)
			continue
		}
		if p != nil {
			registry.Register(providers.WrapReliable(p), "")
			seen[m.API] = true
		}
	}
	return registry, nil
}

func newProviderFor(ctx context.Context, m config.ModelConfig) (providers.Provider, error) {
	apiKey := m.APIKey()
	switch m.API {
	case "anthropic-messages":
		if apiKey == "" {
			return nil, fmt.Errorf("no API key resolved for provider %q", m.Provider)
		}
		return providers.NewAnthropicProvider(apiKey), nil
	case "openai-chat":
		if apiKey == "" {
			return nil, fmt.Errorf("no API key resolved for provider %q", m.Provider)
		}
		return providers.NewOpenAIChatProvider(apiKey), nil
	case "openai-responses":
		if apiKey == "" {
			return nil, fmt.Errorf("no API key resolved for provider %q", m.Provider)
		}
		return providers.NewOpenAIResponsesProvider(apiKey), nil
	case "google-genai":
		if apiKey == "" {
			return nil, fmt.Errorf("no API key resolved for provider %q", m.Provider)
		}
		return providers.NewGoogleProvider(ctx, apiKey)
	case "bedrock-converse":
		region := os.Getenv("AWS_REGION")
		if region == "" {
			region = "us-east-1"
		}
		return providers.NewBedrockProvider(ctx, region)
	default:
		return nil, fmt.Errorf("unrecognized api %q", m.API)
	}
}

func resolveModels(cfg *config.Config) ([]models.Model, error) {
	if cfg.Models.Primary.ID == "" {
		return nil, fmt.Errorf("config: models.primary is required")
	}
	out := []models.Model{cfg.Models.Primary.ToModel()}
	for _, fb := range cfg.Models.Fallbacks {
		out = append(out, fb.ToModel())
	}
	return out, nil
}

func openSession(cwd string, cfg *config.Config, sessionPath string) (*session.Store, error) {
	if sessionPath != "" {
		return session.Load(sessionPath)
	}
	dir := config.ExpandHome(cfg.Session.Dir)
	if dir == "" {
		dir = filepath.Join(cwd, ".pixy", "sessions")
	}
	return session.Create(cwd, dir)
}

func buildToolRegistry(cwd string, cfg *config.Config) *toolrt.Registry {
	registry := toolrt.NewRegistry()
	filesCfg := files.Config{Workspace: cwd}
	registry.Register(files.NewReadTool(filesCfg))
	registry.Register(files.NewWriteTool(filesCfg))
	registry.Register(files.NewEditTool(filesCfg))

	manager := exec.NewManager(cwd)
	registry.Register(exec.NewBashTool(manager))
	return registry
}

// taskLifecycleLogger logs child-run lifecycle events as structured slog
// records scoped by logging.Task to the parent session, task id and subagent.
func taskLifecycleLogger(parentSessionID string) dispatch.LifecycleSink {
	return func(ev dispatch.LifecycleEvent) {
		log := logging.Task(parentSessionID, ev.TaskID, ev.Subagent)
		switch ev.Kind {
		case dispatch.ChildRunStart:
			log.Info("task started")
		case dispatch.ChildRunEnd:
			log.Info("task finished")
		case dispatch.ChildRunError:
			log.Error("task failed", "error", ev.Err)
		}
	}
}

// runInteractive reads one prompt per stdin line until EOF or the context
// is canceled, running a full AgentLoop turn for each.
func runInteractive(ctx context.Context, loop *agentloop.Loop, store *session.Store) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Fprintln(os.Stderr, "pixy-agent ready; enter a prompt (Ctrl-D to quit).")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runTurn(ctx, loop, store, line); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
	return scanner.Err()
}

// runTurn appends prompt to the session, runs one AgentLoop turn against
// the full session context, prints a console trace of the run, and commits
// every message the turn produced back onto the session log.
func runTurn(ctx context.Context, loop *agentloop.Loop, store *session.Store, prompt string) error {
	history := store.BuildSessionContext()
	if _, err := store.AppendMessage(models.NewUserMessage(prompt, time.Now())); err != nil {
		return fmt.Errorf("append prompt: %w", err)
	}
	messages := append(history, models.NewUserMessage(prompt, time.Now()))

	stream := loop.Run(ctx, defaultSystemPrompt, messages)
	next := stream.NewReader()
	for {
		ev, ok := next(ctx)
		if !ok {
			break
		}
		printEvent(ev)
	}

	final, ok := stream.Result(ctx)
	if !ok {
		return fmt.Errorf("run ended without a result")
	}
	for _, msg := range final[len(messages):] {
		if _, err := store.AppendMessage(msg); err != nil {
			return fmt.Errorf("append turn result: %w", err)
		}
	}
	return nil
}

func printEvent(ev models.AgentEvent) {
	switch ev.Type {
	case models.AgentEvMessageUpdate:
		if ev.MessageUpdate != nil && ev.MessageUpdate.Underlying.Type == models.EventTextDelta {
			fmt.Print(ev.MessageUpdate.Underlying.TextDelta)
		}
	case models.AgentEvMessageEnd:
		fmt.Println()
	case models.AgentEvToolExecStart:
		if ev.ToolExecutionStart == nil {
			return
		}
		var args map[string]interface{}
		if len(ev.ToolExecutionStart.Arguments) > 0 {
			_ = json.Unmarshal(ev.ToolExecutionStart.Arguments, &args)
		}
		display := tools.ResolveToolDisplay(ev.ToolExecutionStart.ToolName, args, "")
		fmt.Fprintln(os.Stderr, tools.FormatToolSummary(display))
	case models.AgentEvToolExecEnd:
		if ev.ToolExecutionEnd != nil && ev.ToolExecutionEnd.IsError {
			fmt.Fprintln(os.Stderr, "  tool error:", firstContentText(ev.ToolExecutionEnd.Result))
		}
	case models.AgentEvRetryScheduled:
		if ev.RetryScheduled != nil {
			fmt.Fprintf(os.Stderr, "retrying (%d/%d) after %dms: %s\n",
				ev.RetryScheduled.Attempt, ev.RetryScheduled.MaxAttempts, ev.RetryScheduled.DelayMS, ev.RetryScheduled.Error)
		}
	case models.AgentEvModelFallback:
		if ev.ModelFallback != nil {
			fmt.Fprintf(os.Stderr, "falling back from %s to %s\n", ev.ModelFallback.From, ev.ModelFallback.To)
		}
	}
}

func firstContentText(msg models.ToolResultMessage) string {
	for _, c := range msg.Content {
		if c.Type == models.UserBlockText {
			return c.Text
		}
	}
	return ""
}

