package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pixyhq/pixy-agent/internal/agentloop"
	"github.com/pixyhq/pixy-agent/internal/logging"
	"github.com/pixyhq/pixy-agent/internal/providers"
	"github.com/pixyhq/pixy-agent/internal/session"
	"github.com/pixyhq/pixy-agent/internal/toolrt"
	"github.com/pixyhq/pixy-agent/internal/validator"
	"github.com/pixyhq/pixy-agent/pkg/models"
)

// dispatchTool names the tool gated by Policy rules; spec §4.8 reserves the
// field for future dispatch-style tools, but today only "task" exists.
const dispatchTool = "task"

// TaskInput is the task tool's argument shape.
type TaskInput struct {
	SubagentType string  `json:"subagent_type"`
	Prompt       string  `json:"prompt"`
	TaskID       *string `json:"task_id,omitempty"`
}

// Validate checks the required fields the JSON schema itself can't express
// (non-empty strings).
func (in TaskInput) Validate() error {
	if in.SubagentType == "" {
		return fmt.Errorf("subagent_type is required")
	}
	if in.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	return nil
}

// TaskOutput is the structured result a dispatch produces.
type TaskOutput struct {
	TaskID          string `json:"task_id"`
	Summary         string `json:"summary"`
	ChildSessionFile string `json:"child_session_file"`
}

// DispatchResult wraps TaskOutput with the routing metadata spec §4.8 asks
// the task tool to surface alongside it.
type DispatchResult struct {
	Output             TaskOutput
	ResolvedSubagent   string
	RoutingHintApplied bool
}

// LifecycleKind discriminates the events a Dispatcher publishes around a
// child run.
type LifecycleKind string

const (
	ChildRunStart LifecycleKind = "child_run_start"
	ChildRunEnd   LifecycleKind = "child_run_end"
	ChildRunError LifecycleKind = "child_run_error"
)

// LifecycleEvent is one notification published to Config.LifecycleSink.
type LifecycleEvent struct {
	Kind     LifecycleKind
	TaskID   string
	Subagent string
	Err      error
}

// LifecycleSink observes a Dispatcher's child runs. Nil is a valid no-op
// sink.
type LifecycleSink func(LifecycleEvent)

// Config wires one Dispatcher together. Most fields are shared verbatim
// with the parent AgentLoop; ChildTools is ordinarily the parent's registry
// minus the task tool itself, to prevent trivial recursion.
type Config struct {
	Cwd        string
	SessionID  string // parent session id, attached to every dispatch log line
	SessionDir string // directory under which per-task child sessions are created

	Model        models.Model
	SystemPrompt string
	Provider     providers.Provider
	Retry        agentloop.RetryConfig

	ChildTools     *toolrt.Registry
	Validator      *validator.Validator
	ExecutorConfig toolrt.Config

	Resolver Resolver
	Policy   Policy

	LifecycleSink LifecycleSink
}

// Dispatcher runs delegated subagent tasks, each in its own child session
// and AgentLoop, reusing a prior child session when task_id repeats.
type Dispatcher struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]string // task_id -> child session file path
}

// New builds a Dispatcher from cfg.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg, sessions: make(map[string]string)}
}

func (d *Dispatcher) publish(ev LifecycleEvent) {
	if d.cfg.LifecycleSink != nil {
		d.cfg.LifecycleSink(ev)
	}
}

// Dispatch resolves the requested subagent, applies the dispatch policy,
// and — on allow — runs a child AgentLoop to completion.
func (d *Dispatcher) Dispatch(ctx context.Context, in TaskInput) (DispatchResult, error) {
	if err := in.Validate(); err != nil {
		return DispatchResult{}, providers.New(providers.ErrToolArgumentsInvalid, err.Error())
	}

	resolved, routingHintApplied, err := d.resolveSubagent(in.SubagentType)
	if err != nil {
		return DispatchResult{}, err
	}

	taskID := ""
	if in.TaskID != nil {
		taskID = *in.TaskID
	} else {
		taskID = uuid.NewString()
	}

	log := logging.Task(d.cfg.SessionID, taskID, resolved)

	if allow, reason := d.cfg.Policy.Evaluate(resolved, dispatchTool); !allow {
		log.Warn("dispatch denied by policy", "reason", reason)
		d.publish(LifecycleEvent{Kind: ChildRunError, TaskID: taskID, Subagent: resolved, Err: errors.New(reason)})
		return DispatchResult{}, providers.New(providers.ErrToolExecutionFailed, reason)
	}

	log.Info("child run starting", "routing_hint_applied", routingHintApplied)
	d.publish(LifecycleEvent{Kind: ChildRunStart, TaskID: taskID, Subagent: resolved})

	out, err := d.runChild(ctx, taskID, in.Prompt)
	if err != nil {
		log.Error("child run failed", "error", err)
		d.publish(LifecycleEvent{Kind: ChildRunError, TaskID: taskID, Subagent: resolved, Err: err})
		return DispatchResult{}, err
	}

	log.Info("child run finished", "child_session_file", out.ChildSessionFile)
	d.publish(LifecycleEvent{Kind: ChildRunEnd, TaskID: taskID, Subagent: resolved})
	return DispatchResult{Output: out, ResolvedSubagent: resolved, RoutingHintApplied: routingHintApplied}, nil
}

// resolveSubagent implements spec §4.8 step 1: substitute the fallback
// subagent when the requested one doesn't resolve.
func (d *Dispatcher) resolveSubagent(requested string) (name string, routingHintApplied bool, err error) {
	if _, ok := d.cfg.Resolver.Resolve(requested); ok {
		return requested, false, nil
	}
	if fb := d.cfg.Policy.FallbackSubagent; fb != "" {
		if _, ok := d.cfg.Resolver.Resolve(fb); ok {
			return fb, true, nil
		}
	}
	return "", false, fmt.Errorf("dispatch: unknown subagent %q", requested)
}

// runChild resolves or creates the child session for taskID, runs an
// AgentLoop against it, and persists the prompt and the final assistant
// message.
func (d *Dispatcher) runChild(ctx context.Context, taskID, prompt string) (TaskOutput, error) {
	store, err := d.childSession(taskID)
	if err != nil {
		return TaskOutput{}, fmt.Errorf("dispatch: child session: %w", err)
	}

	history := store.BuildSessionContext()
	if _, err := store.AppendMessage(models.NewUserMessage(prompt, time.Now())); err != nil {
		return TaskOutput{}, fmt.Errorf("dispatch: append prompt: %w", err)
	}
	messages := append(history, models.NewUserMessage(prompt, time.Now()))

	executor := toolrt.NewExecutor(d.cfg.ChildTools, d.cfg.Validator, d.cfg.ExecutorConfig)
	loop := agentloop.NewLoop(agentloop.Config{
		Models:   []models.Model{d.cfg.Model},
		Retry:    d.cfg.Retry,
		Tools:    d.cfg.ChildTools,
		Executor: executor,
		Provider: d.cfg.Provider,
	})

	stream := loop.Run(ctx, d.cfg.SystemPrompt, messages)
	final, ok := stream.Result(ctx)
	if !ok {
		return TaskOutput{}, fmt.Errorf("dispatch: child run ended without a result")
	}

	summary := lastAssistantText(final)
	if _, err := store.AppendMessage(lastAssistantMessage(final)); err != nil {
		return TaskOutput{}, fmt.Errorf("dispatch: append child result: %w", err)
	}

	d.mu.Lock()
	d.sessions[taskID] = store.SessionFile()
	d.mu.Unlock()

	return TaskOutput{TaskID: taskID, Summary: summary, ChildSessionFile: store.SessionFile()}, nil
}

// childSession reuses the session file recorded for taskID, or creates a
// fresh one under a per-task subdirectory of SessionDir, embedding the task
// id in its path per spec §4.8 step 1.
func (d *Dispatcher) childSession(taskID string) (*session.Store, error) {
	d.mu.Lock()
	path, reuse := d.sessions[taskID]
	d.mu.Unlock()

	if reuse {
		return session.Load(path)
	}
	dir := filepath.Join(d.cfg.SessionDir, "tasks", taskID)
	return session.Create(d.cfg.Cwd, dir)
}

func lastAssistantMessage(messages []models.Message) models.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Type == models.MessageTypeAssistant {
			return messages[i]
		}
	}
	return models.Message{}
}

func lastAssistantText(messages []models.Message) string {
	msg := lastAssistantMessage(messages)
	if msg.Assistant == nil {
		return ""
	}
	return msg.Assistant.Text()
}
