// Package toolrt runs tool calls concurrently with bounded parallelism,
// preserving the caller's order regardless of completion order (spec §4.6,
// §5). Grounded on the teacher's internal/agent/executor.go.
package toolrt

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pixyhq/pixy-agent/internal/providers"
	"github.com/pixyhq/pixy-agent/internal/validator"
	"github.com/pixyhq/pixy-agent/pkg/models"
)

// Tool is a single callable the AgentLoop may invoke. Execute returns the
// content blocks and opaque details to attach to the ToolResult, or an error
// carrying a *providers.Error.
type Tool interface {
	Definition() models.Tool
	Execute(ctx context.Context, call models.ToolCall) (content []models.ToolResultContentBlock, details json.RawMessage, err error)
}

// Registry is the set of tools available to one AgentLoop run.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition().Name] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the Tool schema for every registered tool, in the
// shape a Provider request needs.
func (r *Registry) Definitions() []models.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	return out
}

// Config bounds concurrency and per-call timeout for one Executor.
type Config struct {
	MaxConcurrency int
	Timeout        time.Duration
}

func DefaultConfig() Config {
	return Config{MaxConcurrency: 5, Timeout: 30 * time.Second}
}

// Executor validates and runs tool calls, in parallel, preserving order.
type Executor struct {
	registry  *Registry
	validator *validator.Validator
	config    Config
	sem       chan struct{}
}

func NewExecutor(registry *Registry, v *validator.Validator, config Config) *Executor {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Executor{
		registry:  registry,
		validator: v,
		config:    config,
		sem:       make(chan struct{}, config.MaxConcurrency),
	}
}

// Result is one tool call's outcome, with timing for AgentEvent metrics.
type Result struct {
	ToolCallID string
	ToolName   string
	Message    models.ToolResultMessage
	Duration   time.Duration
}

// ExecuteAll runs every call concurrently, bounded by config.MaxConcurrency,
// and returns results indexed identically to calls — not completion order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []Result {
	if len(calls) == 0 {
		return nil
	}
	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			results[idx] = e.execute(ctx, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (e *Executor) execute(ctx context.Context, call models.ToolCall) Result {
	start := time.Now()
	res := Result{ToolCallID: call.ID, ToolName: call.Name}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		res.Message = errorResult(call, providers.Wrap(providers.ErrToolExecutionFailed, ctx.Err()))
		res.Duration = time.Since(start)
		return res
	}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		res.Message = errorResult(call, providers.New(providers.ErrToolNotFound, "unknown tool: "+call.Name))
		res.Duration = time.Since(start)
		return res
	}

	if e.validator != nil {
		if err := e.validator.Validate(tool.Definition(), call); err != nil {
			res.Message = errorResult(call, err)
			res.Duration = time.Since(start)
			return res
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	content, details, err := tool.Execute(execCtx, call)
	res.Duration = time.Since(start)
	if err != nil {
		if execCtx.Err() != nil && ctx.Err() == nil {
			err = providers.Wrap(providers.ErrToolExecutionFailed, execCtx.Err())
		}
		res.Message = errorResult(call, err)
		return res
	}

	res.Message = models.ToolResultMessage{
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    content,
		Details:    details,
		Timestamp:  time.Now(),
	}
	return res
}

func errorResult(call models.ToolCall, err error) models.ToolResultMessage {
	msg := err.Error()
	if pe, ok := providers.As(err); ok {
		msg = pe.Message
	}
	return models.ErrorResult(call.ID, call.Name, msg)
}
