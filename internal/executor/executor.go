package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/calliope-ai/conduit/internal/config"
	"github.com/calliope-ai/conduit/internal/configstore"
	"github.com/calliope-ai/conduit/internal/events"
	"github.com/calliope-ai/conduit/internal/llm"
	"github.com/calliope-ai/conduit/internal/protocol"
	"github.com/calliope-ai/conduit/internal/registry"
)

// Action is what a plan step does.
type Action string

const (
	ActionCallTool            Action = "call_tool"
	ActionReadResource        Action = "read_resource"
	ActionProvideCapabilities Action = "provide_capabilities"
)

// Step is one unit of a plan. Created during planning, mutated only by
// the runner, settled once the run finishes.
type Step struct {
	Action      Action         `json:"action"`
	Provider    string         `json:"provider,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	URI         string         `json:"uri,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description"`
	Result      string         `json:"result,omitempty"`
	Completed   bool           `json:"completed"`
	Error       string         `json:"error,omitempty"`
	Retried     bool           `json:"retried,omitempty"`

	schema *protocol.Schema
}

// Plan is the ordered step sequence produced for one task.
type Plan struct {
	ID    uuid.UUID `json:"id"`
	Task  string    `json:"task"`
	Steps []*Step   `json:"steps"`
}

// RunResult is what a completed task run returns to the caller.
type RunResult struct {
	Success bool     `json:"success"`
	Results []string `json:"results"`
	History []*Step  `json:"history"`
	Summary string   `json:"summary"`
}

// ProgressFunc receives step descriptions before and after execution,
// for live status display.
type ProgressFunc func(description string)

// Options configure an Executor.
type Options struct {
	Logger *slog.Logger
	Bus    *events.Bus

	// LLM, when set, generates the final run summary. Optional.
	LLM llm.Client

	// Planner tunes scoring and plan size; zero values use defaults.
	Planner config.PlannerConfig

	// Store, when set, records completed runs to history.
	Store configstore.Store
}

// Executor turns natural-language tasks into execution plans and runs
// them against the registry.
type Executor struct {
	reg     *registry.Registry
	store   configstore.Store
	logger  *slog.Logger
	bus     *events.Bus
	llm     llm.Client
	planner config.PlannerConfig
}

// New creates an executor over the given registry.
func New(reg *registry.Registry, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	planner := opts.Planner
	if planner.ScoreThreshold <= 0 {
		planner.ScoreThreshold = 0.25
	}
	if planner.MaxSteps <= 0 {
		planner.MaxSteps = 5
	}
	return &Executor{
		reg:     reg,
		store:   opts.Store,
		logger:  logger.With("component", "executor"),
		bus:     opts.Bus,
		llm:     opts.LLM,
		planner: planner,
	}
}

// DiscoverCapabilities merges lazy tool listings across all configured
// providers into one categorized catalogue. Never opens a transport.
func (e *Executor) DiscoverCapabilities(userID string) ([]CatalogEntry, error) {
	listed, err := e.reg.ListToolsLazy(userID)
	if err != nil {
		return nil, err
	}
	return BuildCatalog(listed), nil
}

// PlanExecution scores the catalogue against the task and builds an
// ordered plan. Surrounding context widens the scoring text but never
// feeds argument inference, which works from the task alone. When no
// tool clears the threshold the plan contains a single
// provide_capabilities step instead.
func (e *Executor) PlanExecution(userID, task, contextText string) (*Plan, error) {
	catalog, err := e.DiscoverCapabilities(userID)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("plan id: %w", err)
	}
	plan := &Plan{ID: id, Task: task}

	scoringText := task
	if contextText != "" {
		scoringText = task + " " + contextText
	}
	ranked := rankTools(catalog, scoringText, e.planner.ScoreThreshold, e.planner.MaxSteps)
	for _, r := range ranked {
		args := InferArgs(r.entry.Tool, task)
		plan.Steps = append(plan.Steps, &Step{
			Action:      ActionCallTool,
			Provider:    r.entry.Provider,
			Tool:        r.entry.Tool.Name,
			Args:        args,
			Description: fmt.Sprintf("Call %s.%s (%s)", r.entry.Provider, r.entry.Tool.Name, describeArgs(args)),
			schema:      r.entry.Tool.InputSchema,
		})
		e.logger.Debug("planned step",
			"provider", r.entry.Provider, "tool", r.entry.Tool.Name, "score", r.score)
	}

	if len(plan.Steps) == 0 {
		plan.Steps = append(plan.Steps, &Step{
			Action:      ActionProvideCapabilities,
			Description: "List available capabilities",
		})
	}

	e.publish(events.KindPlanBuilt, map[string]any{
		"plan":  plan.ID.String(),
		"task":  task,
		"steps": len(plan.Steps),
	})
	return plan, nil
}

// RunTask plans and executes a task. contextText carries surrounding
// conversation for planning and the summary; it may be empty. Steps
// run strictly in order; a failed step is recorded and execution
// continues, so the caller still receives partial results.
func (e *Executor) RunTask(ctx context.Context, userID, task, contextText string, progress ProgressFunc) (*RunResult, error) {
	started := time.Now()

	listed, err := e.reg.ListToolsLazy(userID)
	if err != nil {
		return nil, err
	}
	if len(listed) == 0 {
		return &RunResult{
			Success: false,
			Summary: "no providers configured",
			Results: []string{"No providers are configured. Add a provider to run tasks."},
		}, nil
	}

	plan, err := e.PlanExecution(userID, task, contextText)
	if err != nil {
		return nil, err
	}

	catalog := BuildCatalog(listed)
	stepDelay := time.Duration(e.planner.StepDelayMS) * time.Millisecond

	for i, step := range plan.Steps {
		if i > 0 && stepDelay > 0 {
			select {
			case <-time.After(stepDelay):
			case <-ctx.Done():
				step.Error = ctx.Err().Error()
				continue
			}
		}

		e.notifyProgress(progress, fmt.Sprintf("Step %d/%d: %s", i+1, len(plan.Steps), step.Description))
		e.publish(events.KindStepStart, map[string]any{
			"plan": plan.ID.String(), "step": i, "description": step.Description,
		})

		e.runStep(ctx, userID, task, step, catalog)

		status := "done"
		if step.Error != "" {
			status = "failed: " + step.Error
		}
		e.notifyProgress(progress, fmt.Sprintf("Step %d/%d %s", i+1, len(plan.Steps), status))
		e.publish(events.KindStepDone, map[string]any{
			"plan": plan.ID.String(), "step": i, "ok": step.Completed,
		})
	}

	result := e.buildResult(ctx, task, contextText, plan)
	e.recordRun(userID, task, result, started)
	e.publish(events.KindRunComplete, map[string]any{
		"plan": plan.ID.String(), "success": result.Success,
	})
	return result, nil
}

// runStep executes one step, retrying exactly once on a validation
// error with arguments re-inferred from the original task text.
func (e *Executor) runStep(ctx context.Context, userID, task string, step *Step, catalog []CatalogEntry) {
	switch step.Action {
	case ActionProvideCapabilities:
		step.Result = RenderMenu(catalog)
		step.Completed = true
		return
	case ActionReadResource:
		content, err := e.readResource(ctx, userID, step.Provider, step.URI)
		if err != nil {
			step.Error = err.Error()
			return
		}
		step.Result = content
		step.Completed = true
		return
	}

	result, err := e.callOnce(ctx, userID, step)
	if err != nil && protocol.IsValidation(err) && !step.Retried {
		e.logger.Info("retrying with re-inferred arguments",
			"provider", step.Provider, "tool", step.Tool, "error", err)
		step.Retried = true
		step.Args = InferArgs(protocol.Tool{Name: step.Tool, InputSchema: step.schema}, task)
		result, err = e.callOnce(ctx, userID, step)
	}
	if err != nil {
		step.Error = err.Error()
		e.logger.Warn("step failed", "provider", step.Provider, "tool", step.Tool, "error", err)
		return
	}
	step.Result = result
	step.Completed = true
}

// callOnce validates the arguments client-side and issues the call.
func (e *Executor) callOnce(ctx context.Context, userID string, step *Step) (string, error) {
	if step.schema != nil {
		if err := step.schema.Validate(step.Tool, step.Args); err != nil {
			return "", err
		}
	}
	c, err := e.reg.Ensure(ctx, userID, step.Provider)
	if err != nil {
		return "", err
	}
	return c.CallTool(ctx, step.Tool, step.Args)
}

func (e *Executor) buildResult(ctx context.Context, task, contextText string, plan *Plan) *RunResult {
	result := &RunResult{History: plan.Steps}

	completed := 0
	for _, step := range plan.Steps {
		if step.Completed {
			completed++
			if step.Result != "" {
				result.Results = append(result.Results, step.Result)
			}
		}
	}
	result.Success = completed == len(plan.Steps)
	result.Summary = e.summarize(ctx, task, contextText, plan, completed)
	return result
}

// summarize builds the run summary, through the language model when
// one is configured.
func (e *Executor) summarize(ctx context.Context, task, contextText string, plan *Plan, completed int) string {
	plain := fmt.Sprintf("Completed %d of %d steps for task: %s", completed, len(plan.Steps), task)
	if e.llm == nil {
		return plain
	}

	var history []llm.Message
	if contextText != "" {
		history = append(history, llm.Message{Role: llm.RoleUser, Content: contextText})
	}
	for _, step := range plan.Steps {
		content := step.Description
		if step.Error != "" {
			content += " — failed: " + step.Error
		} else if step.Result != "" {
			content += " — " + step.Result
		}
		history = append(history, llm.Message{Role: llm.RoleAssistant, Content: content})
	}
	prompt := fmt.Sprintf("Summarize the outcome of this task in one or two sentences: %s", task)

	summary, err := e.llm.Complete(ctx, prompt, history)
	if err != nil {
		e.logger.Warn("summary generation failed", "error", err)
		return plain
	}
	return summary
}

// recordRun persists the run to history when a store is configured.
func (e *Executor) recordRun(userID, task string, result *RunResult, started time.Time) {
	if e.store == nil {
		return
	}
	id, err := uuid.NewV7()
	if err != nil {
		return
	}
	run := configstore.TaskRun{
		ID:         id,
		UserID:     userID,
		Task:       task,
		Output:     result.Summary,
		Steps:      len(result.History),
		Succeeded:  result.Success,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	for _, step := range result.History {
		if step.Error != "" {
			run.Error = step.Error
			break
		}
	}
	if err := e.store.RecordRun(run); err != nil {
		e.logger.Warn("recording run failed", "error", err)
	}
}

// CallTool invokes one tool directly, with client-side argument
// validation when the tool's schema is known.
func (e *Executor) CallTool(ctx context.Context, userID, provider, tool string, args map[string]any) (string, error) {
	c, err := e.reg.Ensure(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	for _, t := range c.Tools() {
		if t.Name == tool && t.InputSchema != nil {
			if err := t.InputSchema.Validate(tool, args); err != nil {
				return "", err
			}
			break
		}
	}
	return c.CallTool(ctx, tool, args)
}

// ReadResource fetches a resource by URI from a provider.
func (e *Executor) ReadResource(ctx context.Context, userID, provider, uri string) (string, error) {
	return e.readResource(ctx, userID, provider, uri)
}

func (e *Executor) readResource(ctx context.Context, userID, provider, uri string) (string, error) {
	c, err := e.reg.Ensure(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	return c.ReadResource(ctx, uri)
}

// Cleanup tears down all of the user's connections.
func (e *Executor) Cleanup(userID string) {
	e.reg.Cleanup(userID)
}

func (e *Executor) notifyProgress(progress ProgressFunc, description string) {
	if progress != nil {
		progress(description)
	}
}

func (e *Executor) publish(kind string, data map[string]any) {
	e.bus.Publish(events.Event{Source: events.SourceExecutor, Kind: kind, Data: data})
}
