// Conduit is a protocol client for capability providers: external tool
// servers reached over subprocess stdio, SSE, or websocket transports.
// It discovers the tools each provider exposes and plans and runs
// multi-step tool invocations from natural-language tasks.
//
// Usage:
//
//	conduit init [dir]                     Write an example config file
//	conduit tools                          List available tools
//	conduit run <task>                     Plan and execute a task
//	conduit call <provider> <tool> [json]  Call one tool directly
//	conduit resources <provider> [uri]     List resources, or read one
//	conduit history                        Show recent task runs
//	conduit version                        Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/calliope-ai/conduit/examples"
	"github.com/calliope-ai/conduit/internal/buildinfo"
	"github.com/calliope-ai/conduit/internal/config"
	"github.com/calliope-ai/conduit/internal/configstore"
	"github.com/calliope-ai/conduit/internal/events"
	"github.com/calliope-ai/conduit/internal/executor"
	"github.com/calliope-ai/conduit/internal/registry"
)

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// cliOptions are the flags shared by every subcommand.
type cliOptions struct {
	configPath  string
	userID      string
	contextText string
	connect     bool
	jsonOut     bool
}

// run parses arguments and dispatches to the subcommand handlers.
// Arguments are parsed by hand: the flag package's package-level
// globals interfere with calling run concurrently from tests, and the
// flag surface here is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var opts cliOptions
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-user" && i+1 < len(args):
			opts.userID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-user="):
			opts.userID = strings.TrimPrefix(args[i], "-user=")
		case args[i] == "-context" && i+1 < len(args):
			opts.contextText = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-context="):
			opts.contextText = strings.TrimPrefix(args[i], "-context=")
		case args[i] == "-connect":
			opts.connect = true
		case args[i] == "-json":
			opts.jsonOut = true
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

	if opts.userID == "" {
		opts.userID = "default"
	}

	switch command {
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "tools":
		return runTools(ctx, stdout, stderr, opts)
	case "run":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: conduit run <task>")
		}
		return runTask(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "call":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: conduit call <provider> <tool> [json-args]")
		}
		argsJSON := "{}"
		if len(cmdArgs) > 2 {
			argsJSON = cmdArgs[2]
		}
		return runCall(ctx, stdout, stderr, opts, cmdArgs[0], cmdArgs[1], argsJSON)
	case "resources":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: conduit resources <provider> [uri]")
		}
		uri := ""
		if len(cmdArgs) > 1 {
			uri = cmdArgs[1]
		}
		return runResources(ctx, stdout, stderr, opts, cmdArgs[0], uri)
	case "history":
		return runHistory(ctx, stdout, stderr, opts)
	case "version":
		return runVersion(stdout, opts.jsonOut)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// env bundles the wired application components for one invocation.
type env struct {
	cfg   *config.Config
	store configstore.Store
	reg   *registry.Registry
	exec  *executor.Executor
}

// setup loads configuration and wires the store, registry, and
// executor, and starts the periodic connection sweeper for the life of
// ctx. The caller must call teardown when done.
func setup(ctx context.Context, stderr io.Writer, opts cliOptions) (*env, error) {
	path, err := config.FindConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	store, err := configstore.NewSQLite(filepath.Join(cfg.DataDir, "conduit.db"), cfg)
	if err != nil {
		return nil, err
	}

	bus := events.New()
	reg := registry.New(store, registry.Options{Logger: logger, Bus: bus})
	go reg.SweepEvery(ctx, registry.DefaultSweepInterval)
	exec := executor.New(reg, executor.Options{
		Logger:  logger,
		Bus:     bus,
		Planner: cfg.Planner,
		Store:   store,
	})

	return &env{cfg: cfg, store: store, reg: reg, exec: exec}, nil
}

func (e *env) teardown() {
	e.reg.DisposeAll()
	if err := e.store.Close(); err != nil {
		slog.Warn("closing store", "error", err)
	}
}

// runTools lists every provider's tools. Lazy by default: no transport
// is opened unless -connect is given.
func runTools(ctx context.Context, stdout, stderr io.Writer, opts cliOptions) error {
	e, err := setup(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer e.teardown()

	listed, err := e.reg.ListTools(ctx, opts.userID, opts.connect)
	if err != nil {
		return err
	}

	if opts.jsonOut {
		return writeJSON(stdout, listed)
	}
	for _, pt := range listed {
		fmt.Fprintf(stdout, "%s (%s)\n", pt.Provider, pt.State)
		if len(pt.Tools) == 0 {
			fmt.Fprintln(stdout, "  (no tools known; try -connect)")
		}
		for _, tool := range pt.Tools {
			fmt.Fprintf(stdout, "  %-24s %s\n", tool.Name, tool.Description)
			if tool.InputSchema != nil {
				fmt.Fprintf(stdout, "  %-24s args: %s\n", "", tool.InputSchema.Summary())
			}
		}
		fmt.Fprintln(stdout)
	}
	return nil
}

// runTask plans and executes a natural-language task, streaming step
// progress to stderr.
func runTask(ctx context.Context, stdout, stderr io.Writer, opts cliOptions, task string) error {
	e, err := setup(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer e.teardown()

	result, err := e.exec.RunTask(ctx, opts.userID, task, opts.contextText, func(desc string) {
		fmt.Fprintln(stderr, desc)
	})
	if err != nil {
		return err
	}

	if opts.jsonOut {
		return writeJSON(stdout, result)
	}
	for _, r := range result.Results {
		fmt.Fprintln(stdout, r)
	}
	fmt.Fprintln(stdout, result.Summary)
	if !result.Success {
		for _, step := range result.History {
			if step.Error != "" {
				fmt.Fprintf(stderr, "step failed: %s: %s\n", step.Description, step.Error)
			}
		}
	}
	return nil
}

// runCall invokes one tool directly with a JSON argument object.
func runCall(ctx context.Context, stdout, stderr io.Writer, opts cliOptions, provider, tool, argsJSON string) error {
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return fmt.Errorf("arguments must be a JSON object: %w", err)
	}

	e, err := setup(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer e.teardown()

	result, err := e.exec.CallTool(ctx, opts.userID, provider, tool, args)
	if err != nil {
		return err
	}
	if opts.jsonOut {
		return writeJSON(stdout, map[string]any{"result": result})
	}
	fmt.Fprintln(stdout, result)
	return nil
}

// runResources lists a provider's resources, or reads one by URI.
func runResources(ctx context.Context, stdout, stderr io.Writer, opts cliOptions, provider, uri string) error {
	e, err := setup(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer e.teardown()

	if uri != "" {
		content, err := e.exec.ReadResource(ctx, opts.userID, provider, uri)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, content)
		return nil
	}

	c, err := e.reg.Ensure(ctx, opts.userID, provider)
	if err != nil {
		return err
	}
	resources := c.Resources()
	if opts.jsonOut {
		return writeJSON(stdout, resources)
	}
	if len(resources) == 0 {
		fmt.Fprintln(stdout, "(no resources)")
		return nil
	}
	for _, r := range resources {
		fmt.Fprintf(stdout, "%-40s %s\n", r.URI, r.Description)
	}
	return nil
}

// runHistory prints the user's recent task runs.
func runHistory(ctx context.Context, stdout, stderr io.Writer, opts cliOptions) error {
	e, err := setup(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer e.teardown()

	runs, err := e.store.ListRuns(opts.userID, 20)
	if err != nil {
		return err
	}
	if opts.jsonOut {
		return writeJSON(stdout, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "(no runs)")
		return nil
	}
	for _, r := range runs {
		status := "ok"
		if !r.Succeeded {
			status = "failed"
		}
		fmt.Fprintf(stdout, "%s  %-6s  %d steps  %s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04"), status, r.Steps, r.Task)
	}
	return nil
}

// runInit writes the example config into dir, refusing to overwrite an
// existing file.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "conduit.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.WriteFile(path, examples.ConfigYAML, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	fmt.Fprintln(stdout, "Edit it to declare your providers, then try: conduit tools")
	return nil
}

// runVersion prints build metadata.
func runVersion(w io.Writer, jsonOut bool) error {
	info := buildinfo.Info()
	if jsonOut {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printUsage writes the top-level help text.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Conduit - capability provider protocol client")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: conduit [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  init [dir]                     Write an example config file (default: .)")
	fmt.Fprintln(w, "  tools                          List available tools")
	fmt.Fprintln(w, "  run <task>                     Plan and execute a task")
	fmt.Fprintln(w, "  call <provider> <tool> [json]  Call one tool directly")
	fmt.Fprintln(w, "  resources <provider> [uri]     List resources, or read one")
	fmt.Fprintln(w, "  history                        Show recent task runs")
	fmt.Fprintln(w, "  version                        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>  Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -user <id>      User/session id (default: \"default\")")
	fmt.Fprintln(w, "  -context <text> Extra context for task planning (run command)")
	fmt.Fprintln(w, "  -connect        Connect to providers when listing tools")
	fmt.Fprintln(w, "  -json           Output JSON instead of text")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./conduit.yaml, ~/.config/conduit/config.yaml, /etc/conduit/config.yaml")
	return nil
}
