// ABOUTME: The run and validate subcommands: engine assembly, run persistence,
// ABOUTME: signal handling, and the optional terminal monitor.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basaltrun/attractor/attractor"
	"github.com/basaltrun/attractor/dot/validator"
	"github.com/basaltrun/attractor/tui"
)

// runFlags are the per-invocation options shared by run and serve.
type runFlags struct {
	settings
	verbose bool
	monitor bool
}

// parseRunFlags layers command-line flags over the loaded settings.
func parseRunFlags(name string, args []string, withMonitor bool) (runFlags, []string, error) {
	cfg, err := loadSettings()
	if err != nil {
		return runFlags{}, nil, err
	}
	rf := runFlags{settings: cfg}

	fs := flag.NewFlagSet("attractor "+name, flag.ContinueOnError)
	fs.IntVar(&rf.Port, "port", rf.Port, "server port")
	fs.StringVar(&rf.DataDir, "data-dir", rf.DataDir, "data directory for persistent state")
	fs.StringVar(&rf.CheckpointDir, "checkpoint-dir", rf.CheckpointDir, "directory for checkpoint files")
	fs.StringVar(&rf.ArtifactDir, "artifact-dir", rf.ArtifactDir, "directory for artifact storage")
	fs.StringVar(&rf.Retry, "retry", rf.Retry, "default retry policy: none, standard, aggressive, linear, patient")
	fs.StringVar(&rf.BaseURL, "base-url", rf.BaseURL, "custom API base URL for the LLM provider")
	fs.StringVar(&rf.Store, "store", rf.Store, "run state store: fs or sqlite")
	fs.BoolVar(&rf.verbose, "verbose", false, "verbose event output")
	if withMonitor {
		fs.BoolVar(&rf.monitor, "tui", false, "run with the terminal monitor")
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return runFlags{}, nil, errHelpShown
		}
		return runFlags{}, nil, err
	}
	return rf, fs.Args(), nil
}

var errHelpShown = errors.New("help shown")

func cmdRun(args []string) int {
	rf, rest, err := parseRunFlags("run", args, true)
	if err != nil {
		if errors.Is(err, errHelpShown) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if len(rest) != 1 {
		fmt.Fprintln(os.Stderr, "usage: attractor run [flags] <pipeline.dot>")
		return 2
	}

	source, err := os.ReadFile(rest[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	backend := detectBackend(rf.verbose)
	if backend == nil {
		fmt.Fprintln(os.Stderr, "error: no LLM API key found")
		fmt.Fprintln(os.Stderr, "Set one of: ANTHROPIC_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY")
		return 1
	}

	if rf.monitor {
		return runWithMonitor(rf, string(source), backend)
	}
	return runHeadless(rf, rest[0], string(source), backend)
}

// buildEngine assembles an engine from the flags.
func buildEngine(rf runFlags, backend attractor.CodergenBackend, events func(attractor.EngineEvent)) *attractor.Engine {
	return attractor.NewEngine(attractor.EngineConfig{
		CheckpointDir: rf.CheckpointDir,
		ArtifactDir:   rf.ArtifactDir,
		DefaultRetry:  retryPreset(rf.Retry),
		Handlers:      attractor.DefaultHandlerRegistry(),
		Backend:       backend,
		BaseURL:       rf.BaseURL,
		EventHandler:  events,
	})
}

// openRunStore builds the configured store, or nil when persistence is
// unavailable. Failures degrade to warnings: a run beats a saved record.
func openRunStore(rf runFlags) attractor.RunStateStore {
	dir, err := rf.resolveDataDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not resolve data dir: %v\n", err)
		return nil
	}

	if rf.Store == "sqlite" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not create data dir: %v\n", err)
			return nil
		}
		store, err := attractor.NewSQLiteRunStateStore(filepath.Join(dir, "runs.db"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not open sqlite run store: %v\n", err)
			return nil
		}
		return store
	}

	store, err := attractor.NewFSRunStateStore(filepath.Join(dir, "runs"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not create run state store: %v\n", err)
		return nil
	}
	return store
}

// runHeadless executes the pipeline with log-line output and persists the
// run record around it.
func runHeadless(rf runFlags, pipelineFile, source string, backend attractor.CodergenBackend) int {
	var events func(attractor.EngineEvent)
	if rf.verbose {
		events = logEvent
	}
	engine := buildEngine(rf, backend, events)
	wireConsoleInterviewer(engine)

	store := openRunStore(rf)
	runID, err := attractor.GenerateRunID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	startedAt := time.Now()
	persist := func(state *attractor.RunState, update bool) {
		if store == nil {
			return
		}
		op := store.Create
		if update {
			op = store.Update
		}
		if err := op(state); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not persist run state: %v\n", err)
		}
	}

	persist(&attractor.RunState{
		ID:             runID,
		PipelineFile:   pipelineFile,
		Status:         "running",
		Source:         source,
		StartedAt:      startedAt,
		CompletedNodes: []string{},
		Context:        map[string]any{},
		Events:         []attractor.EngineEvent{},
	}, false)

	ctx, stop := signalContext()
	defer stop()

	result, runErr := engine.Run(ctx, source)

	now := time.Now()
	final := &attractor.RunState{
		ID:             runID,
		PipelineFile:   pipelineFile,
		Source:         source,
		StartedAt:      startedAt,
		CompletedAt:    &now,
		Status:         "completed",
		CompletedNodes: []string{},
		Context:        map[string]any{},
		Events:         []attractor.EngineEvent{},
	}
	if runErr != nil {
		final.Status = "failed"
		final.Error = runErr.Error()
	} else if result != nil {
		final.CompletedNodes = result.CompletedNodes
		if result.Context != nil {
			final.Context = result.Context.Snapshot()
		}
	}
	persist(final, true)

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		return 1
	}

	fmt.Printf("Pipeline completed successfully.\n")
	fmt.Printf("Completed nodes: %v\n", result.CompletedNodes)
	if result.FinalOutcome != nil {
		fmt.Printf("Final status: %s\n", result.FinalOutcome.Status)
	}
	return 0
}

// runWithMonitor executes the pipeline inside the terminal monitor.
func runWithMonitor(rf runFlags, source string, backend attractor.CodergenBackend) int {
	graph, err := attractor.Parse(source)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	graph = attractor.ApplyTransforms(graph, attractor.DefaultTransforms()...)

	engine := buildEngine(rf, backend, nil)
	program := tea.NewProgram(tui.NewMonitor(graph), tea.WithAltScreen())

	engine.SetEventHandler(tui.EventHandler(program.Send))
	tui.WireInterviewer(engine, tui.NewGateInterviewer(program.Send))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_, runErr := engine.Run(ctx, source)
		program.Send(tui.RunDoneMsg{Err: runErr})
	}()

	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func cmdValidate(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: attractor validate <pipeline.dot>")
		return 2
	}
	source, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return validateSource(os.Stderr, string(source))
}

// validateSource parses, transforms, and lints. The structural gate
// (attractor.Validate) decides pass/fail; the authoring lint
// (validator.Lint) adds style findings on top.
func validateSource(w io.Writer, source string) int {
	graph, err := attractor.Parse(source)
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return 1
	}
	graph = attractor.ApplyTransforms(graph, attractor.DefaultTransforms()...)

	failed := false
	for _, d := range attractor.Validate(graph) {
		loc := ""
		if d.NodeID != "" {
			loc = " (node: " + d.NodeID + ")"
		}
		fmt.Fprintf(w, "[%s] %s%s\n", d.Severity, d.Message, loc)
		if d.Severity == attractor.SeverityError {
			failed = true
		}
	}

	for _, d := range validator.Lint(graph) {
		loc := ""
		if d.NodeID != "" {
			loc = " (node: " + d.NodeID + ")"
		}
		fmt.Fprintf(w, "[lint:%s] %s: %s%s\n", d.Severity, d.Rule, d.Message, loc)
	}

	if failed {
		fmt.Fprintln(w, "Validation failed.")
		return 1
	}
	fmt.Fprintln(w, "Pipeline is valid.")
	return 0
}

// retryPreset maps a policy name onto the engine's presets.
func retryPreset(name string) attractor.RetryPolicy {
	presets := map[string]func() attractor.RetryPolicy{
		"standard":   attractor.RetryPolicyStandard,
		"aggressive": attractor.RetryPolicyAggressive,
		"linear":     attractor.RetryPolicyLinear,
		"patient":    attractor.RetryPolicyPatient,
	}
	if preset, ok := presets[strings.ToLower(name)]; ok {
		return preset()
	}
	return attractor.RetryPolicyNone()
}

// --- shared plumbing ---

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

// apiKeyVars, in detection order.
var apiKeyVars = []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"}

// detectBackend returns an AgentBackend when any provider key is set.
func detectBackend(verbose bool) attractor.CodergenBackend {
	for _, k := range apiKeyVars {
		if os.Getenv(k) != "" {
			if verbose {
				fmt.Fprintf(os.Stderr, "[backend] using AgentBackend (%s detected)\n", k)
			}
			return &attractor.AgentBackend{}
		}
	}
	if verbose {
		fmt.Fprintln(os.Stderr, "[backend] no API keys found")
	}
	return nil
}

// wireConsoleInterviewer makes human gate nodes interactive on the terminal.
func wireConsoleInterviewer(engine *attractor.Engine) {
	if hh, ok := engine.GetHandler("wait.human").(*attractor.WaitForHumanHandler); ok {
		hh.Interviewer = attractor.NewConsoleInterviewer()
	}
}

// eventLogLine maps event types to log templates; data keys fill %v slots.
var eventLogLine = map[attractor.EngineEventType]struct {
	format string
	keys   []string
}{
	attractor.EventPipelineStarted:    {"[pipeline] started", nil},
	attractor.EventPipelineCompleted:  {"[pipeline] completed", nil},
	attractor.EventPipelineFailed:     {"[pipeline] failed: %v", []string{"error"}},
	attractor.EventStageStarted:       {"[stage] %s started", nil},
	attractor.EventStageCompleted:     {"[stage] %s completed", nil},
	attractor.EventStageFailed:        {"[stage] %s failed: %v", []string{"reason"}},
	attractor.EventStageRetrying:      {"[stage] %s retrying", nil},
	attractor.EventCheckpointSaved:    {"[checkpoint] saved at %s", nil},
	attractor.EventAgentToolCallStart: {"[agent] %s: tool %v", []string{"tool_name"}},
	attractor.EventAgentToolCallEnd:   {"[agent] %s: tool %v done (%vms)", []string{"tool_name", "duration_ms"}},
	attractor.EventAgentLLMTurn:       {"[agent] %s: llm turn (in:%v out:%v)", []string{"input_tokens", "output_tokens"}},
	attractor.EventAgentSteering:      {"[agent] %s: steering: %v", []string{"message"}},
	attractor.EventAgentLoopDetected:  {"[agent] %s: loop detected: %v", []string{"message"}},
}

// logEvent prints one engine event to stderr, for -verbose runs.
func logEvent(evt attractor.EngineEvent) {
	entry, known := eventLogLine[evt.Type]
	if !known {
		return
	}
	args := []any{}
	if strings.Contains(entry.format, "%s") {
		args = append(args, evt.NodeID)
	}
	for _, key := range entry.keys {
		args = append(args, evt.Data[key])
	}
	fmt.Fprintf(os.Stderr, entry.format+"\n", args...)
}
