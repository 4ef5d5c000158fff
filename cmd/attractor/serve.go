// ABOUTME: The serve subcommand: HTTP pipeline server with graph rendering and
// ABOUTME: run persistence wired in.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/basaltrun/attractor/attractor"
)

func cmdServe(args []string) int {
	rf, rest, err := parseRunFlags("serve", args, false)
	if err != nil {
		if errors.Is(err, errHelpShown) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}
	if len(rest) != 0 {
		fmt.Fprintln(os.Stderr, "usage: attractor serve [flags]")
		return 2
	}

	backend := detectBackend(rf.verbose)
	if backend == nil {
		fmt.Fprintln(os.Stderr, "warning: no LLM API key found -- pipelines with codergen nodes will fail")
		fmt.Fprintln(os.Stderr, "Set one of: ANTHROPIC_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY")
	}

	var events func(attractor.EngineEvent)
	if rf.verbose {
		events = logEvent
	}
	engine := buildEngine(rf, backend, events)

	server := attractor.NewPipelineServer(engine)
	server.ToDOT = attractor.GraphToDOT
	server.ToDOTWithStatus = attractor.GraphToDOTWithStatus
	server.RenderDOTSource = attractor.RenderDOT

	if store := openRunStore(rf); store != nil {
		server.SetRunStateStore(store)
		if err := server.LoadPersistedRuns(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}

	addr := fmt.Sprintf("127.0.0.1:%d", rf.Port)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	ctx, stop := signalContext()
	defer stop()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	fmt.Fprintf(os.Stderr, "listening on %s\n", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
