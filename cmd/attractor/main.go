// ABOUTME: CLI entrypoint: subcommand dispatch for run, validate, serve, setup, version.
// ABOUTME: A bare .dot file argument is shorthand for "run".
package main

import (
	"fmt"
	"os"
	"strings"
)

var version = "dev"

const usageText = `attractor — DOT-graph pipeline runner

Usage:
  attractor run [flags] <pipeline.dot>       Execute a pipeline
  attractor validate <pipeline.dot>          Parse and lint without executing
  attractor serve [flags]                    Start the HTTP API server
  attractor setup [flags]                    Interactive first-run setup
  attractor version                          Print version

  attractor <pipeline.dot>                   Shorthand for "attractor run"

Run "attractor <command> -h" for command flags.
Settings load from config.yaml in the attractor config directory; flags win.
`

func usage() {
	fmt.Fprint(os.Stderr, usageText)
}

func main() {
	loadEnvFiles()
	os.Exit(dispatch(os.Args[1:]))
}

// dispatch routes to a subcommand. Exit codes: 0 ok, 1 failure, 2 usage.
func dispatch(args []string) int {
	if len(args) == 0 {
		usage()
		return 0
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		return cmdRun(rest)
	case "validate":
		return cmdValidate(rest)
	case "serve":
		return cmdServe(rest)
	case "setup":
		return cmdSetup(rest)
	case "version", "-version", "--version":
		fmt.Printf("attractor %s\n", version)
		return 0
	case "help", "-h", "-help", "--help":
		usage()
		return 0
	}

	// bare pipeline file: treat as run
	if strings.HasSuffix(cmd, ".dot") {
		return cmdRun(args)
	}

	fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
	usage()
	return 2
}
