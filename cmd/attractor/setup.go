// ABOUTME: The setup subcommand: detect provider keys, collect missing ones into
// ABOUTME: .env, and optionally seed a starter config.yaml.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// provider describes one LLM key the wizard knows about.
type provider struct {
	name   string
	envVar string
	prefix string // expected key prefix, for a soft format check
}

var knownProviders = []provider{
	{"Anthropic", "ANTHROPIC_API_KEY", "sk-ant-"},
	{"OpenAI", "OPENAI_API_KEY", "sk-"},
	{"Gemini", "GEMINI_API_KEY", "AIza"},
}

func cmdSetup(args []string) int {
	var skipKeys bool
	var envFile string
	var writeConfig bool

	fs := flag.NewFlagSet("attractor setup", flag.ContinueOnError)
	fs.BoolVar(&skipKeys, "skip-keys", false, "skip API key collection")
	fs.StringVar(&envFile, "env-file", ".env", "path to write the .env file")
	fs.BoolVar(&writeConfig, "write-config", false, "write a starter config.yaml")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	return runWizard(wizardOptions{
		skipKeys:    skipKeys,
		envFile:     envFile,
		writeConfig: writeConfig,
	}, os.Stdin, os.Stdout)
}

type wizardOptions struct {
	skipKeys    bool
	envFile     string
	writeConfig bool
}

// runWizard drives the whole flow with injectable I/O.
func runWizard(opts wizardOptions, in io.Reader, out io.Writer) int {
	fmt.Fprintln(out, "attractor setup")
	fmt.Fprintln(out)

	configured := map[string]bool{}
	fmt.Fprintln(out, "LLM providers:")
	for _, p := range knownProviders {
		mark := "[ ]"
		if os.Getenv(p.envVar) != "" {
			mark = "[x]"
			configured[p.envVar] = true
		}
		fmt.Fprintf(out, "  %s %-10s %s\n", mark, p.name, p.envVar)
	}

	scanner := bufio.NewScanner(in)
	if !opts.skipKeys {
		collected := promptForKeys(scanner, out, configured)
		if len(collected) > 0 {
			if err := mergeEnvFile(opts.envFile, collected); err != nil {
				fmt.Fprintf(out, "error writing %s: %v\n", opts.envFile, err)
				return 1
			}
			fmt.Fprintf(out, "\nwrote %d key(s) to %s\n", len(collected), opts.envFile)
			for envVar := range collected {
				configured[envVar] = true
			}
		}
	}

	if opts.writeConfig {
		if path, err := seedConfigFile(); err != nil {
			fmt.Fprintf(out, "error writing config: %v\n", err)
			return 1
		} else if path != "" {
			fmt.Fprintf(out, "wrote starter config to %s\n", path)
		}
	}

	fmt.Fprintln(out)
	if len(configured) == 0 {
		fmt.Fprintln(out, "No API keys configured; set them in your .env or environment later.")
	}
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  attractor serve                start the HTTP API")
	fmt.Fprintln(out, "  attractor run pipeline.dot     execute a pipeline")
	return 0
}

// promptForKeys asks for each missing provider key; blank skips. Keys that
// miss the expected prefix need a confirmation.
func promptForKeys(scanner *bufio.Scanner, out io.Writer, configured map[string]bool) map[string]string {
	collected := map[string]string{}
	fmt.Fprintln(out, "\nEnter API keys (blank to skip):")

	for _, p := range knownProviders {
		if configured[p.envVar] {
			continue
		}
		fmt.Fprintf(out, "  %s (%s): ", p.name, p.envVar)
		if !scanner.Scan() {
			break
		}
		key := strings.TrimSpace(scanner.Text())
		if key == "" {
			continue
		}

		if !strings.HasPrefix(key, p.prefix) {
			fmt.Fprintf(out, "  key doesn't look like %s*; keep it anyway? [Y/n] ", p.prefix)
			if !scanner.Scan() {
				break
			}
			switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
			case "n", "no":
				fmt.Fprintf(out, "  skipped %s\n", p.name)
				continue
			}
		}
		collected[p.envVar] = key
	}
	return collected
}

// mergeEnvFile writes keys into the .env file, updating lines for keys it
// already defines and appending the rest. Unrelated lines survive untouched.
func mergeEnvFile(path string, keys map[string]string) error {
	var lines []string
	if data, err := os.ReadFile(path); err == nil {
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}

	pending := map[string]string{}
	for k, v := range keys {
		pending[k] = v
	}

	for i, line := range lines {
		name, _, ok := parseEnvLine(line)
		if !ok {
			continue
		}
		if value, waiting := pending[name]; waiting {
			lines[i] = name + "=" + value
			delete(pending, name)
		}
	}
	for _, p := range knownProviders {
		if value, waiting := pending[p.envVar]; waiting {
			lines = append(lines, p.envVar+"="+value)
		}
	}

	content := strings.TrimLeft(strings.Join(lines, "\n"), "\n") + "\n"
	return os.WriteFile(path, []byte(content), 0600)
}

// seedConfigFile writes the default settings as config.yaml, refusing to
// overwrite an existing file. Returns the written path, or "" when skipped.
func seedConfigFile() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	data, err := yaml.Marshal(defaultSettings())
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}
