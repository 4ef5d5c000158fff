// ABOUTME: Layered CLI settings: built-in defaults, config.yaml, then flags on top.
// ABOUTME: Also loads .env files (cwd upward, then beside the binary) without clobbering.
package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// settings is everything the run/serve commands need that isn't per-invocation.
// The yaml tags define the config.yaml schema.
type settings struct {
	Port          int    `yaml:"port"`
	DataDir       string `yaml:"data_dir"`
	CheckpointDir string `yaml:"checkpoint_dir"`
	ArtifactDir   string `yaml:"artifact_dir"`
	Retry         string `yaml:"retry"`
	BaseURL       string `yaml:"base_url"`
	Store         string `yaml:"store"` // fs | sqlite
}

func defaultSettings() settings {
	return settings{
		Port:  2389,
		Retry: "none",
		Store: "fs",
	}
}

// loadSettings layers config.yaml (when present) over the defaults. An
// unreadable or malformed file is an error; a missing one is not.
func loadSettings() (settings, error) {
	cfg := defaultSettings()

	dir, err := configDir()
	if err != nil {
		return cfg, nil
	}
	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// resolveDataDir returns the settings' data dir, or the XDG default.
func (s settings) resolveDataDir() (string, error) {
	if s.DataDir != "" {
		return s.DataDir, nil
	}
	return dataDir()
}

// dataDir: $XDG_DATA_HOME/attractor or ~/.local/share/attractor.
func dataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "attractor"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "attractor"), nil
}

// configDir: $XDG_CONFIG_HOME/attractor or ~/.config/attractor.
func configDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "attractor"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "attractor"), nil
}

// --- .env ---

// loadEnvFiles walks .env candidates: the working directory and its parents,
// then the directory holding the binary. First definition of a key wins;
// real environment variables always win over files.
func loadEnvFiles() {
	seen := map[string]bool{}
	try := func(path string) {
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		applyEnvFile(path)
	}

	if wd, err := os.Getwd(); err == nil {
		for dir := wd; ; dir = filepath.Dir(dir) {
			try(filepath.Join(dir, ".env"))
			if filepath.Dir(dir) == dir {
				break
			}
		}
	}
	if exe, err := os.Executable(); err == nil {
		try(filepath.Join(filepath.Dir(exe), ".env"))
	}
}

// applyEnvFile sets variables from one .env file, skipping keys already in
// the environment. Missing files are fine.
func applyEnvFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := parseEnvLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
}

// parseEnvLine handles KEY=VALUE, quoted values, export prefixes, comments.
func parseEnvLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, value, ok = strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return "", "", false
	}

	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, true
}
