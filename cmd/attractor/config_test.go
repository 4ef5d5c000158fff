// ABOUTME: Settings layering, XDG directory resolution, and .env parsing tests.
package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseEnvLine(t *testing.T) {
	cases := []struct {
		line      string
		wantKey   string
		wantValue string
		wantOK    bool
	}{
		{"FOO=bar", "FOO", "bar", true},
		{"export FOO=bar", "FOO", "bar", true},
		{`FOO="quoted value"`, "FOO", "quoted value", true},
		{"FOO='single'", "FOO", "single", true},
		{"FOO=a=b=c", "FOO", "a=b=c", true},
		{"  FOO = spaced  ", "FOO", "spaced", true},
		{"# comment", "", "", false},
		{"", "", "", false},
		{"no equals here", "", "", false},
		{"=value", "", "", false},
	}
	for _, tc := range cases {
		key, value, ok := parseEnvLine(tc.line)
		if ok != tc.wantOK || key != tc.wantKey || value != tc.wantValue {
			t.Errorf("parseEnvLine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.line, key, value, ok, tc.wantKey, tc.wantValue, tc.wantOK)
		}
	}
}

func TestApplyEnvFileDoesNotClobber(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	os.WriteFile(path, []byte("CFG_TEST_SET=fromfile\nCFG_TEST_NEW=fresh\n"), 0600)

	t.Setenv("CFG_TEST_SET", "fromenv")
	os.Unsetenv("CFG_TEST_NEW")
	defer os.Unsetenv("CFG_TEST_NEW")

	applyEnvFile(path)

	if got := os.Getenv("CFG_TEST_SET"); got != "fromenv" {
		t.Errorf("existing var clobbered: %q", got)
	}
	if got := os.Getenv("CFG_TEST_NEW"); got != "fresh" {
		t.Errorf("new var = %q", got)
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := loadSettings()
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if cfg.Port != 2389 || cfg.Retry != "none" || cfg.Store != "fs" {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadSettingsFromYAML(t *testing.T) {
	confHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", confHome)

	dir := filepath.Join(confHome, "attractor")
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(
		"port: 9999\nretry: standard\nstore: sqlite\nbase_url: http://localhost:1\n"), 0644)

	cfg, err := loadSettings()
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if cfg.Port != 9999 || cfg.Retry != "standard" || cfg.Store != "sqlite" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.BaseURL != "http://localhost:1" {
		t.Errorf("base_url = %q", cfg.BaseURL)
	}
}

func TestLoadSettingsMalformedYAML(t *testing.T) {
	confHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", confHome)

	dir := filepath.Join(confHome, "attractor")
	os.MkdirAll(dir, 0755)
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("port: [not an int\n"), 0644)

	if _, err := loadSettings(); err == nil {
		t.Error("malformed config should error")
	}
}

func TestXDGDirectories(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")

	if d, _ := dataDir(); d != "/tmp/xdg-data/attractor" {
		t.Errorf("dataDir = %q", d)
	}
	if d, _ := configDir(); d != "/tmp/xdg-config/attractor" {
		t.Errorf("configDir = %q", d)
	}
}

func TestXDGFallbackUsesHome(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}

	d, err := dataDir()
	if err != nil {
		t.Fatalf("dataDir: %v", err)
	}
	if !strings.HasPrefix(d, home) || !strings.HasSuffix(d, filepath.Join(".local", "share", "attractor")) {
		t.Errorf("dataDir = %q", d)
	}
}
