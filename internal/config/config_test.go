package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := &Config{
		BackendBaseURL:    "http://127.0.0.1:8000",
		ListenAddr:        "127.0.0.1:8600",
		OpenAIModel:       "gpt-4o",
		WebSearchProvider: "brave",
		LogFormat:         "text",
		LogLevel:          "debug",
		MaxIterations:     3,
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := st.Mode().Perm(); perm != 0o600 {
		t.Fatalf("perm=%o, want 600", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.BackendBaseURL != cfg.BackendBaseURL || got.LogLevel != "debug" || got.MaxIterations != 3 {
		t.Fatalf("got=%+v, want %+v", got, cfg)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"minimal", Config{BackendBaseURL: "http://localhost:8000"}, true},
		{"missing backend", Config{}, false},
		{"bad log format", Config{BackendBaseURL: "http://x", LogFormat: "xml"}, false},
		{"bad log level", Config{BackendBaseURL: "http://x", LogLevel: "verbose"}, false},
		{"bad search provider", Config{BackendBaseURL: "http://x", WebSearchProvider: "bing"}, false},
		{"negative iterations", Config{BackendBaseURL: "http://x", MaxIterations: -1}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("Validate accepted invalid config")
			}
		})
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("backend_base_url: [esto no"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted broken YAML")
	}
}

func TestLoadSecretsFromEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ANTHROPIC_API_KEY", "")

	s, err := LoadSecrets()
	if err != nil {
		t.Fatalf("LoadSecrets: %v", err)
	}
	if s.OpenAIAPIKey != "sk-test" {
		t.Fatalf("OpenAIAPIKey=%q, want sk-test", s.OpenAIAPIKey)
	}
	if s.AnthropicAPIKey != "" {
		t.Fatalf("AnthropicAPIKey=%q, want empty", s.AnthropicAPIKey)
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	if _, err := NewLogger("json", "info"); err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if _, err := NewLogger("text", "warn"); err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	if _, err := NewLogger("xml", "info"); err == nil {
		t.Fatal("NewLogger accepted unknown format")
	}
	if _, err := NewLogger("json", "loud"); err == nil {
		t.Fatal("NewLogger accepted unknown level")
	}
	if !strings.Contains(DefaultConfigPath(), "consulta-agent") {
		t.Fatalf("DefaultConfigPath=%q", DefaultConfigPath())
	}
}
