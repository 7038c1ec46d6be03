package audit

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestSanitiseKey_Secret(t *testing.T) {
	t.Parallel()
	if got := SanitiseKey("OPENAI_API_KEY", "sk-abc123"); got != "set" {
		t.Errorf("expected 'set', got %q", got)
	}
	if got := SanitiseKey("OPENAI_API_KEY", ""); got != "unset" {
		t.Errorf("expected 'unset', got %q", got)
	}
}

func TestSanitiseKey_NonSecret(t *testing.T) {
	t.Parallel()
	if got := SanitiseKey("LLM_SERVER_API", "ollama"); got != "azure" {
		t.Errorf("expected 'ollama', got %q", got)
	}
	if got := SanitiseKey("LLM_SERVER_API", ""); got != "unset" {
		t.Errorf("expected 'unset', got %q", got)
	}
}

func TestSanitiseKey_ServerKeyIsSecret(t *testing.T) {
	t.Parallel()
	for _, key := range []string{"RAGSTREAM_API_KEY", "LLAMA_API_KEY", "QDRANT_API_KEY"} {
		if got := SanitiseKey(key, "hunter2"); got != "set" {
			t.Errorf("%s: expected 'set', got %q", key, got)
		}
	}
}

func TestLogCommandStart_RedactsSecrets(t *testing.T) {
	t.Setenv("RAGSTREAM_API_KEY", "super-secret")
	t.Setenv("LLM_SERVER_API", "llama")

	var buf bytes.Buffer
	LogCommandStart(slog.New(slog.NewJSONHandler(&buf, nil)), "serve", "")

	out := buf.String()
	if strings.Contains(out, "super-secret") {
		t.Fatalf("secret value leaked into audit log: %s", out)
	}
	for _, want := range []string{`"RAGSTREAM_API_KEY":"set"`, `"LLM_SERVER_API":"llama"`, `"command":"serve"`, `"config_file":"none"`} {
		if !strings.Contains(out, want) {
			t.Errorf("audit log missing %s: %s", want, out)
		}
	}
}

func TestPresence(t *testing.T) {
	t.Parallel()
	if got := presence("something"); got != "set" {
		t.Errorf("expected 'set', got %q", got)
	}
	if got := presence(""); got != "unset" {
		t.Errorf("expected 'unset', got %q", got)
	}
}

func TestSanitiseConfigPath(t *testing.T) {
	t.Parallel()
	if got := sanitiseConfigPath(""); got != "none" {
		t.Errorf("expected 'none', got %q", got)
	}
	if got := sanitiseConfigPath("/tmp/config.yaml"); got != "/tmp/config.yaml" {
		t.Errorf("expected '/tmp/config.yaml', got %q", got)
	}
	home, err := os.UserHomeDir()
	if err == nil {
		p := home + "/.ragstream/config.yaml"
		if got := sanitiseConfigPath(p); got != "~/.ragstream/config.yaml" {
			t.Errorf("expected '~/.ragstream/config.yaml', got %q", got)
		}
	}
}
