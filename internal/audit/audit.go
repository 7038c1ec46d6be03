// Package audit provides a structured audit logger for CLI command invocations.
// It logs command name, resolved configuration, and sanitised environment state
// so operators can trace what happened without exposing secret values.
//
// Secrets are logged as presence or absence only, never their values.
package audit

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/54b3r/ragstream/internal/version"
)

// secretEnvKeys is derived from auditKeys so the two cannot drift.
var secretEnvKeys = func() map[string]bool {
	m := make(map[string]bool)
	for _, e := range auditKeys {
		if e.secret {
			m[e.key] = true
		}
	}
	return m
}()

// LogCommandStart emits one structured entry when a CLI command begins,
// recording the command, build version, config file and sanitised
// environment.
func LogCommandStart(log *slog.Logger, command string, configPath string) {
	attrs := make([]slog.Attr, 0, len(auditKeys)+4)
	attrs = append(attrs,
		slog.String("command", command),
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("config_file", sanitiseConfigPath(configPath)),
	)
	for _, entry := range auditKeys {
		attrs = append(attrs, slog.String(entry.key, SanitiseKey(entry.key, os.Getenv(entry.key))))
	}

	log.LogAttrs(context.Background(), slog.LevelInfo, "audit: command start", attrs...)
}

// auditEntry defines an env var to include in the audit log.
type auditEntry struct {
	// key is the environment variable name.
	key string
	// secret indicates the value should be redacted to presence/absence.
	secret bool
}

// auditKeys is the ordered list of env vars included in every audit log entry.
var auditKeys = []auditEntry{
	{"LLM_SERVER_API", false},
	{"LLAMA_SERVER_URL", false},
	{"LLAMA_API_KEY", true},
	{"OLLAMA_HOST", false},
	{"OLLAMA_MODEL", false},
	{"OPENAI_API_KEY", true},
	{"OPENAI_MODEL", false},
	{"AZURE_OPENAI_API_KEY", true},
	{"AZURE_OPENAI_ENDPOINT", false},
	{"AZURE_OPENAI_DEPLOYMENT", false},
	{"GOOGLE_API_KEY", true},
	{"GEMINI_MODEL", false},
	{"AWS_REGION", false},
	{"AWS_SECRET_ACCESS_KEY", true},
	{"AWS_SESSION_TOKEN", true},
	{"BEDROCK_MODEL_ID", false},
	{"EMBEDDING_PROVIDER", false},
	{"EMBEDDING_MODEL", false},
	{"EMBEDDING_API_KEY", true},
	{"VECTOR_STORE", false},
	{"QDRANT_HOST", false},
	{"QDRANT_PORT", false},
	{"QDRANT_API_KEY", true},
	{"QUEUE_DB_PATH", false},
	{"INACTIVE_THRESHOLD", false},
	{"COMPLETED_JOB_CLEANUP_DELAY", false},
	{"MAX_CONCURRENT_REQUESTS_FALLBACK", false},
	{"USE_SEMANTIC_ROUTES", false},
	{"SEMANTIC_ROUTES_FILE", false},
	{"COLLECTION_MAX_AGE", false},
	{"RAGSTREAM_API_KEY", true},
	{"LOG_LEVEL", false},
	{"LOG_FORMAT", false},
	{"LANGFUSE_PUBLIC_KEY", true},
	{"LANGFUSE_SECRET_KEY", true},
}

// SanitiseKey returns "set" or "unset" for known secret keys, or the actual
// value for non-secret keys. This is safe to use in log messages.
func SanitiseKey(key, value string) string {
	if secretEnvKeys[key] {
		return presence(value)
	}
	return valOrUnset(value)
}

// presence returns "set" if the value is non-empty, "unset" otherwise.
func presence(v string) string {
	if v != "" {
		return "set"
	}
	return "unset"
}

// valOrUnset returns the value if non-empty, "unset" otherwise.
func valOrUnset(v string) string {
	if v != "" {
		return v
	}
	return "unset"
}

// sanitiseConfigPath returns the config path or "none" if empty.
func sanitiseConfigPath(p string) string {
	if p == "" {
		return "none"
	}
	// Redact home directory for privacy in logs.
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}
