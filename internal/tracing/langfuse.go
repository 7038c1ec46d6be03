// Package tracing wires Langfuse tracing into every eino chat model call.
// The llama.cpp connector does not go through eino and is not traced.
package tracing

import (
	"log/slog"
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// Config is the Langfuse connection. Tracing is disabled unless both keys
// are set.
type Config struct {
	Host      string
	PublicKey string
	SecretKey string
}

// ConfigFromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY.
func ConfigFromEnv() Config {
	return Config{
		Host:      os.Getenv("LANGFUSE_HOST"),
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	}
}

// Enabled reports whether both keys are present.
func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.SecretKey != ""
}

// Setup registers a Langfuse handler as a global eino callback when cfg is
// enabled. The returned flush function must be called before process exit
// so buffered traces are sent; it is a no-op when tracing is off.
func Setup(cfg Config, log *slog.Logger) (flush func(), enabled bool) {
	if log == nil {
		log = slog.Default()
	}
	if !cfg.Enabled() {
		log.Debug("tracing: langfuse disabled")
		return func() {}, false
	}
	if cfg.Host == "" {
		cfg.Host = "http://localhost:3000"
	}

	handler, flusher := langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      cfg.Host,
		PublicKey: cfg.PublicKey,
		SecretKey: cfg.SecretKey,
		Name:      "ragstream",
	})
	callbacks.AppendGlobalHandlers(handler)
	log.Info("tracing: langfuse enabled", "host", cfg.Host)

	return flusher, true
}
