package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"syncwake/internal/domain"
)

const (
	defaultCommandTimeout = 30 * time.Second
	defaultWebhookTimeout = 10 * time.Second
	maxOutputBytes        = 4096
)

// NoopInvoker accepts every invocation. Used for notify.target "none".
type NoopInvoker struct{}

func (NoopInvoker) Name() string                                          { return "none" }
func (NoopInvoker) Invoke(ctx context.Context, _ domain.Invocation) error { return nil }

type CommandConfig struct {
	Path    string
	Args    []string // {channel} {recipient} {message} are substituted per argument
	Timeout time.Duration
	Logger  *slog.Logger
}

// CommandInvoker runs the agent CLI once per notification. Arguments are
// passed directly to the process, never through a shell.
type CommandInvoker struct {
	path    string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

func NewCommandInvoker(cfg CommandConfig) *CommandInvoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCommandTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CommandInvoker{
		path:    cfg.Path,
		args:    cfg.Args,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

func (c *CommandInvoker) Name() string { return "command" }

func (c *CommandInvoker) Invoke(ctx context.Context, inv domain.Invocation) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := expandArgs(c.args, inv)
	cmd := exec.CommandContext(ctx, c.path, args...)
	cmd.WaitDelay = time.Second
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s timed out after %s", c.path, c.timeout)
		}
		return fmt.Errorf("%s: %w: %s", c.path, err, truncate(strings.TrimSpace(string(output)), maxOutputBytes))
	}
	c.logger.Debug("agent command finished", "path", c.path, "output", truncate(strings.TrimSpace(string(output)), maxOutputBytes))
	return nil
}

func expandArgs(args []string, inv domain.Invocation) []string {
	r := strings.NewReplacer(
		"{channel}", inv.Channel,
		"{recipient}", inv.Recipient,
		"{message}", inv.Message,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

type WebhookConfig struct {
	URL        string
	Secret     string // HMAC secret; signature sent as X-Signature-256
	Timeout    time.Duration
	HTTPClient *http.Client
}

// WebhookInvoker POSTs the invocation as JSON.
type WebhookInvoker struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookInvoker(cfg WebhookConfig) *WebhookInvoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &WebhookInvoker{url: cfg.URL, secret: cfg.Secret, client: client}
}

func (w *WebhookInvoker) Name() string { return "webhook" }

func (w *WebhookInvoker) Invoke(ctx context.Context, inv domain.Invocation) error {
	body, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invocation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("X-Signature-256", signHMAC(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// signHMAC returns the "sha256=<hex>" signature of body.
func signHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
