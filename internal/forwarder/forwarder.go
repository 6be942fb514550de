// Package forwarder is the hook-side bridge: it reads one hook payload
// from stdin, posts it to the monitor, and always tells the caller to
// continue. A dead or slow monitor must never block an agent.
package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	// EnvAgentID names the reporting agent; injected hook commands set it.
	EnvAgentID = "CLAWMON_AGENT_ID"
	// EnvHookEvent carries the lifecycle event kind for this invocation.
	EnvHookEvent = "CLAWMON_HOOK_EVENT"
	// EnvServerURL overrides the full ingestion endpoint.
	EnvServerURL = "CLAWMON_SERVER_URL"
	// EnvPort overrides only the port of the default local endpoint.
	EnvPort = "CLAWMON_PORT"

	DefaultStdinTimeout = 3 * time.Second
	DefaultPostTimeout  = 2 * time.Second

	// maxPayload caps how much hook output is read and forwarded.
	maxPayload = 1 << 20
)

type Config struct {
	AgentID   string
	HookEvent string
	ServerURL string

	Stdin  io.Reader
	Stdout io.Writer

	StdinTimeout time.Duration
	PostTimeout  time.Duration
	HTTPClient   *http.Client
	Now          func() time.Time
}

// FromEnv builds the config an injected hook command runs with.
func FromEnv() Config {
	agentID := os.Getenv(EnvAgentID)
	if agentID == "" {
		agentID = "unknown"
	}
	hookEvent := os.Getenv(EnvHookEvent)
	if hookEvent == "" {
		hookEvent = "unknown"
	}
	serverURL := os.Getenv(EnvServerURL)
	if serverURL == "" {
		port := os.Getenv(EnvPort)
		if port == "" {
			port = "7777"
		}
		serverURL = "http://127.0.0.1:" + port + "/api/events"
	}
	return Config{
		AgentID:   agentID,
		HookEvent: hookEvent,
		ServerURL: serverURL,
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
	}
}

// Run forwards one hook payload. It never fails the hook: send errors
// are swallowed and {"continue": true} is always written to stdout.
func Run(ctx context.Context, cfg Config) error {
	if cfg.StdinTimeout <= 0 {
		cfg.StdinTimeout = DefaultStdinTimeout
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = DefaultPostTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	raw := readWithTimeout(cfg.Stdin, cfg.StdinTimeout)
	forward(ctx, cfg, raw)

	_, err := io.WriteString(cfg.Stdout, `{"continue": true}`)
	return err
}

// readWithTimeout drains stdin up to maxPayload, giving up after the
// timeout. Some hook hosts never close the pipe.
func readWithTimeout(r io.Reader, timeout time.Duration) []byte {
	if r == nil {
		return nil
	}
	done := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(io.LimitReader(r, maxPayload))
		done <- data
	}()
	select {
	case data := <-done:
		return data
	case <-time.After(timeout):
		return nil
	}
}

func forward(ctx context.Context, cfg Config, raw []byte) {
	var data json.RawMessage
	if json.Valid(raw) && len(bytes.TrimSpace(raw)) > 0 {
		data = raw
	} else if len(raw) > 0 {
		wrapped, err := json.Marshal(map[string]string{"raw_input": string(raw)})
		if err != nil {
			return
		}
		data = wrapped
	}

	envelope := map[string]any{
		"agent_id":   cfg.AgentID,
		"hook_event": cfg.HookEvent,
		"timestamp":  cfg.Now().UTC().Format(time.RFC3339Nano),
	}
	if data != nil {
		envelope["data"] = data
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return
	}

	postCtx, cancel := context.WithTimeout(ctx, cfg.PostTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, cfg.ServerURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
