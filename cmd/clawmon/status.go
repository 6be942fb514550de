package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/basket/clawmon/internal/bus"
	"github.com/basket/clawmon/internal/config"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawmon status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	base := serverBaseURL(cfg.BindAddr)

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	health, code, err := fetchJSON(reqCtx, base+"/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	fmt.Printf("server:  %s\n", base)
	fmt.Printf("status:  %v\n", health["status"])
	fmt.Printf("db:      %v\n", health["db"])
	if v, ok := health["version"]; ok {
		fmt.Printf("version: %v\n", v)
	}
	if code != http.StatusOK {
		return 1
	}

	raw, _, err := fetchRaw(reqCtx, base+"/api/agents")
	if err != nil {
		fmt.Fprintf(os.Stderr, "agents: %v\n", err)
		return 1
	}
	var agents []bus.AgentSnapshot
	if err := json.Unmarshal(raw, &agents); err != nil {
		fmt.Fprintf(os.Stderr, "agents: %v\n", err)
		return 1
	}

	fmt.Printf("agents:  %d\n", len(agents))
	for _, a := range agents {
		line := fmt.Sprintf("  %-16s %-12s", a.AgentID, a.Status)
		if a.CurrentTool != "" {
			line += " " + a.CurrentTool
		}
		if !a.LastEventAt.IsZero() {
			line += fmt.Sprintf("  last event %s", a.LastEventAt.Local().Format("15:04:05"))
		}
		fmt.Println(line)
	}
	return 0
}

func fetchJSON(ctx context.Context, url string) (map[string]any, int, error) {
	raw, code, err := fetchRaw(ctx, url)
	if err != nil {
		return nil, 0, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, code, err
	}
	return out, code, nil
}

func fetchRaw(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return raw, resp.StatusCode, err
}
