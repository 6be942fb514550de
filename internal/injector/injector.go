// Package injector wires agents up for monitoring: it edits each
// configured agent's Claude settings.json, appending a forwarder hook
// command per lifecycle event. Edits are idempotent and never touch
// hooks it did not write.
package injector

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/clawmon/internal/config"
	"github.com/basket/clawmon/internal/forwarder"
	"github.com/basket/clawmon/internal/lifecycle"
)

// settingsFile is the per-agent Claude settings file under its config dir.
const settingsFile = "settings.json"

type Config struct {
	// ForwardCommand invokes the forwarder binary, e.g.
	// "/usr/local/bin/clawmon forward". It doubles as the ownership
	// marker: a hook whose command contains it is ours.
	ForwardCommand string

	// Port is baked into each hook command so forwarders find the server.
	Port string

	// DefaultConfigDir is used for roster entries without a config_dir,
	// typically ~/.claude.
	DefaultConfigDir string

	Logger *slog.Logger
}

// Result reports what happened to one agent's settings file.
type Result struct {
	AgentID string
	Path    string
	Changed bool
	Skipped bool
	Reason  string
}

// hookCommand builds the command line written into settings.json for one
// (agent, event) pair.
func (c Config) hookCommand(agentID string, kind lifecycle.Kind) string {
	return fmt.Sprintf("%s=%s %s=%s %s=%s %s",
		forwarder.EnvHookEvent, kind,
		forwarder.EnvAgentID, agentID,
		forwarder.EnvPort, c.Port,
		c.ForwardCommand)
}

func (c Config) ownsHook(command string) bool {
	return strings.Contains(command, c.ForwardCommand)
}

// Inject adds or refreshes the forwarder hook for every roster agent.
// Files that are missing or unparseable are skipped, not created: an
// agent without settings has never run and has nothing to monitor.
func Inject(cfg Config, agents []config.AgentEntry) ([]Result, error) {
	return apply(cfg, agents, cfg.inject)
}

// Remove strips every forwarder hook Inject added, leaving foreign hooks
// and all other settings untouched.
func Remove(cfg Config, agents []config.AgentEntry) ([]Result, error) {
	return apply(cfg, agents, cfg.remove)
}

func apply(cfg Config, agents []config.AgentEntry, edit func(agentID string, settings map[string]any) bool) ([]Result, error) {
	if cfg.ForwardCommand == "" {
		return nil, fmt.Errorf("injector: forward command is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	results := make([]Result, 0, len(agents))
	for _, agent := range agents {
		dir := agent.ConfigDir
		if dir == "" {
			dir = cfg.DefaultConfigDir
		}
		path := filepath.Join(dir, settingsFile)
		res := Result{AgentID: agent.AgentID, Path: path}

		settings, err := readSettings(path)
		if err != nil {
			res.Skipped = true
			res.Reason = err.Error()
			log.Warn("injector: skipping agent", "agent_id", agent.AgentID, "path", path, "reason", err)
			results = append(results, res)
			continue
		}

		if edit(agent.AgentID, settings) {
			if err := writeSettings(path, settings); err != nil {
				return results, fmt.Errorf("write %s: %w", path, err)
			}
			res.Changed = true
			log.Info("injector: settings updated", "agent_id", agent.AgentID, "path", path)
		}
		results = append(results, res)
	}
	return results, nil
}

// inject edits a parsed settings document in place. Reports whether
// anything changed.
func (c Config) inject(agentID string, settings map[string]any) bool {
	hooks, ok := settings["hooks"].(map[string]any)
	if !ok {
		hooks = make(map[string]any)
		settings["hooks"] = hooks
	}

	changed := false
	for _, kind := range lifecycle.AllKinds() {
		command := c.hookCommand(agentID, kind)
		groups, _ := hooks[string(kind)].([]any)

		if existing := c.findOwnHook(groups); existing != nil {
			if existing["command"] != command {
				existing["command"] = command
				changed = true
			}
			continue
		}

		groups = append(groups, map[string]any{
			"hooks": []any{
				map[string]any{"type": "command", "command": command},
			},
		})
		hooks[string(kind)] = groups
		changed = true
	}
	return changed
}

func (c Config) remove(_ string, settings map[string]any) bool {
	hooks, ok := settings["hooks"].(map[string]any)
	if !ok {
		return false
	}

	changed := false
	for event, rawGroups := range hooks {
		groups, ok := rawGroups.([]any)
		if !ok {
			continue
		}
		kept := groups[:0]
		for _, rawGroup := range groups {
			group, ok := rawGroup.(map[string]any)
			if !ok {
				kept = append(kept, rawGroup)
				continue
			}
			entries, ok := group["hooks"].([]any)
			if !ok {
				kept = append(kept, rawGroup)
				continue
			}
			keptEntries := entries[:0]
			for _, rawEntry := range entries {
				if entry, ok := rawEntry.(map[string]any); ok {
					if command, ok := entry["command"].(string); ok && c.ownsHook(command) {
						changed = true
						continue
					}
				}
				keptEntries = append(keptEntries, rawEntry)
			}
			if len(keptEntries) == 0 {
				continue
			}
			group["hooks"] = keptEntries
			kept = append(kept, rawGroup)
		}
		if len(kept) == 0 {
			delete(hooks, event)
		} else {
			hooks[event] = kept
		}
	}
	return changed
}

// findOwnHook returns the first forwarder hook entry in any group, or nil.
func (c Config) findOwnHook(groups []any) map[string]any {
	for _, rawGroup := range groups {
		group, ok := rawGroup.(map[string]any)
		if !ok {
			continue
		}
		entries, ok := group["hooks"].([]any)
		if !ok {
			continue
		}
		for _, rawEntry := range entries {
			entry, ok := rawEntry.(map[string]any)
			if !ok {
				continue
			}
			if command, ok := entry["command"].(string); ok && c.ownsHook(command) {
				return entry
			}
		}
	}
	return nil
}

func readSettings(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var settings map[string]any
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return settings, nil
}

func writeSettings(path string, settings map[string]any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(settings); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
