package injector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/clawmon/internal/config"
)

func testConfig() Config {
	return Config{
		ForwardCommand: "/usr/local/bin/clawmon forward",
		Port:           "7777",
	}
}

func writeSettingsFile(t *testing.T, dir string, doc map[string]any) string {
	t.Helper()
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func readSettingsFile(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func hookCommands(t *testing.T, doc map[string]any, event string) []string {
	t.Helper()
	hooks, _ := doc["hooks"].(map[string]any)
	groups, _ := hooks[event].([]any)
	var commands []string
	for _, rawGroup := range groups {
		group := rawGroup.(map[string]any)
		entries, _ := group["hooks"].([]any)
		for _, rawEntry := range entries {
			entry := rawEntry.(map[string]any)
			if cmd, ok := entry["command"].(string); ok {
				commands = append(commands, cmd)
			}
		}
	}
	return commands
}

func TestInject_AddsAllHookEvents(t *testing.T) {
	dir := t.TempDir()
	path := writeSettingsFile(t, dir, map[string]any{"model": "opus"})

	results, err := Inject(testConfig(), []config.AgentEntry{{AgentID: "builder", ConfigDir: dir}})
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if len(results) != 1 || !results[0].Changed {
		t.Fatalf("results = %+v", results)
	}

	doc := readSettingsFile(t, path)
	if doc["model"] != "opus" {
		t.Fatal("foreign top-level key dropped")
	}
	for _, event := range []string{"SessionStart", "UserPromptSubmit", "PreToolUse", "PostToolUse", "PostToolUseFailure", "Stop", "SubagentStart", "SubagentStop"} {
		commands := hookCommands(t, doc, event)
		if len(commands) != 1 {
			t.Fatalf("%s: commands = %v", event, commands)
		}
		cmd := commands[0]
		if !strings.Contains(cmd, "CLAWMON_HOOK_EVENT="+event) ||
			!strings.Contains(cmd, "CLAWMON_AGENT_ID=builder") ||
			!strings.Contains(cmd, "CLAWMON_PORT=7777") ||
			!strings.HasSuffix(cmd, "/usr/local/bin/clawmon forward") {
			t.Fatalf("%s: command = %q", event, cmd)
		}
	}
}

func TestInject_Idempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeSettingsFile(t, dir, map[string]any{})
	roster := []config.AgentEntry{{AgentID: "a1", ConfigDir: dir}}

	if _, err := Inject(testConfig(), roster); err != nil {
		t.Fatalf("first inject: %v", err)
	}
	results, err := Inject(testConfig(), roster)
	if err != nil {
		t.Fatalf("second inject: %v", err)
	}
	if results[0].Changed {
		t.Fatal("second inject reported changes")
	}
	if got := hookCommands(t, readSettingsFile(t, path), "Stop"); len(got) != 1 {
		t.Fatalf("Stop hooks after double inject = %v", got)
	}
}

func TestInject_UpdatesStaleCommand(t *testing.T) {
	dir := t.TempDir()
	roster := []config.AgentEntry{{AgentID: "a1", ConfigDir: dir}}

	oldCfg := testConfig()
	oldCfg.Port = "7000"
	writeSettingsFile(t, dir, map[string]any{})
	if _, err := Inject(oldCfg, roster); err != nil {
		t.Fatalf("seed inject: %v", err)
	}

	results, err := Inject(testConfig(), roster)
	if err != nil {
		t.Fatalf("re-inject: %v", err)
	}
	if !results[0].Changed {
		t.Fatal("port change not applied")
	}
	commands := hookCommands(t, readSettingsFile(t, filepath.Join(dir, "settings.json")), "Stop")
	if len(commands) != 1 || !strings.Contains(commands[0], "CLAWMON_PORT=7777") {
		t.Fatalf("commands = %v", commands)
	}
}

func TestInject_PreservesForeignHooks(t *testing.T) {
	dir := t.TempDir()
	path := writeSettingsFile(t, dir, map[string]any{
		"hooks": map[string]any{
			"PreToolUse": []any{
				map[string]any{"hooks": []any{
					map[string]any{"type": "command", "command": "/opt/lint-check"},
				}},
			},
		},
	})
	roster := []config.AgentEntry{{AgentID: "a1", ConfigDir: dir}}

	if _, err := Inject(testConfig(), roster); err != nil {
		t.Fatalf("inject: %v", err)
	}
	commands := hookCommands(t, readSettingsFile(t, path), "PreToolUse")
	if len(commands) != 2 || commands[0] != "/opt/lint-check" {
		t.Fatalf("commands = %v", commands)
	}
}

func TestInject_SkipsMissingSettings(t *testing.T) {
	results, err := Inject(testConfig(), []config.AgentEntry{{AgentID: "ghost", ConfigDir: t.TempDir()}})
	if err != nil {
		t.Fatalf("inject: %v", err)
	}
	if !results[0].Skipped || results[0].Changed {
		t.Fatalf("results = %+v", results)
	}
}

func TestRemove_StripsOnlyOwnHooks(t *testing.T) {
	dir := t.TempDir()
	path := writeSettingsFile(t, dir, map[string]any{
		"hooks": map[string]any{
			"PreToolUse": []any{
				map[string]any{"hooks": []any{
					map[string]any{"type": "command", "command": "/opt/lint-check"},
				}},
			},
		},
	})
	roster := []config.AgentEntry{{AgentID: "a1", ConfigDir: dir}}

	if _, err := Inject(testConfig(), roster); err != nil {
		t.Fatalf("inject: %v", err)
	}
	results, err := Remove(testConfig(), roster)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !results[0].Changed {
		t.Fatal("remove reported no changes")
	}

	doc := readSettingsFile(t, path)
	if got := hookCommands(t, doc, "PreToolUse"); len(got) != 1 || got[0] != "/opt/lint-check" {
		t.Fatalf("PreToolUse commands = %v", got)
	}
	hooks := doc["hooks"].(map[string]any)
	if _, ok := hooks["Stop"]; ok {
		t.Fatal("empty Stop event array kept after removal")
	}

	again, err := Remove(testConfig(), roster)
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if again[0].Changed {
		t.Fatal("second remove reported changes")
	}
}
