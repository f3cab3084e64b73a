package tools

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nimbuslabs/nimbus/internal/schema"
	"github.com/nimbuslabs/nimbus/internal/store"
	"github.com/nimbuslabs/nimbus/pkg/config"
)

type echoLLM struct{}

func (echoLLM) Generate(_ context.Context, _ string, _ schema.AssistantMode) string {
	return "generated: ok"
}

type panicTool struct{}

func (panicTool) Name() string                { return "panics" }
func (panicTool) Description() string         { return "always panics" }
func (panicTool) Parameters() map[string]any  { return map[string]any{} }
func (panicTool) Execute(context.Context, map[string]any, *Env) schema.ToolExecutionResult {
	panic("boom")
}

func testEnv(t *testing.T) *Env {
	t.Helper()
	cfg := config.Default()
	cfg.Policy.AllowedShellPrefixes = append(cfg.Policy.AllowedShellPrefixes, "echo")

	storage, err := store.Open(filepath.Join(t.TempDir(), "tools.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { storage.Close() })
	return &Env{Config: cfg, Storage: storage, LLM: echoLLM{}}
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry(testEnv(t))

	result := r.Execute(context.Background(), "nope", nil)
	if result.Success {
		t.Error("Unknown tool must fail, not succeed")
	}
	if !strings.Contains(result.Message, "Unknown tool") {
		t.Errorf("Unexpected message: %s", result.Message)
	}
}

func TestRegistry_RecoversFromPanic(t *testing.T) {
	r := NewRegistry(testEnv(t))
	r.Register(panicTool{})

	result := r.Execute(context.Background(), "panics", nil)
	if result.Success {
		t.Error("Panicking tool must come back as failure")
	}
	if !strings.Contains(result.Message, "panicked") {
		t.Errorf("Unexpected message: %s", result.Message)
	}
}

func TestRegistry_ListsDefaults(t *testing.T) {
	r := BuildDefaultRegistry(testEnv(t))

	infos := r.List()
	if len(infos) != 5 {
		t.Fatalf("Expected 5 default tools, got %d", len(infos))
	}
	for _, name := range []string{"open_app", "media_control", "reminder", "code_agent", "safe_shell"} {
		if !r.Has(name) {
			t.Errorf("Missing default tool %s", name)
		}
	}
}

func TestReminderTool(t *testing.T) {
	env := testEnv(t)
	r := BuildDefaultRegistry(env)
	ctx := context.Background()

	set := r.Execute(ctx, "reminder", map[string]any{"action": "set", "note": "drink water"})
	if !set.Success {
		t.Fatalf("set failed: %s", set.Message)
	}

	list := r.Execute(ctx, "reminder", map[string]any{"action": "list"})
	if !list.Success {
		t.Fatalf("list failed: %s", list.Message)
	}
	reminders := list.Data["reminders"].([]store.Reminder)
	if len(reminders) != 1 {
		t.Fatalf("Expected 1 reminder, got %d", len(reminders))
	}

	complete := r.Execute(ctx, "reminder", map[string]any{
		"action":      "complete",
		"reminder_id": int(reminders[0].ID),
	})
	if !complete.Success {
		t.Fatalf("complete failed: %s", complete.Message)
	}

	bad := r.Execute(ctx, "reminder", map[string]any{"action": "explode"})
	if bad.Success {
		t.Error("Unsupported action must fail")
	}
}

func TestMediaControlTool(t *testing.T) {
	env := testEnv(t)
	r := BuildDefaultRegistry(env)
	ctx := context.Background()

	ok := r.Execute(ctx, "media_control", map[string]any{"action": "play", "target": "jazz"})
	if !ok.Success {
		t.Errorf("play should be accepted: %s", ok.Message)
	}

	bad := r.Execute(ctx, "media_control", map[string]any{"action": "rewind"})
	if bad.Success {
		t.Error("Unknown media action must fail")
	}
}

func TestSafeShellTool(t *testing.T) {
	env := testEnv(t)
	r := BuildDefaultRegistry(env)
	ctx := context.Background()

	ok := r.Execute(ctx, "safe_shell", map[string]any{"command": "echo hello"})
	if !ok.Success {
		t.Fatalf("echo should run: %s", ok.Message)
	}
	if !strings.Contains(ok.Data["stdout"].(string), "hello") {
		t.Errorf("Expected stdout to contain hello, got %v", ok.Data["stdout"])
	}

	// The tool revalidates even if a caller bypasses the policy engine.
	blocked := r.Execute(ctx, "safe_shell", map[string]any{"command": "echo hi && whoami"})
	if blocked.Success {
		t.Error("Control operators must be rejected at the tool boundary too")
	}
}

func TestOpenAppTool_NotAllowlisted(t *testing.T) {
	env := testEnv(t)
	r := BuildDefaultRegistry(env)

	result := r.Execute(context.Background(), "open_app", map[string]any{"app_name": "regedit"})
	if result.Success {
		t.Error("Unlisted app must fail")
	}
}

func TestCodeAgentTool(t *testing.T) {
	env := testEnv(t)
	r := BuildDefaultRegistry(env)

	result := r.Execute(context.Background(), "code_agent", map[string]any{
		"task":     "write a hello world script",
		"language": "python",
	})
	if !result.Success {
		t.Fatalf("code_agent failed: %s", result.Message)
	}
	if !strings.HasPrefix(result.Data["output"].(string), "generated:") {
		t.Errorf("Expected model output, got %v", result.Data["output"])
	}
}
