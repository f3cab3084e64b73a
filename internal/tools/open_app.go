package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/nimbuslabs/nimbus/internal/schema"
)

// OpenAppTool launches allow-listed desktop applications. The mapping from
// app key to launch command lives in configuration; anything not in it fails.
type OpenAppTool struct{}

func (t *OpenAppTool) Name() string { return "open_app" }

func (t *OpenAppTool) Description() string {
	return "Open allowlisted desktop applications."
}

func (t *OpenAppTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"app_name": map[string]any{
				"type":        "string",
				"description": "Allowlisted application key to launch",
			},
		},
		"required": []string{"app_name"},
	}
}

func (t *OpenAppTool) Execute(ctx context.Context, args map[string]any, env *Env) schema.ToolExecutionResult {
	appName := strings.ToLower(strings.TrimSpace(argString(args, "app_name")))
	if appName == "" {
		return schema.ToolExecutionResult{Success: false, Message: "Missing app_name."}
	}

	command, ok := env.Config.Policy.AllowedApps[appName]
	if !ok {
		return schema.ToolExecutionResult{
			Success: false,
			Message: fmt.Sprintf("App '%s' is not in allowlist.", appName),
		}
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return schema.ToolExecutionResult{Success: false, Message: "Configured app command is empty."}
	}

	cmd := exec.Command(fields[0], fields[1:]...)
	if err := cmd.Start(); err != nil {
		return schema.ToolExecutionResult{
			Success: false,
			Message: fmt.Sprintf("Failed to open app: %v", err),
		}
	}
	// Detach: the launched app outlives the tool call.
	go func() { _ = cmd.Wait() }()

	return schema.ToolExecutionResult{
		Success: true,
		Message: fmt.Sprintf("Opened %s.", appName),
		Data: map[string]any{
			"app_name": appName,
			"command":  command,
		},
	}
}
