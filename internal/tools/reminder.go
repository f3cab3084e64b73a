package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nimbuslabs/nimbus/internal/schema"
)

// ReminderTool creates, lists, and completes reminders through storage.
type ReminderTool struct{}

func (t *ReminderTool) Name() string { return "reminder" }

func (t *ReminderTool) Description() string {
	return "Create, list, and complete reminders."
}

func (t *ReminderTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []string{"set", "list", "complete"},
			},
			"note":        map[string]any{"type": "string"},
			"due_at":      map[string]any{"type": "string"},
			"reminder_id": map[string]any{"type": "integer"},
		},
		"required": []string{"action"},
	}
}

func (t *ReminderTool) Execute(ctx context.Context, args map[string]any, env *Env) schema.ToolExecutionResult {
	action := strings.ToLower(strings.TrimSpace(argString(args, "action")))

	switch action {
	case "set":
		note := strings.TrimSpace(argString(args, "note"))
		if note == "" {
			note = "Reminder"
		}
		dueAt := strings.TrimSpace(argString(args, "due_at"))
		if dueAt == "" {
			dueAt = time.Now().UTC().Add(30 * time.Minute).Format(time.RFC3339)
		}
		id, err := env.Storage.AddReminder(note, dueAt)
		if err != nil {
			return schema.ToolExecutionResult{
				Success: false,
				Message: fmt.Sprintf("Failed to store reminder: %v", err),
			}
		}
		return schema.ToolExecutionResult{
			Success: true,
			Message: fmt.Sprintf("Reminder created: %s", note),
			Data:    map[string]any{"id": id, "note": note, "due_at": dueAt},
		}

	case "list":
		reminders, err := env.Storage.ListReminders(false)
		if err != nil {
			return schema.ToolExecutionResult{
				Success: false,
				Message: fmt.Sprintf("Failed to list reminders: %v", err),
			}
		}
		return schema.ToolExecutionResult{
			Success: true,
			Message: fmt.Sprintf("Found %d active reminders.", len(reminders)),
			Data:    map[string]any{"reminders": reminders},
		}

	case "complete":
		id := argInt(args, "reminder_id", -1)
		if id < 0 {
			return schema.ToolExecutionResult{Success: false, Message: "Missing reminder_id."}
		}
		ok, err := env.Storage.CompleteReminder(int64(id))
		if err != nil {
			return schema.ToolExecutionResult{
				Success: false,
				Message: fmt.Sprintf("Failed to complete reminder: %v", err),
			}
		}
		if !ok {
			return schema.ToolExecutionResult{
				Success: false,
				Message: fmt.Sprintf("Reminder %d not found.", id),
			}
		}
		return schema.ToolExecutionResult{
			Success: true,
			Message: fmt.Sprintf("Reminder %d completed.", id),
			Data:    map[string]any{"reminder_id": id},
		}
	}

	return schema.ToolExecutionResult{
		Success: false,
		Message: fmt.Sprintf("Unsupported reminder action '%s'.", action),
	}
}
