package tools

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/nimbuslabs/nimbus/internal/governance"
	"github.com/nimbuslabs/nimbus/internal/schema"
)

// SafeShellTool runs allow-listed commands with a bounded timeout. It
// repeats the policy engine's validation so a direct registry call is no
// less safe than a planned one.
type SafeShellTool struct{}

func (t *SafeShellTool) Name() string { return "safe_shell" }

func (t *SafeShellTool) Description() string {
	return "Run allowlisted shell commands with strict prefix checks."
}

func (t *SafeShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":     map[string]any{"type": "string"},
			"timeout_sec": map[string]any{"type": "integer"},
		},
		"required": []string{"command"},
	}
}

func (t *SafeShellTool) Execute(ctx context.Context, args map[string]any, env *Env) schema.ToolExecutionResult {
	command := strings.TrimSpace(argString(args, "command"))
	if command == "" {
		return schema.ToolExecutionResult{Success: false, Message: "Missing command."}
	}

	if strings.ContainsAny(command, "\n\r") {
		return blockedResult(command, "Command blocked: contains forbidden line break.")
	}
	if governance.ContainsControlOperator(command) {
		return blockedResult(command, "Command blocked: contains forbidden shell control operator.")
	}
	if governance.ContainsBlockedTerm(command, env.Config.Policy.BlockedShellTerms) {
		return blockedResult(command, "Command blocked: contains blocked term.")
	}
	if !governance.ShellPrefixAllowed(command, env.Config.Policy.AllowedShellPrefixes) {
		return blockedResult(command, "Command blocked: not in shell allowlist.")
	}

	timeout := env.Config.ShellTimeout()
	if sec := argInt(args, "timeout_sec", 0); sec > 0 {
		if sec > 120 {
			sec = 120
		}
		timeout = time.Duration(sec) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fields := strings.Fields(command)
	cmd := exec.CommandContext(runCtx, fields[0], fields[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	success := err == nil
	message := "Command executed."
	if !success {
		message = "Command failed."
	}
	return schema.ToolExecutionResult{
		Success: success,
		Message: message,
		Data: map[string]any{
			"command": command,
			"stdout":  tail(stdout.String(), 4000),
			"stderr":  tail(stderr.String(), 4000),
		},
	}
}

func blockedResult(command, message string) schema.ToolExecutionResult {
	return schema.ToolExecutionResult{
		Success: false,
		Message: message,
		Data:    map[string]any{"command": command},
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
