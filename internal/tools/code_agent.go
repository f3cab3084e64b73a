package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nimbuslabs/nimbus/internal/schema"
)

// CodeAgentTool generates code suggestions with workspace context. It never
// writes files or runs commands itself; the policy layer gates what callers
// may do with its output.
type CodeAgentTool struct{}

func (t *CodeAgentTool) Name() string { return "code_agent" }

func (t *CodeAgentTool) Description() string {
	return "Generate code suggestions and technical explanations."
}

func (t *CodeAgentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task":        map[string]any{"type": "string"},
			"language":    map[string]any{"type": "string"},
			"path":        map[string]any{"type": "string"},
			"write_files": map[string]any{"type": "boolean"},
			"run_shell":   map[string]any{"type": "boolean"},
		},
		"required": []string{"task"},
	}
}

func (t *CodeAgentTool) Execute(ctx context.Context, args map[string]any, env *Env) schema.ToolExecutionResult {
	task := strings.TrimSpace(argString(args, "task"))
	if task == "" {
		return schema.ToolExecutionResult{Success: false, Message: "Missing task."}
	}
	language := strings.TrimSpace(argString(args, "language"))
	if language == "" {
		language = "text"
	}

	var contextSnippet string
	var citations []string
	if path := strings.TrimSpace(argString(args, "path")); path != "" {
		if resolved := resolveWorkspacePath(path, env.Config.App.Workspace); resolved != "" {
			if data, err := os.ReadFile(resolved); err == nil {
				if len(data) > 2000 {
					data = data[:2000]
				}
				contextSnippet = string(data)
				citations = []string{path}
			}
		}
	} else {
		idx := &codeContextIndex{root: env.Config.App.Workspace}
		var sections []string
		for _, match := range idx.search(task) {
			citations = append(citations, match.Path)
			sections = append(sections, fmt.Sprintf("FILE: %s\n%s", match.Path, match.Snippet))
		}
		contextSnippet = strings.Join(sections, "\n\n")
	}

	prompt := fmt.Sprintf(
		"Task:\n%s\n\nLanguage: %s\n\nReturn practical code with short explanation. "+
			"Do not assume internet. Keep it runnable locally.",
		task, language,
	)
	if contextSnippet != "" {
		prompt += "\n\nFile context:\n" + contextSnippet
	}

	answer := env.LLM.Generate(ctx, prompt, schema.ModeCode)
	return schema.ToolExecutionResult{
		Success: true,
		Message: "Code guidance generated.",
		Data: map[string]any{
			"task":      task,
			"language":  language,
			"output":    answer,
			"citations": citations,
		},
	}
}

// resolveWorkspacePath confines a user-supplied path to the workspace root;
// anything escaping it resolves to "".
func resolveWorkspacePath(path, workspace string) string {
	root, err := filepath.Abs(workspace)
	if err != nil {
		return ""
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	candidate = filepath.Clean(candidate)
	rel, err := filepath.Rel(root, candidate)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return candidate
}
