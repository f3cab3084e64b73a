package tools

import (
	"context"
	"fmt"

	"github.com/nimbuslabs/nimbus/internal/llm"
	"github.com/nimbuslabs/nimbus/internal/schema"
	"github.com/nimbuslabs/nimbus/internal/store"
	"github.com/nimbuslabs/nimbus/pkg/config"
)

// Env is everything a tool is allowed to touch. Tools never reach outside it.
type Env struct {
	Config  *config.Config
	Storage *store.Storage
	LLM     llm.Generator
}

// Tool is a named capability. Execute encodes every failure in the result;
// it must not panic or leak errors to the orchestrator.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema for the tool's inputs
	Execute(ctx context.Context, args map[string]any, env *Env) schema.ToolExecutionResult
}

// Registry manages the set of available tools.
type Registry struct {
	env   *Env
	tools map[string]Tool
}

func NewRegistry(env *Env) *Registry {
	return &Registry{
		env:   env,
		tools: make(map[string]Tool),
	}
}

func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

type Info struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

func (r *Registry) List() []Info {
	infos := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		infos = append(infos, Info{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Parameters(),
		})
	}
	return infos
}

// Execute invokes a tool by name. Unknown names and panicking tools both
// come back as failure results, never as errors.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result schema.ToolExecutionResult) {
	tool, ok := r.tools[name]
	if !ok {
		return schema.ToolExecutionResult{Success: false, Message: fmt.Sprintf("Unknown tool: %s", name)}
	}
	defer func() {
		if rec := recover(); rec != nil {
			result = schema.ToolExecutionResult{
				Success: false,
				Message: fmt.Sprintf("Tool %s panicked: %v", name, rec),
			}
		}
	}()
	return tool.Execute(ctx, args, r.env)
}

// BuildDefaultRegistry wires the standard tool set.
func BuildDefaultRegistry(env *Env) *Registry {
	r := NewRegistry(env)
	r.Register(&OpenAppTool{})
	r.Register(&MediaControlTool{})
	r.Register(&ReminderTool{})
	r.Register(&CodeAgentTool{})
	r.Register(&SafeShellTool{})
	return r
}

func argString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	switch v := args[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func argInt(args map[string]any, key string, fallback int) int {
	if args == nil {
		return fallback
	}
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
