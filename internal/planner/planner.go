package planner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nimbuslabs/nimbus/internal/governance"
	"github.com/nimbuslabs/nimbus/internal/schema"
	"github.com/nimbuslabs/nimbus/pkg/config"
)

var (
	openAppRe       = regexp.MustCompile(`\bopen\s+([a-z0-9._ -]+)`)
	dueInRe         = regexp.MustCompile(`in\s+(\d+)\s+(minute|minutes|hour|hours)`)
	reminderLeadIns = []string{"remind me to", "set reminder to", "reminder to"}
)

// Planner converts free text into a short ordered plan via heuristic pattern
// matching. This is deliberately not NLU: every trigger is auditable, each
// matched trigger appends one step in encounter order, and the result is
// policy-scored and capped.
type Planner struct {
	cfg    *config.Config
	policy *governance.Engine
}

func New(cfg *config.Config, policy *governance.Engine) *Planner {
	return &Planner{cfg: cfg, policy: policy}
}

func (p *Planner) CreatePlan(req schema.PlanRequest) *schema.Plan {
	steps := p.extractSteps(req.Goal, req.Mode)
	for i := range steps {
		decision := p.policy.Evaluate(steps[i])
		steps[i].Risk = decision.Risk
		steps[i].NeedsApproval = decision.NeedsApproval
		if !decision.Allowed {
			steps[i].Description = fmt.Sprintf("%s [BLOCKED: %s]", steps[i].Description, decision.Reason)
		}
	}

	if max := p.cfg.Planner.MaxPlanSteps; max > 0 && len(steps) > max {
		steps = steps[:max]
	}

	return &schema.Plan{
		ID:        "plan_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		Goal:      req.Goal,
		Mode:      req.Mode,
		Status:    schema.PlanDraft,
		CreatedAt: schema.UTCNow(),
		Steps:     steps,
	}
}

func (p *Planner) extractSteps(goal string, mode schema.AssistantMode) []schema.PlanStep {
	text := strings.TrimSpace(goal)
	lowered := strings.ToLower(text)
	var steps []schema.PlanStep

	if mode == schema.ModeCode {
		return []schema.PlanStep{{
			ID:          "step_1",
			Description: "Generate or explain code for the request",
			Tool:        "code_agent",
			Args:        map[string]any{"task": text, "language": inferLanguage(lowered)},
		}}
	}

	if app := p.extractAppName(lowered); app != "" {
		steps = append(steps, schema.PlanStep{
			ID:          fmt.Sprintf("step_%d", len(steps)+1),
			Description: fmt.Sprintf("Open %s", app),
			Tool:        "open_app",
			Args:        map[string]any{"app_name": app},
		})
	}

	if strings.Contains(lowered, "remind") {
		note, dueAt := extractReminderPayload(text)
		steps = append(steps, schema.PlanStep{
			ID:          fmt.Sprintf("step_%d", len(steps)+1),
			Description: "Create a reminder",
			Tool:        "reminder",
			Args:        map[string]any{"action": "set", "note": note, "due_at": dueAt},
		})
	}

	if strings.Contains(lowered, "list reminders") || strings.Contains(lowered, "show reminders") {
		steps = append(steps, schema.PlanStep{
			ID:          fmt.Sprintf("step_%d", len(steps)+1),
			Description: "List active reminders",
			Tool:        "reminder",
			Args:        map[string]any{"action": "list"},
		})
	}

	if strings.Contains(lowered, "play music") || strings.HasPrefix(lowered, "play ") {
		steps = append(steps, schema.PlanStep{
			ID:          fmt.Sprintf("step_%d", len(steps)+1),
			Description: "Play requested media",
			Tool:        "media_control",
			Args:        map[string]any{"action": "play", "target": extractMediaTarget(text)},
		})
	}

	for _, token := range []string{"write code", "generate code", "create script"} {
		if strings.Contains(lowered, token) {
			steps = append(steps, schema.PlanStep{
				ID:          fmt.Sprintf("step_%d", len(steps)+1),
				Description: "Generate code output",
				Tool:        "code_agent",
				Args:        map[string]any{"task": text, "language": inferLanguage(lowered)},
			})
			break
		}
	}

	if command := extractShellCommand(text); command != "" {
		steps = append(steps, schema.PlanStep{
			ID:          fmt.Sprintf("step_%d", len(steps)+1),
			Description: "Run a safe shell command",
			Tool:        "safe_shell",
			Args:        map[string]any{"command": command},
		})
	}

	if len(steps) == 0 {
		steps = append(steps, schema.PlanStep{
			ID:          "step_1",
			Description: "Respond directly with local model",
			Args:        map[string]any{},
		})
	}
	return steps
}

// extractAppName tries the known-app allow-list first, then a general
// "open <word>" capture.
func (p *Planner) extractAppName(lowered string) string {
	for app := range p.cfg.Policy.AllowedApps {
		if strings.Contains(lowered, "open "+app) || lowered == app {
			return app
		}
	}
	if m := openAppRe.FindStringSubmatch(lowered); m != nil {
		fields := strings.Fields(strings.TrimSpace(m[1]))
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

func extractReminderPayload(text string) (note, dueAt string) {
	lowered := strings.ToLower(text)
	now := time.Now().UTC()
	due := now.Add(30 * time.Minute)
	note = text

	if m := dueInRe.FindStringSubmatch(lowered); m != nil {
		amount, _ := strconv.Atoi(m[1])
		if strings.Contains(m[2], "hour") {
			due = now.Add(time.Duration(amount) * time.Hour)
		} else {
			due = now.Add(time.Duration(amount) * time.Minute)
		}
	}

	for _, token := range reminderLeadIns {
		if idx := strings.Index(lowered, token); idx >= 0 {
			note = strings.TrimSpace(text[idx+len(token):])
			break
		}
	}
	if note == "" {
		note = "Reminder"
	}
	return note, due.Format(time.RFC3339)
}

func extractMediaTarget(text string) string {
	lowered := strings.ToLower(text)
	if strings.HasPrefix(lowered, "play ") {
		if target := strings.TrimSpace(text[5:]); target != "" {
			return target
		}
	}
	return "music"
}

func inferLanguage(lowered string) string {
	switch {
	case strings.Contains(lowered, "python"):
		return "python"
	case strings.Contains(lowered, "javascript"), strings.Contains(lowered, "node"):
		return "javascript"
	case strings.Contains(lowered, "java"):
		return "java"
	}
	return "text"
}

func extractShellCommand(text string) string {
	lowered := strings.ToLower(strings.TrimSpace(text))
	for _, token := range []string{"run command ", "execute command "} {
		if strings.HasPrefix(lowered, token) {
			return strings.TrimSpace(text[len(token):])
		}
	}
	return ""
}
