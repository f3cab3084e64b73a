package governance

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/nimbuslabs/nimbus/internal/schema"
	"github.com/nimbuslabs/nimbus/pkg/config"
)

// Shell control operators that end a command's single-process guarantee.
var blockedControlOperators = []string{
	"&&", "||", "|", ";", "<", ">", "$(", "`", "&",
}

// Engine is the single safety choke point before any tool runs. Evaluate is
// pure and never fails: a step with no matching rule is denied, not errored.
type Engine struct {
	cfg *config.Config
}

func NewEngine(cfg *config.Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) Evaluate(step schema.PlanStep) schema.PolicyDecision {
	if step.Tool == "" {
		return schema.PolicyDecision{
			Allowed:       true,
			Risk:          schema.RiskLow,
			NeedsApproval: false,
			Reason:        "Direct answer only.",
		}
	}

	if !e.cfg.ToolAllowed(step.Tool) {
		return deny(fmt.Sprintf("Tool '%s' is not allowlisted.", step.Tool))
	}

	switch step.Tool {
	case "open_app":
		return e.evaluateOpenApp(step)
	case "media_control":
		return schema.PolicyDecision{
			Allowed: true,
			Risk:    schema.RiskLow,
			Reason:  "Media control is low risk.",
		}
	case "reminder":
		return schema.PolicyDecision{
			Allowed: true,
			Risk:    schema.RiskLow,
			Reason:  "Reminder operations are low risk.",
		}
	case "code_agent":
		return e.evaluateCodeAgent(step)
	case "safe_shell":
		return e.evaluateSafeShell(step)
	}

	return deny("No policy rule available.")
}

func (e *Engine) evaluateOpenApp(step schema.PlanStep) schema.PolicyDecision {
	appName := strings.ToLower(strings.TrimSpace(argString(step.Args, "app_name")))
	if _, ok := e.cfg.Policy.AllowedApps[appName]; !ok {
		return deny(fmt.Sprintf("App '%s' is not allowlisted.", appName))
	}
	return schema.PolicyDecision{
		Allowed: true,
		Risk:    schema.RiskLow,
		Reason:  "Allowlisted app launch.",
	}
}

// Code generation is gated even when it neither writes files nor touches the
// shell: plan output must be approved before anything derived from it runs.
func (e *Engine) evaluateCodeAgent(step schema.PlanStep) schema.PolicyDecision {
	if argBool(step.Args, "run_shell") {
		return deny("Code agent shell execution is blocked by policy.")
	}
	if argBool(step.Args, "write_files") {
		return schema.PolicyDecision{
			Allowed:       true,
			Risk:          schema.RiskMedium,
			NeedsApproval: true,
			Reason:        "File writes require explicit approval.",
		}
	}
	return schema.PolicyDecision{
		Allowed:       true,
		Risk:          schema.RiskMedium,
		NeedsApproval: true,
		Reason:        "Code generation requires approval by default.",
	}
}

func (e *Engine) evaluateSafeShell(step schema.PlanStep) schema.PolicyDecision {
	command := strings.TrimSpace(argString(step.Args, "command"))
	if command == "" {
		return deny("Shell command is missing.")
	}
	if strings.ContainsAny(command, "\n\r") {
		return deny("Shell command contains forbidden line break.")
	}
	if ContainsControlOperator(command) {
		return deny("Shell command contains forbidden control operator.")
	}
	if ContainsBlockedTerm(command, e.cfg.Policy.BlockedShellTerms) {
		return deny("Shell command contains blocked term.")
	}
	if !ShellPrefixAllowed(command, e.cfg.Policy.AllowedShellPrefixes) {
		return deny("Shell command prefix is not allowlisted.")
	}
	return schema.PolicyDecision{
		Allowed:       true,
		Risk:          schema.RiskMedium,
		NeedsApproval: true,
		Reason:        "Allowlisted shell command requires explicit approval.",
	}
}

// ContainsControlOperator reports whether the command includes any shell
// control operator from the fixed blocked set.
func ContainsControlOperator(command string) bool {
	lowered := strings.ToLower(command)
	for _, op := range blockedControlOperators {
		if strings.Contains(lowered, op) {
			return true
		}
	}
	return false
}

// ContainsBlockedTerm matches blocked terms against the command padded with
// leading and trailing spaces. Terms that carry their own spacing get
// whole-word matching; bare terms match anywhere, which errs toward denial.
func ContainsBlockedTerm(command string, blocked []string) bool {
	lowered := " " + strings.ToLower(command) + " "
	for _, term := range blocked {
		if term == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(term)) {
			return true
		}
	}
	return false
}

// ShellPrefixAllowed reports whether the command matches an allow-listed
// prefix exactly or as a prefix followed by whitespace. A plain string
// prefix ("python --versionx") is not enough.
func ShellPrefixAllowed(command string, prefixes []string) bool {
	lowered := strings.ToLower(strings.TrimSpace(command))
	for _, prefix := range prefixes {
		normalized := strings.ToLower(strings.TrimSpace(prefix))
		if normalized == "" {
			continue
		}
		if lowered == normalized {
			return true
		}
		if strings.HasPrefix(lowered, normalized) && len(lowered) > len(normalized) {
			next := rune(lowered[len(normalized)])
			if unicode.IsSpace(next) {
				return true
			}
		}
	}
	return false
}

func deny(reason string) schema.PolicyDecision {
	return schema.PolicyDecision{
		Allowed:       false,
		Risk:          schema.RiskHigh,
		NeedsApproval: true,
		Reason:        reason,
	}
}

func argString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func argBool(args map[string]any, key string) bool {
	if args == nil {
		return false
	}
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}
