package schema

import "time"

// AssistantMode selects how a request is interpreted end to end.
type AssistantMode string

const (
	ModeChat   AssistantMode = "chat"
	ModeAction AssistantMode = "action"
	ModeCode   AssistantMode = "code"
)

// ParseMode maps free text onto a mode, defaulting to Action.
func ParseMode(value string) AssistantMode {
	switch AssistantMode(value) {
	case ModeChat:
		return ModeChat
	case ModeCode:
		return ModeCode
	default:
		return ModeAction
	}
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunPartial   RunStatus = "partial_success"
)

type StepStatus string

const (
	StepPlanned StepStatus = "planned"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
	StepBlocked StepStatus = "blocked"
)

// UTCNow returns the timestamp format used across plans, runs and events.
func UTCNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// PlanStep is one unit of a plan. Tool == "" means "answer directly
// with the model". Risk and NeedsApproval are stamped once by the
// policy engine at plan-creation time.
type PlanStep struct {
	ID            string         `json:"id"`
	Description   string         `json:"description"`
	Tool          string         `json:"tool,omitempty"`
	Args          map[string]any `json:"args"`
	Risk          RiskLevel      `json:"risk"`
	NeedsApproval bool           `json:"needs_approval"`
}

type Plan struct {
	ID        string        `json:"id"`
	Goal      string        `json:"goal"`
	Mode      AssistantMode `json:"mode"`
	Status    PlanStatus    `json:"status"`
	CreatedAt string        `json:"created_at"`
	Steps     []PlanStep    `json:"steps"`
}

// RunStepEvent is an append-only timeline entry; never mutated after insertion.
type RunStepEvent struct {
	Timestamp string         `json:"timestamp"`
	StepID    string         `json:"step_id"`
	Status    StepStatus     `json:"status"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type ActionRun struct {
	ID         string         `json:"id"`
	PlanID     string         `json:"plan_id"`
	Status     RunStatus      `json:"status"`
	StartedAt  string         `json:"started_at"`
	FinishedAt string         `json:"finished_at,omitempty"`
	Timeline   []RunStepEvent `json:"timeline"`
}

type PolicyDecision struct {
	Allowed       bool      `json:"allowed"`
	Risk          RiskLevel `json:"risk"`
	NeedsApproval bool      `json:"needs_approval"`
	Reason        string    `json:"reason"`
}

type ToolExecutionResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type ChatRequest struct {
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	Mode      AssistantMode  `json:"mode"`
	Context   map[string]any `json:"context,omitempty"`
}

type ChatResponse struct {
	Reply string `json:"reply"`
	Plan  *Plan  `json:"plan,omitempty"`
	RunID string `json:"run_id,omitempty"`
}

type PlanRequest struct {
	Goal    string         `json:"goal"`
	Mode    AssistantMode  `json:"mode"`
	Context map[string]any `json:"context,omitempty"`
}

type ExecuteRequest struct {
	PlanID        string   `json:"plan_id"`
	ApprovedSteps []string `json:"approved_steps"`
}

// VoiceCommandResponse is the outcome of one voice interaction, whether
// it started from audio or from already-transcribed text.
type VoiceCommandResponse struct {
	Transcript  string   `json:"transcript"`
	Reply       string   `json:"reply"`
	Plan        *Plan    `json:"plan,omitempty"`
	RunID       string   `json:"run_id,omitempty"`
	AudioPath   string   `json:"audio_path,omitempty"`
	STTBackend  string   `json:"stt_backend,omitempty"`
	TTSBackend  string   `json:"tts_backend,omitempty"`
	Interrupted bool     `json:"interrupted"`
	Warnings    []string `json:"warnings,omitempty"`
}

// VoiceLoopSnapshot is a consistent copy of the singleton loop state.
type VoiceLoopSnapshot struct {
	Running         bool          `json:"running"`
	SessionID       string        `json:"session_id"`
	Mode            AssistantMode `json:"mode"`
	RequireWakeWord bool          `json:"require_wake_word"`
	PollInterval    time.Duration `json:"poll_interval"`
	WakeWords       []string      `json:"wake_words"`
	ProcessedCount  int           `json:"processed_count"`
	SkippedCount    int           `json:"skipped_count"`
	LastTranscript  string        `json:"last_transcript"`
	LastCommand     string        `json:"last_command"`
	LastReply       string        `json:"last_reply"`
	LastBackend     string        `json:"last_backend"`
	LastError       string        `json:"last_error"`
	StartedAt       string        `json:"started_at,omitempty"`
	UpdatedAt       string        `json:"updated_at"`
}
