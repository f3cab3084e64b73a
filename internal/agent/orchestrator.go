package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbuslabs/nimbus/internal/dispatch"
	"github.com/nimbuslabs/nimbus/internal/events"
	"github.com/nimbuslabs/nimbus/internal/governance"
	"github.com/nimbuslabs/nimbus/internal/llm"
	"github.com/nimbuslabs/nimbus/internal/observability"
	"github.com/nimbuslabs/nimbus/internal/planner"
	"github.com/nimbuslabs/nimbus/internal/schema"
	"github.com/nimbuslabs/nimbus/internal/store"
	"github.com/nimbuslabs/nimbus/internal/tools"
	"github.com/nimbuslabs/nimbus/internal/voice"
	"github.com/nimbuslabs/nimbus/pkg/config"
)

// ErrPlanNotFound is returned by ExecutePlan when the plan id is unknown.
// It is the one lookup failure surfaced as a hard error; everything else
// in the run lifecycle is modeled as timeline data.
var ErrPlanNotFound = errors.New("plan not found")

// VoiceIO is the speech collaborator boundary. *voice.Pipeline implements
// it; tests substitute a stub.
type VoiceIO interface {
	Transcribe(ctx context.Context, audioPath string) voice.TranscribeResult
	Synthesize(ctx context.Context, text string) voice.SpeakResult
	CaptureOnce(ctx context.Context) voice.CaptureResult
	NextInboxFile(seen map[string]struct{}) string
	ListInboxFiles() map[string]struct{}
	ParseWakeCommand(text string) (bool, string)
}

// VoiceSessionState tracks one live conversational session. Interruption
// and partial transcripts are the whole state machine; there is no enum.
type VoiceSessionState struct {
	SessionID   string
	Mode        schema.AssistantMode
	Interrupted bool
	LastPartial string
	UpdatedAt   string
}

type voiceLoopState struct {
	running         bool
	sessionID       string
	mode            schema.AssistantMode
	requireWakeWord bool
	pollInterval    time.Duration
	wakeWords       []string
	processedCount  int
	skippedCount    int
	lastTranscript  string
	lastCommand     string
	lastReply       string
	lastBackend     string
	lastError       string
	startedAt       string
	updatedAt       string
}

// Orchestrator owns plans, runs, voice sessions and the singleton voice
// loop, and composes planner, policy, tools, dispatcher and voice I/O.
// All shared mutable state sits behind one coarse mutex; critical sections
// never perform I/O or model calls.
type Orchestrator struct {
	cfg        *config.Config
	storage    *store.Storage
	events     *events.Bus
	llm        llm.Generator
	policy     *governance.Engine
	planner    *planner.Planner
	registry   *tools.Registry
	dispatcher *dispatch.Dispatcher
	voice      VoiceIO
	obs        *observability.Logger
	status     *observability.StatusTracker

	mu            sync.Mutex
	plans         map[string]*schema.Plan
	runs          map[string]*schema.ActionRun
	voiceSessions map[string]*VoiceSessionState
	seenInbox     map[string]struct{}
	voiceLoop     voiceLoopState

	workersRunning bool
	reminderCancel context.CancelFunc
	reminderDone   chan struct{}
	voiceLoopStop  context.CancelFunc
	voiceLoopDone  chan struct{}
}

type Deps struct {
	Config     *config.Config
	Storage    *store.Storage
	Events     *events.Bus
	LLM        llm.Generator
	Policy     *governance.Engine
	Planner    *planner.Planner
	Registry   *tools.Registry
	Dispatcher *dispatch.Dispatcher
	Voice      VoiceIO
	Logger     *observability.Logger
	Status     *observability.StatusTracker
}

func NewOrchestrator(d Deps) *Orchestrator {
	o := &Orchestrator{
		cfg:           d.Config,
		storage:       d.Storage,
		events:        d.Events,
		llm:           d.LLM,
		policy:        d.Policy,
		planner:       d.Planner,
		registry:      d.Registry,
		dispatcher:    d.Dispatcher,
		voice:         d.Voice,
		obs:           d.Logger,
		status:        d.Status,
		plans:         make(map[string]*schema.Plan),
		runs:          make(map[string]*schema.ActionRun),
		voiceSessions: make(map[string]*VoiceSessionState),
		seenInbox:     make(map[string]struct{}),
	}
	o.voiceLoop = voiceLoopState{
		sessionID:       d.Config.Voice.LoopSessionID,
		mode:            schema.ParseMode(d.Config.Voice.LoopMode),
		requireWakeWord: d.Config.Voice.RequireWakeWord,
		pollInterval:    d.Config.VoicePollInterval(),
		wakeWords:       append([]string(nil), d.Config.Voice.WakeWords...),
		updatedAt:       schema.UTCNow(),
	}
	return o
}

// Chat is the main text entry point. Chat mode answers directly with
// recent-history context; Action and Code modes go through the planner.
func (o *Orchestrator) Chat(ctx context.Context, req schema.ChatRequest) schema.ChatResponse {
	o.setActivity("chat " + string(req.Mode))

	if req.Mode == schema.ModeChat {
		prompt := o.chatPromptWithHistory(req.SessionID, req.Text)
		reply := o.llm.Generate(ctx, prompt, schema.ModeChat)
		o.logLLM(req.SessionID, prompt, reply)
		o.saveHistory(req.SessionID, req.Text, reply, req.Mode)
		return schema.ChatResponse{Reply: reply}
	}

	plan := o.CreatePlan(schema.PlanRequest{Goal: req.Text, Mode: req.Mode, Context: req.Context})

	if req.Mode == schema.ModeCode {
		reply := "Code plan created. Approve the step to run code generation."
		o.saveHistory(req.SessionID, req.Text, reply, req.Mode)
		return schema.ChatResponse{Reply: reply, Plan: plan}
	}

	var risky []string
	for _, step := range plan.Steps {
		if step.NeedsApproval {
			risky = append(risky, step.ID)
		}
	}
	if len(risky) == 0 && o.cfg.App.AutoExecuteLowRisk {
		run, err := o.ExecutePlan(ctx, schema.ExecuteRequest{PlanID: plan.ID}, req.SessionID)
		if err != nil {
			// The plan was registered moments ago; a miss here means a bug.
			log.Printf("auto-execute failed for plan %s: %v", plan.ID, err)
			return schema.ChatResponse{Reply: "Plan created but execution failed.", Plan: plan}
		}
		return schema.ChatResponse{Reply: o.summarizeRun(run), Plan: plan, RunID: run.ID}
	}

	approvals := "none"
	if len(risky) > 0 {
		approvals = strings.Join(risky, ", ")
	}
	reply := fmt.Sprintf("Plan created with %d step(s). Approval required for steps: %s.", len(plan.Steps), approvals)
	o.saveHistory(req.SessionID, req.Text, reply, req.Mode)
	return schema.ChatResponse{Reply: reply, Plan: plan}
}

// CreatePlan registers a freshly planned goal and announces it.
func (o *Orchestrator) CreatePlan(req schema.PlanRequest) *schema.Plan {
	plan := o.planner.CreatePlan(req)

	o.mu.Lock()
	o.plans[plan.ID] = plan
	planCount := len(o.plans)
	o.mu.Unlock()

	if o.status != nil {
		o.status.SetPlans(planCount)
	}
	if o.obs != nil {
		o.obs.LogPlan(plan.ID, string(plan.Mode), len(plan.Steps))
	}
	o.events.Publish(events.New("plan.created", events.Event{
		"plan_id": plan.ID,
		"mode":    string(plan.Mode),
		"steps":   plan.Steps,
	}))
	return plan
}

// GetPlan returns a registered plan by id.
func (o *Orchestrator) GetPlan(planID string) (*schema.Plan, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	plan, ok := o.plans[planID]
	return plan, ok
}

// ExecutePlan runs every step of a plan in order. Blocked and unapproved
// steps land in the timeline and the run continues; only an unknown plan
// id is an error.
func (o *Orchestrator) ExecutePlan(ctx context.Context, req schema.ExecuteRequest, sessionID string) (*schema.ActionRun, error) {
	o.mu.Lock()
	plan, ok := o.plans[req.PlanID]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, req.PlanID)
	}

	run := &schema.ActionRun{
		ID:        "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		PlanID:    plan.ID,
		Status:    schema.RunRunning,
		StartedAt: schema.UTCNow(),
	}
	o.mu.Lock()
	o.runs[run.ID] = run
	plan.Status = schema.PlanRunning
	runCount := len(o.runs)
	o.mu.Unlock()

	if o.status != nil {
		o.status.SetRuns(runCount)
	}
	o.events.Publish(events.New("run.started", events.Event{
		"run_id":  run.ID,
		"plan_id": plan.ID,
	}))

	approved := make(map[string]struct{}, len(req.ApprovedSteps))
	for _, id := range req.ApprovedSteps {
		approved[id] = struct{}{}
	}

	failures, successes, skips := 0, 0, 0
	for _, step := range plan.Steps {
		decision := o.policy.Evaluate(step)
		if !decision.Allowed {
			failures++
			reason := decision.Reason
			if reason == "" {
				reason = "Blocked by policy."
			}
			o.addTimeline(run, step.ID, schema.StepBlocked, reason, nil)
			o.logStep(run.ID, step.ID, "blocked", reason)
			o.events.Publish(events.New("step.blocked", events.Event{
				"run_id":  run.ID,
				"step_id": step.ID,
				"reason":  decision.Reason,
			}))
			continue
		}

		if _, ok := approved[step.ID]; step.NeedsApproval && !ok {
			skips++
			o.addTimeline(run, step.ID, schema.StepSkipped, "Skipped because approval is missing.", nil)
			o.logStep(run.ID, step.ID, "skipped", "approval missing")
			o.events.Publish(events.New("step.skipped", events.Event{
				"run_id":  run.ID,
				"step_id": step.ID,
			}))
			continue
		}

		o.events.Publish(events.New("step.running", events.Event{
			"run_id":  run.ID,
			"step_id": step.ID,
		}))
		o.addTimeline(run, step.ID, schema.StepRunning, step.Description, nil)

		if step.Tool == "" {
			answer := o.llm.Generate(ctx, plan.Goal, plan.Mode)
			o.logLLM(sessionID, plan.Goal, answer)
			successes++
			o.addTimeline(run, step.ID, schema.StepSuccess, "Direct response generated.", map[string]any{"response": answer})
			o.events.Publish(events.New("step.success", events.Event{
				"run_id":  run.ID,
				"step_id": step.ID,
			}))
			continue
		}

		if o.obs != nil {
			o.obs.LogToolCall(sessionID, run.ID, step.Tool, step.Args)
		}
		result := o.registry.Execute(ctx, step.Tool, step.Args)
		if o.obs != nil {
			o.obs.LogToolResult(sessionID, run.ID, step.Tool, result.Success, result.Message)
		}
		if result.Success {
			successes++
			o.addTimeline(run, step.ID, schema.StepSuccess, result.Message, result.Data)
			o.events.Publish(events.New("step.success", events.Event{
				"run_id":  run.ID,
				"step_id": step.ID,
			}))
		} else {
			failures++
			o.addTimeline(run, step.ID, schema.StepFailed, result.Message, result.Data)
			o.logStep(run.ID, step.ID, "failed", result.Message)
			o.events.Publish(events.New("step.failed", events.Event{
				"run_id":  run.ID,
				"step_id": step.ID,
				"error":   result.Message,
			}))
		}
	}

	// A skipped step keeps the run from being a clean success: the plan
	// did not fully execute, so the result is partial, not completed.
	o.mu.Lock()
	switch {
	case successes > 0 && failures == 0 && skips == 0:
		run.Status = schema.RunCompleted
	case successes > 0:
		run.Status = schema.RunPartial
	default:
		run.Status = schema.RunFailed
	}
	run.FinishedAt = schema.UTCNow()
	if run.Status == schema.RunFailed {
		plan.Status = schema.PlanFailed
	} else {
		plan.Status = schema.PlanCompleted
	}
	o.mu.Unlock()

	o.saveHistory(sessionID, plan.Goal, o.summarizeRun(run), plan.Mode)
	o.events.Publish(events.New("run.finished", events.Event{
		"run_id": run.ID,
		"status": string(run.Status),
	}))
	return run, nil
}

// GetRun returns a run by id.
func (o *Orchestrator) GetRun(runID string) (*schema.ActionRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.runs[runID]
	return run, ok
}

// ListTools exposes the registry contents for introspection surfaces.
func (o *Orchestrator) ListTools() []tools.Info {
	return o.registry.List()
}

// ExecuteToolAction runs a single tool outside any plan, still behind the
// policy engine, and records it in the action audit log.
func (o *Orchestrator) ExecuteToolAction(ctx context.Context, sessionID, actor, tool string, args map[string]any) schema.ToolExecutionResult {
	planned := schema.PlanStep{
		ID:          "adhoc_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		Description: "Direct tool action via dashboard: " + tool,
		Tool:        tool,
		Args:        args,
	}
	decision := o.policy.Evaluate(planned)
	if o.obs != nil {
		o.obs.LogPolicyCheck(sessionID, tool, decision.Reason, decision.Allowed)
	}
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = "Blocked by policy."
		}
		result := schema.ToolExecutionResult{
			Success: false,
			Message: reason,
			Data:    map[string]any{"risk": string(decision.Risk), "needs_approval": decision.NeedsApproval},
		}
		o.saveActionHistory(sessionID, actor, tool, args, result)
		return result
	}

	result := o.registry.Execute(ctx, tool, args)
	if o.obs != nil {
		o.obs.LogToolResult(sessionID, planned.ID, tool, result.Success, result.Message)
	}
	o.saveActionHistory(sessionID, actor, tool, args, result)
	o.events.Publish(events.New("dashboard.action.executed", events.Event{
		"session_id": sessionID,
		"actor":      actor,
		"tool":       tool,
		"success":    result.Success,
		"message":    result.Message,
	}))
	return result
}

// DispatchTranscribedSpeech routes an already-transcribed utterance through
// the hybrid dispatcher, bypassing planner and policy.
func (o *Orchestrator) DispatchTranscribedSpeech(ctx context.Context, transcript, sessionID string, callerContext map[string]any) dispatch.Result {
	result := o.dispatcher.Dispatch(ctx, transcript, sessionID, callerContext)
	if o.obs != nil {
		o.obs.LogDispatch(sessionID, result.Backend, result.LocalAttempts, result.CloudAttempts, result.Warnings)
	}
	o.saveVoiceHistory(sessionID, result.Transcript, result.Reply, result.Mode, result.Backend, "transcribed-input", "none", map[string]any{
		"intent":              string(result.Intent),
		"used_cloud_fallback": result.UsedCloudFallback,
		"local_attempts":      result.LocalAttempts,
		"cloud_attempts":      result.CloudAttempts,
	})
	return result
}

// ProcessVoiceCommand transcribes an audio file and feeds the transcript
// into the voice text path.
func (o *Orchestrator) ProcessVoiceCommand(ctx context.Context, audioPath, sessionID string, mode schema.AssistantMode) schema.VoiceCommandResponse {
	stt := o.voice.Transcribe(ctx, audioPath)
	transcript := strings.TrimSpace(stt.Text)
	var warnings []string
	if stt.Warning != "" {
		warnings = append(warnings, stt.Warning)
	}

	if transcript == "" {
		if len(warnings) == 0 {
			warnings = []string{"transcription failed"}
		}
		backend := stt.Backend
		if backend == "" {
			backend = "none"
		}
		return schema.VoiceCommandResponse{
			Reply:      "Could not transcribe audio.",
			STTBackend: backend,
			TTSBackend: "none",
			Warnings:   warnings,
		}
	}

	response := o.ProcessVoiceText(ctx, transcript, sessionID, mode)
	response.STTBackend = stt.Backend
	response.Warnings = append(warnings, response.Warnings...)
	return response
}

// ProcessVoiceText runs a transcript through Chat and speaks the reply
// unless the session was interrupted while the reply was being generated.
// Interruption wins at the speak boundary, never mid-generation.
func (o *Orchestrator) ProcessVoiceText(ctx context.Context, transcript, sessionID string, mode schema.AssistantMode) schema.VoiceCommandResponse {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return schema.VoiceCommandResponse{
			Reply:    "No transcript text provided.",
			Warnings: []string{"empty transcript"},
		}
	}

	o.mu.Lock()
	state := o.registerVoiceSessionLocked(sessionID, mode)
	state.Interrupted = false
	state.LastPartial = ""
	state.UpdatedAt = schema.UTCNow()
	o.mu.Unlock()

	response := o.Chat(ctx, schema.ChatRequest{
		SessionID: sessionID,
		Text:      text,
		Mode:      mode,
		Context:   map[string]any{},
	})

	if o.IsVoiceInterrupted(sessionID) {
		o.ClearVoiceInterrupt(sessionID)
		return schema.VoiceCommandResponse{
			Transcript:  text,
			Reply:       response.Reply,
			Plan:        response.Plan,
			RunID:       response.RunID,
			TTSBackend:  "none",
			Interrupted: true,
			Warnings:    []string{"interrupted before speech output"},
		}
	}

	tts := o.voice.Synthesize(ctx, response.Reply)
	var warnings []string
	if tts.Warning != "" {
		warnings = append(warnings, tts.Warning)
	}

	output := schema.VoiceCommandResponse{
		Transcript: text,
		Reply:      response.Reply,
		Plan:       response.Plan,
		RunID:      response.RunID,
		AudioPath:  tts.AudioPath,
		TTSBackend: tts.Backend,
		Warnings:   warnings,
	}
	if o.obs != nil {
		o.obs.LogVoice(sessionID, text, output.Reply, output.TTSBackend)
	}
	planID := ""
	if output.Plan != nil {
		planID = output.Plan.ID
	}
	o.saveVoiceHistory(sessionID, text, output.Reply, mode, "orchestrator", "text", output.TTSBackend, map[string]any{
		"run_id":  output.RunID,
		"plan_id": planID,
	})
	return output
}

// RegisterVoiceSession creates a session on first reference or refreshes
// the mode of an existing one.
func (o *Orchestrator) RegisterVoiceSession(sessionID string, mode schema.AssistantMode) VoiceSessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.registerVoiceSessionLocked(sessionID, mode)
}

func (o *Orchestrator) registerVoiceSessionLocked(sessionID string, mode schema.AssistantMode) *VoiceSessionState {
	if existing, ok := o.voiceSessions[sessionID]; ok {
		existing.Mode = mode
		existing.UpdatedAt = schema.UTCNow()
		return existing
	}
	state := &VoiceSessionState{
		SessionID: sessionID,
		Mode:      mode,
		UpdatedAt: schema.UTCNow(),
	}
	o.voiceSessions[sessionID] = state
	return state
}

func (o *Orchestrator) CloseVoiceSession(sessionID string) {
	o.mu.Lock()
	delete(o.voiceSessions, sessionID)
	o.mu.Unlock()
}

func (o *Orchestrator) SetVoicePartial(sessionID, text string) VoiceSessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	state := o.registerVoiceSessionLocked(sessionID, schema.ModeAction)
	state.LastPartial = text
	state.UpdatedAt = schema.UTCNow()
	return *state
}

// InterruptVoiceSession flags the session so the next speak boundary is
// skipped. The barge-in event fires immediately.
func (o *Orchestrator) InterruptVoiceSession(sessionID string) VoiceSessionState {
	o.mu.Lock()
	state := o.registerVoiceSessionLocked(sessionID, schema.ModeAction)
	state.Interrupted = true
	state.UpdatedAt = schema.UTCNow()
	snapshot := *state
	o.mu.Unlock()

	o.events.Publish(events.New("voice.interrupted", events.Event{
		"session_id": sessionID,
	}))
	return snapshot
}

func (o *Orchestrator) ClearVoiceInterrupt(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state, ok := o.voiceSessions[sessionID]; ok {
		state.Interrupted = false
		state.UpdatedAt = schema.UTCNow()
	}
}

func (o *Orchestrator) IsVoiceInterrupted(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.voiceSessions[sessionID]
	return ok && state.Interrupted
}

func (o *Orchestrator) chatPromptWithHistory(sessionID, userText string) string {
	recent, err := o.storage.ListRecentHistory(sessionID, o.cfg.App.HistoryPromptLimit)
	if err != nil || len(recent) == 0 {
		return userText
	}
	lines := []string{"Recent conversation context (oldest -> newest):"}
	for i := len(recent) - 1; i >= 0; i-- {
		lines = append(lines, "User: "+recent[i].UserText)
		lines = append(lines, "Assistant: "+recent[i].AssistantText)
	}
	lines = append(lines, "User: "+userText)
	return strings.Join(lines, "\n")
}

func (o *Orchestrator) addTimeline(run *schema.ActionRun, stepID string, status schema.StepStatus, message string, data map[string]any) {
	o.mu.Lock()
	run.Timeline = append(run.Timeline, schema.RunStepEvent{
		Timestamp: schema.UTCNow(),
		StepID:    stepID,
		Status:    status,
		Message:   message,
		Data:      data,
	})
	o.mu.Unlock()
}

func (o *Orchestrator) summarizeRun(run *schema.ActionRun) string {
	successes, failures := 0, 0
	o.mu.Lock()
	for _, event := range run.Timeline {
		switch event.Status {
		case schema.StepSuccess:
			successes++
		case schema.StepFailed, schema.StepBlocked:
			failures++
		}
	}
	status := run.Status
	o.mu.Unlock()
	return fmt.Sprintf("Run %s finished with status '%s'. Successful steps: %d, failed/blocked: %d.", run.ID, status, successes, failures)
}

func (o *Orchestrator) saveHistory(sessionID, userText, assistantText string, mode schema.AssistantMode) {
	if err := o.storage.SaveHistory(sessionID, userText, assistantText, string(mode)); err != nil {
		log.Printf("failed to save history: %v", err)
	}
}

func (o *Orchestrator) saveActionHistory(sessionID, actor, tool string, args map[string]any, result schema.ToolExecutionResult) {
	if err := o.storage.SaveActionHistory(sessionID, actor, tool, args, result.Success, result.Message, result.Data); err != nil {
		log.Printf("failed to save action history: %v", err)
	}
}

func (o *Orchestrator) saveVoiceHistory(sessionID, transcript, reply string, mode schema.AssistantMode, llmBackend, sttBackend, ttsBackend string, meta map[string]any) {
	if err := o.storage.SaveVoiceHistory(sessionID, transcript, reply, string(mode), llmBackend, sttBackend, ttsBackend, meta); err != nil {
		log.Printf("failed to save voice history: %v", err)
	}
}

// The orchestrator only generates through the local client; dispatcher
// traffic carries its own backend label via LogDispatch.
func (o *Orchestrator) logLLM(sessionID, prompt, response string) {
	if o.obs != nil {
		o.obs.LogLLM(sessionID, prompt, response, "local")
	}
}

func (o *Orchestrator) logStep(runID, stepID, status, message string) {
	if o.obs != nil {
		o.obs.LogStep(runID, stepID, status, message)
	}
}

func (o *Orchestrator) setActivity(desc string) {
	if o.status != nil {
		o.status.SetActivity(desc)
	}
}
