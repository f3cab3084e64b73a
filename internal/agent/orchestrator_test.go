package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuslabs/nimbus/internal/dispatch"
	"github.com/nimbuslabs/nimbus/internal/events"
	"github.com/nimbuslabs/nimbus/internal/governance"
	"github.com/nimbuslabs/nimbus/internal/observability"
	"github.com/nimbuslabs/nimbus/internal/planner"
	"github.com/nimbuslabs/nimbus/internal/schema"
	"github.com/nimbuslabs/nimbus/internal/store"
	"github.com/nimbuslabs/nimbus/internal/tools"
	"github.com/nimbuslabs/nimbus/internal/voice"
	"github.com/nimbuslabs/nimbus/pkg/config"
)

type stubLLM struct {
	reply      string
	onGenerate func()
}

func (s *stubLLM) Generate(_ context.Context, _ string, _ schema.AssistantMode) string {
	if s.onGenerate != nil {
		s.onGenerate()
	}
	if s.reply == "" {
		return "stub reply"
	}
	return s.reply
}

// stubVoice is a deterministic VoiceIO: captures come from a queue, wake
// word handling mirrors the real pipeline, synthesis only counts calls.
type stubVoice struct {
	mu         sync.Mutex
	captures   []voice.CaptureResult
	transcript map[string]string
	inbox      []string
	synthCalls int
}

func (s *stubVoice) Transcribe(_ context.Context, path string) voice.TranscribeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text, ok := s.transcript[path]; ok {
		return voice.TranscribeResult{Text: text, Backend: "stub"}
	}
	return voice.TranscribeResult{Backend: "none", Warning: "no transcript for " + path}
}

func (s *stubVoice) Synthesize(_ context.Context, _ string) voice.SpeakResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synthCalls++
	return voice.SpeakResult{AudioPath: "out.txt", Backend: "stub"}
}

func (s *stubVoice) CaptureOnce(_ context.Context) voice.CaptureResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.captures) == 0 {
		return voice.CaptureResult{Backend: "none"}
	}
	next := s.captures[0]
	s.captures = s.captures[1:]
	return next
}

func (s *stubVoice) NextInboxFile(seen map[string]struct{}) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range s.inbox {
		if _, ok := seen[path]; !ok {
			return path
		}
	}
	return ""
}

func (s *stubVoice) ListInboxFiles() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make(map[string]struct{}, len(s.inbox))
	for _, path := range s.inbox {
		files[path] = struct{}{}
	}
	return files
}

func (s *stubVoice) ParseWakeCommand(text string) (bool, string) {
	lowered := strings.ToLower(text)
	idx := strings.Index(lowered, "nimbus")
	if idx < 0 {
		return false, ""
	}
	remainder := strings.TrimLeft(text[idx+len("nimbus"):], " ,.!?:;-")
	return true, strings.TrimSpace(remainder)
}

func (s *stubVoice) synthCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synthCalls
}

type testHarness struct {
	orch   *Orchestrator
	bus    *events.Bus
	llm    *stubLLM
	voice  *stubVoice
	store  *store.Storage
	cfg    *config.Config
	llmLog string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	cfg := config.Default()
	cfg.Memory.Path = filepath.Join(t.TempDir(), "test.db")
	// Launch commands that exist on any test host.
	cfg.Policy.AllowedApps = map[string]string{"notepad": "true"}
	cfg.Policy.AllowedShellPrefixes = append(cfg.Policy.AllowedShellPrefixes, "echo")

	storage, err := store.Open(cfg.Memory.Path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { storage.Close() })

	bus := events.NewBus(64)
	model := &stubLLM{}
	vc := &stubVoice{transcript: map[string]string{}}
	policy := governance.NewEngine(cfg)
	llmLog := filepath.Join(t.TempDir(), "llm.jsonl")

	orch := NewOrchestrator(Deps{
		Config:     cfg,
		Storage:    storage,
		Events:     bus,
		LLM:        model,
		Policy:     policy,
		Planner:    planner.New(cfg, policy),
		Registry:   tools.BuildDefaultRegistry(&tools.Env{Config: cfg, Storage: storage, LLM: model}),
		Dispatcher: dispatch.New(cfg, model, nil),
		Voice:      vc,
		Logger:     observability.NewLogger(llmLog),
	})
	return &testHarness{orch: orch, bus: bus, llm: model, voice: vc, store: storage, cfg: cfg, llmLog: llmLog}
}

// drainEvents empties a subscriber queue without blocking.
func drainEvents(ch chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func eventTypes(evts []events.Event) []string {
	var types []string
	for _, evt := range evts {
		types = append(types, evt["type"].(string))
	}
	return types
}

func countType(evts []events.Event, eventType string) int {
	n := 0
	for _, evt := range evts {
		if evt["type"] == eventType {
			n++
		}
	}
	return n
}

func (h *testHarness) registerPlan(plan *schema.Plan) {
	h.orch.mu.Lock()
	h.orch.plans[plan.ID] = plan
	h.orch.mu.Unlock()
}

func TestExecutePlan_UnknownPlan(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.ExecutePlan(context.Background(), schema.ExecuteRequest{PlanID: "plan_missing"}, "s1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPlanNotFound))
}

func TestExecutePlan_SuccessAndSkippedIsPartial(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe()

	plan := &schema.Plan{
		ID:     "plan_e2e",
		Goal:   "open notepad then run a command",
		Mode:   schema.ModeAction,
		Status: schema.PlanDraft,
		Steps: []schema.PlanStep{
			{ID: "step_1", Description: "Open notepad", Tool: "open_app", Args: map[string]any{"app_name": "notepad"}},
			{ID: "step_2", Description: "Run echo", Tool: "safe_shell", Args: map[string]any{"command": "echo hello"}, NeedsApproval: true},
		},
	}
	h.registerPlan(plan)

	run, err := h.orch.ExecutePlan(context.Background(), schema.ExecuteRequest{PlanID: plan.ID}, "s1")
	require.NoError(t, err)

	assert.Equal(t, schema.RunPartial, run.Status)

	var statuses []schema.StepStatus
	for _, evt := range run.Timeline {
		statuses = append(statuses, evt.Status)
	}
	assert.Equal(t, []schema.StepStatus{schema.StepRunning, schema.StepSuccess, schema.StepSkipped}, statuses)

	types := eventTypes(drainEvents(sub))
	assert.Contains(t, types, "run.started")
	assert.Contains(t, types, "step.success")
	assert.Contains(t, types, "step.skipped")
	assert.Contains(t, types, "run.finished")
}

func TestExecutePlan_ApprovedShellRuns(t *testing.T) {
	h := newHarness(t)

	plan := &schema.Plan{
		ID:   "plan_approved",
		Goal: "run echo",
		Mode: schema.ModeAction,
		Steps: []schema.PlanStep{
			{ID: "step_1", Description: "Run echo", Tool: "safe_shell", Args: map[string]any{"command": "echo hi"}, NeedsApproval: true},
		},
	}
	h.registerPlan(plan)

	run, err := h.orch.ExecutePlan(context.Background(), schema.ExecuteRequest{
		PlanID:        plan.ID,
		ApprovedSteps: []string{"step_1"},
	}, "s1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunCompleted, run.Status)
}

func TestExecutePlan_BlockedStepFailsRun(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe()

	plan := &schema.Plan{
		ID:   "plan_blocked",
		Goal: "destroy things",
		Mode: schema.ModeAction,
		Steps: []schema.PlanStep{
			{ID: "step_1", Description: "Dangerous", Tool: "safe_shell", Args: map[string]any{"command": "rm -rf /"}},
		},
	}
	h.registerPlan(plan)

	run, err := h.orch.ExecutePlan(context.Background(), schema.ExecuteRequest{PlanID: plan.ID}, "s1")
	require.NoError(t, err)

	assert.Equal(t, schema.RunFailed, run.Status)
	require.Len(t, run.Timeline, 1)
	assert.Equal(t, schema.StepBlocked, run.Timeline[0].Status)
	assert.Equal(t, 1, countType(drainEvents(sub), "step.blocked"))
}

func TestExecutePlan_DirectAnswerStep(t *testing.T) {
	h := newHarness(t)
	h.llm.reply = "Paris."

	plan := &schema.Plan{
		ID:    "plan_direct",
		Goal:  "what is the capital of france",
		Mode:  schema.ModeAction,
		Steps: []schema.PlanStep{{ID: "step_1", Description: "Respond directly", Args: map[string]any{}}},
	}
	h.registerPlan(plan)

	run, err := h.orch.ExecutePlan(context.Background(), schema.ExecuteRequest{PlanID: plan.ID}, "s1")
	require.NoError(t, err)

	assert.Equal(t, schema.RunCompleted, run.Status)
	last := run.Timeline[len(run.Timeline)-1]
	assert.Equal(t, schema.StepSuccess, last.Status)
	assert.Equal(t, "Paris.", last.Data["response"])

	stored, ok := h.orch.GetRun(run.ID)
	require.True(t, ok)
	assert.Equal(t, run.ID, stored.ID)
}

func TestChat_ChatModeUsesModelAndHistory(t *testing.T) {
	h := newHarness(t)
	h.llm.reply = "Hi there."

	resp := h.orch.Chat(context.Background(), schema.ChatRequest{
		SessionID: "s1", Text: "hello", Mode: schema.ModeChat,
	})
	assert.Equal(t, "Hi there.", resp.Reply)
	assert.Nil(t, resp.Plan)

	entries, err := h.store.ListRecentHistory("s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].UserText)
}

func TestChat_ChatModeMirrorsLLMTraffic(t *testing.T) {
	h := newHarness(t)
	h.llm.reply = "Paris."

	h.orch.Chat(context.Background(), schema.ChatRequest{
		SessionID: "s1", Text: "what is the capital of France?", Mode: schema.ModeChat,
	})

	data, err := os.ReadFile(h.llmLog)
	require.NoError(t, err, "chat generation should reach the llm mirror")
	assert.Contains(t, string(data), `"type":"llm"`)
	assert.Contains(t, string(data), "capital of France")
	assert.Contains(t, string(data), `"response":"Paris."`)
}

func TestChat_ActionAutoExecutesLowRisk(t *testing.T) {
	h := newHarness(t)

	resp := h.orch.Chat(context.Background(), schema.ChatRequest{
		SessionID: "s1", Text: "open notepad", Mode: schema.ModeAction,
	})

	require.NotNil(t, resp.Plan)
	assert.NotEmpty(t, resp.RunID)
	assert.Contains(t, resp.Reply, "finished with status")

	run, ok := h.orch.GetRun(resp.RunID)
	require.True(t, ok)
	assert.Equal(t, schema.RunCompleted, run.Status)
}

func TestChat_ActionRequiresApproval(t *testing.T) {
	h := newHarness(t)

	resp := h.orch.Chat(context.Background(), schema.ChatRequest{
		SessionID: "s1", Text: "run command echo hello", Mode: schema.ModeAction,
	})

	require.NotNil(t, resp.Plan)
	assert.Empty(t, resp.RunID, "approval-gated plans must not auto-execute")
	assert.Contains(t, resp.Reply, "Approval required")
}

func TestChat_CodeModeNeverAutoExecutes(t *testing.T) {
	h := newHarness(t)

	resp := h.orch.Chat(context.Background(), schema.ChatRequest{
		SessionID: "s1", Text: "write code to sort a list", Mode: schema.ModeCode,
	})

	require.NotNil(t, resp.Plan)
	assert.Empty(t, resp.RunID)
	require.Len(t, resp.Plan.Steps, 1)
	assert.Equal(t, "code_agent", resp.Plan.Steps[0].Tool)
}

func TestExecuteToolAction_PolicyGated(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe()

	blocked := h.orch.ExecuteToolAction(context.Background(), "s1", "dashboard", "file_delete", nil)
	assert.False(t, blocked.Success)

	allowed := h.orch.ExecuteToolAction(context.Background(), "s1", "dashboard", "open_app",
		map[string]any{"app_name": "notepad"})
	assert.True(t, allowed.Success)

	assert.Equal(t, 1, countType(drainEvents(sub), "dashboard.action.executed"))
}

func TestProcessVoiceText_SpeaksReply(t *testing.T) {
	h := newHarness(t)
	h.llm.reply = "Hello back."

	resp := h.orch.ProcessVoiceText(context.Background(), "hello", "s1", schema.ModeChat)

	assert.False(t, resp.Interrupted)
	assert.Equal(t, "Hello back.", resp.Reply)
	assert.Equal(t, "stub", resp.TTSBackend)
	assert.Equal(t, 1, h.voice.synthCount())
}

func TestProcessVoiceText_BargeInSkipsSynthesis(t *testing.T) {
	h := newHarness(t)
	// The interrupt arrives while the reply is being generated.
	h.llm.onGenerate = func() { h.orch.InterruptVoiceSession("s1") }

	resp := h.orch.ProcessVoiceText(context.Background(), "hello", "s1", schema.ModeChat)

	assert.True(t, resp.Interrupted)
	assert.NotEmpty(t, resp.Reply, "the generated reply is still returned")
	assert.Zero(t, h.voice.synthCount(), "no speech after barge-in")
	assert.False(t, h.orch.IsVoiceInterrupted("s1"), "interrupt flag is consumed")
}

func TestProcessVoiceText_EmptyTranscript(t *testing.T) {
	h := newHarness(t)

	resp := h.orch.ProcessVoiceText(context.Background(), "   ", "s1", schema.ModeChat)
	assert.Contains(t, resp.Warnings, "empty transcript")
	assert.Zero(t, h.voice.synthCount())
}

func TestProcessVoiceCommand(t *testing.T) {
	h := newHarness(t)
	h.llm.reply = "Done."
	h.voice.transcript["/audio/cmd.wav"] = "hello there"

	resp := h.orch.ProcessVoiceCommand(context.Background(), "/audio/cmd.wav", "s1", schema.ModeChat)
	assert.Equal(t, "hello there", resp.Transcript)
	assert.Equal(t, "stub", resp.STTBackend)
	assert.Equal(t, "Done.", resp.Reply)

	missing := h.orch.ProcessVoiceCommand(context.Background(), "/audio/unknown.wav", "s1", schema.ModeChat)
	assert.Equal(t, "Could not transcribe audio.", missing.Reply)
	assert.NotEmpty(t, missing.Warnings)
}

func TestVoiceSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe()

	state := h.orch.RegisterVoiceSession("s1", schema.ModeAction)
	assert.Equal(t, "s1", state.SessionID)
	assert.False(t, state.Interrupted)

	h.orch.SetVoicePartial("s1", "open not")
	interrupted := h.orch.InterruptVoiceSession("s1")
	assert.True(t, interrupted.Interrupted)
	assert.True(t, h.orch.IsVoiceInterrupted("s1"))
	assert.Equal(t, 1, countType(drainEvents(sub), "voice.interrupted"))

	h.orch.ClearVoiceInterrupt("s1")
	assert.False(t, h.orch.IsVoiceInterrupted("s1"))

	h.orch.CloseVoiceSession("s1")
	assert.False(t, h.orch.IsVoiceInterrupted("s1"))
}

func TestVoiceLoop_DoubleStartUpdatesWithoutRespawn(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe()

	first := h.orch.StartVoiceLoop(VoiceLoopOptions{PollInterval: 50 * time.Millisecond})
	require.True(t, first.Running)

	second := h.orch.StartVoiceLoop(VoiceLoopOptions{PollInterval: 80 * time.Millisecond})
	assert.True(t, second.Running)
	assert.Equal(t, 80*time.Millisecond, second.PollInterval)

	stopped := h.orch.StopVoiceLoop()
	assert.False(t, stopped.Running)

	// Stopping again is a no-op.
	h.orch.StopVoiceLoop()

	evts := drainEvents(sub)
	assert.Equal(t, 1, countType(evts, "voice.loop.started"), "second start must not publish another started event")
	assert.Equal(t, 1, countType(evts, "voice.loop.stopped"))
}

func TestVoiceLoopIteration_WakeWordGating(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe()
	ctx := context.Background()

	h.voice.captures = []voice.CaptureResult{
		{Transcript: "just chatting to myself", Backend: "stub"},
		{Transcript: "nimbus", Backend: "stub"},
		{Transcript: "nimbus open notepad", Backend: "stub"},
	}

	for i := 0; i < 3; i++ {
		h.orch.voiceLoopIteration(ctx, "voice-loop", schema.ModeAction, true, time.Millisecond)
	}

	snapshot := h.orch.VoiceLoopState()
	assert.Equal(t, 2, snapshot.SkippedCount)
	assert.Equal(t, 1, snapshot.ProcessedCount)
	assert.Equal(t, "open notepad", snapshot.LastCommand)

	evts := drainEvents(sub)
	assert.Equal(t, 2, countType(evts, "voice.loop.ignored"))
	assert.Equal(t, 1, countType(evts, "voice.loop.processed"))

	var reasons []string
	for _, evt := range evts {
		if evt["type"] == "voice.loop.ignored" {
			reasons = append(reasons, evt["reason"].(string))
		}
	}
	assert.Equal(t, []string{"wake_word_not_detected", "wake_word_without_command"}, reasons)
}

func TestVoiceLoopIteration_InboxFallback(t *testing.T) {
	h := newHarness(t)
	h.llm.reply = "Acknowledged."
	h.voice.inbox = []string{"/inbox/new.txt"}
	h.voice.transcript["/inbox/new.txt"] = "nimbus open notepad"

	h.orch.voiceLoopIteration(context.Background(), "voice-loop", schema.ModeAction, true, time.Millisecond)

	snapshot := h.orch.VoiceLoopState()
	assert.Equal(t, 1, snapshot.ProcessedCount)

	// The same file is not picked up twice.
	h.orch.voiceLoopIteration(context.Background(), "voice-loop", schema.ModeAction, true, time.Millisecond)
	assert.Equal(t, 1, h.orch.VoiceLoopState().ProcessedCount)
}

func TestReminderPollerPublishesOncePerReminder(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe()

	past := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	_, err := h.store.AddReminder("drink water", past)
	require.NoError(t, err)

	h.orch.pollDueReminders()
	assert.Equal(t, 1, countType(drainEvents(sub), "reminder.due"))

	// Already notified: a second poll delivers nothing.
	h.orch.pollDueReminders()
	assert.Zero(t, countType(drainEvents(sub), "reminder.due"))
}

func TestBackgroundWorkersIdempotent(t *testing.T) {
	h := newHarness(t)

	h.orch.StartBackgroundWorkers()
	h.orch.StartBackgroundWorkers()
	h.orch.StopBackgroundWorkers()
	h.orch.StopBackgroundWorkers()
}

func TestDispatchTranscribedSpeechRecordsVoiceHistory(t *testing.T) {
	h := newHarness(t)
	h.llm.reply = `{"reply":"Opening it now.","actions":[{"tool":"open_app","args":{"app_name":"notepad"},"confidence":0.9,"reason":"requested"}]}`

	result := h.orch.DispatchTranscribedSpeech(context.Background(), "open notepad", "s1", nil)
	assert.Equal(t, "local", result.Backend)
	assert.Equal(t, "Opening it now.", result.Reply)

	var count int
	require.NoError(t, h.store.DB.QueryRow(`SELECT COUNT(*) FROM voice_history`).Scan(&count))
	assert.Equal(t, 1, count)
}
