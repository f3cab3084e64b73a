package observability

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypePolicyCheck EventType = "policy_check"
	EventTypeToolCall    EventType = "tool_call"
	EventTypeToolResult  EventType = "tool_result"
	EventTypePlan        EventType = "plan"
	EventTypeStep        EventType = "step"
	EventTypeDispatch    EventType = "dispatch"
	EventTypeVoice       EventType = "voice"
	EventTypeHeartbeat   EventType = "heartbeat"
	EventTypeLLM         EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger emits structured JSON lines to stdout and mirrors LLM traffic to a
// size-rotated JSONL file for offline inspection.
type Logger struct {
	llmLogPath string
	maxSize    int64
}

func NewLogger(llmLogPath string) *Logger {
	return &Logger{
		llmLogPath: llmLogPath,
		maxSize:    10 * 1024 * 1024, // 10MB
	}
}

func (l *Logger) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		fmt.Printf("{\"error\": \"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Println(string(data))

	if evt.Type == EventTypeLLM {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogPolicyCheck(sessionID, tool, reason string, allowed bool) {
	l.Log(Event{
		Type:      EventTypePolicyCheck,
		SessionID: sessionID,
		Data: map[string]any{
			"tool":    tool,
			"allowed": allowed,
			"reason":  reason,
		},
	})
}

func (l *Logger) LogToolCall(sessionID, runID, tool string, args map[string]any) {
	l.Log(Event{
		Type:      EventTypeToolCall,
		SessionID: sessionID,
		RunID:     runID,
		Data: map[string]any{
			"tool": tool,
			"args": args,
		},
	})
}

func (l *Logger) LogToolResult(sessionID, runID, tool string, success bool, message string) {
	l.Log(Event{
		Type:      EventTypeToolResult,
		SessionID: sessionID,
		RunID:     runID,
		Data: map[string]any{
			"tool":    tool,
			"success": success,
			"message": message,
		},
	})
}

func (l *Logger) LogPlan(planID, mode string, steps int) {
	l.Log(Event{
		Type: EventTypePlan,
		Data: map[string]any{
			"plan_id": planID,
			"mode":    mode,
			"steps":   steps,
		},
	})
}

func (l *Logger) LogVoice(sessionID, transcript, reply, ttsBackend string) {
	l.Log(Event{
		Type:      EventTypeVoice,
		SessionID: sessionID,
		Data: map[string]any{
			"transcript":  transcript,
			"reply":       reply,
			"tts_backend": ttsBackend,
		},
	})
}

func (l *Logger) LogStep(runID, stepID, status, message string) {
	l.Log(Event{
		Type:  EventTypeStep,
		RunID: runID,
		Data: map[string]string{
			"step_id": stepID,
			"status":  status,
			"message": message,
		},
	})
}

func (l *Logger) LogDispatch(sessionID, backend string, localAttempts, cloudAttempts int, warnings []string) {
	l.Log(Event{
		Type:      EventTypeDispatch,
		SessionID: sessionID,
		Data: map[string]any{
			"backend":        backend,
			"local_attempts": localAttempts,
			"cloud_attempts": cloudAttempts,
			"warnings":       warnings,
		},
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}

func (l *Logger) LogLLM(sessionID, prompt, response, backend string) {
	l.Log(Event{
		Type:      EventTypeLLM,
		SessionID: sessionID,
		Data: map[string]any{
			"prompt":   prompt,
			"response": response,
			"backend":  backend,
		},
	})
}
