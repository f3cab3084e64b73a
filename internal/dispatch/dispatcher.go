package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nimbuslabs/nimbus/internal/llm"
	"github.com/nimbuslabs/nimbus/internal/schema"
	"github.com/nimbuslabs/nimbus/pkg/config"
)

// StructuredAction is one model- or rule-derived tool suggestion. The
// dispatcher proposes actions, it never executes them.
type StructuredAction struct {
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	Confidence float64        `json:"confidence"`
	Reason     string         `json:"reason"`
}

// Result reports, besides the reply itself, exactly how it was obtained:
// which backend answered, how many attempts each side took, and every
// degradation along the way. Callers can always distinguish "the model
// answered" from "we guessed".
type Result struct {
	Transcript        string               `json:"transcript"`
	Intent            SpeechIntent         `json:"intent"`
	Mode              schema.AssistantMode `json:"mode"`
	Reply             string               `json:"reply"`
	Actions           []StructuredAction   `json:"actions"`
	Backend           string               `json:"llm_backend"`
	UsedCloudFallback bool                 `json:"used_cloud_fallback"`
	LocalAttempts     int                  `json:"local_attempts"`
	CloudAttempts     int                  `json:"cloud_attempts"`
	Warnings          []string             `json:"warnings"`
}

// CloudReasoner is the escalation backend. Errors and empty responses both
// count as failed attempts.
type CloudReasoner interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type parsedPayload struct {
	reply        string
	actions      []StructuredAction
	isStructured bool
}

var (
	fencedJSONRe = regexp.MustCompile("(?is)```json\\s*(\\{.*?\\})\\s*```")
	inlineJSONRe = regexp.MustCompile(`(?s)(\{.*\})`)
)

// Dispatcher is the self-contained fast path for voice transcripts: classify,
// ask the local model for structured JSON, escalate to cloud when warranted,
// and always return something usable.
type Dispatcher struct {
	classifier Classifier
	local      llm.Generator
	cloud      CloudReasoner

	cloudEnabled    bool
	cloudMaxRetries int
	cloudRetryDelay time.Duration

	sleep func(time.Duration) // overridable in tests
}

func New(cfg *config.Config, local llm.Generator, cloud CloudReasoner) *Dispatcher {
	maxRetries := cfg.Cloud.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Dispatcher{
		local:           local,
		cloud:           cloud,
		cloudEnabled:    cfg.Cloud.Enabled && cloud != nil,
		cloudMaxRetries: maxRetries,
		cloudRetryDelay: cfg.CloudRetryDelay(),
		sleep:           time.Sleep,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, transcript, sessionID string, callerContext map[string]any) Result {
	cleaned := strings.TrimSpace(transcript)
	if cleaned == "" {
		return Result{
			Intent:   IntentUnknown,
			Mode:     schema.ModeChat,
			Reply:    "No transcript provided.",
			Backend:  "none",
			Warnings: []string{"empty transcript"},
		}
	}

	prediction := d.classifier.Classify(cleaned)
	prompt := buildDispatchPrompt(cleaned, prediction, sessionID, callerContext)

	var warnings []string
	localAttempts := 1
	localRaw := d.local.Generate(ctx, prompt, prediction.Mode)
	localParsed := d.parsePayload(localRaw, cleaned, prediction)

	shouldTryCloud := d.cloudEnabled && (prediction.RequiresDeepReasoning || !localParsed.isStructured)
	cloudAttempts := 0
	cloudTried := false

	if shouldTryCloud {
		cloudRaw, attempts, cloudWarnings := d.generateWithCloudRetry(ctx, prompt)
		cloudAttempts = attempts
		warnings = append(warnings, cloudWarnings...)
		if cloudRaw != "" {
			cloudTried = true
			cloudParsed := d.parsePayload(cloudRaw, cleaned, prediction)
			if cloudParsed.reply != "" {
				return Result{
					Transcript:        cleaned,
					Intent:            prediction.Intent,
					Mode:              prediction.Mode,
					Reply:             cloudParsed.reply,
					Actions:           cloudParsed.actions,
					Backend:           "cloud",
					UsedCloudFallback: true,
					LocalAttempts:     localAttempts,
					CloudAttempts:     cloudAttempts,
					Warnings:          warnings,
				}
			}
		}
	}

	if localParsed.reply != "" {
		if shouldTryCloud && !cloudTried {
			warnings = append(warnings, "cloud fallback unavailable; returned local response")
		}
		return Result{
			Transcript:    cleaned,
			Intent:        prediction.Intent,
			Mode:          prediction.Mode,
			Reply:         localParsed.reply,
			Actions:       localParsed.actions,
			Backend:       "local",
			LocalAttempts: localAttempts,
			CloudAttempts: cloudAttempts,
			Warnings:      warnings,
		}
	}

	warnings = append(warnings, "used deterministic fallback response")
	return Result{
		Transcript: cleaned,
		Intent:     prediction.Intent,
		Mode:       prediction.Mode,
		Reply: "I understood your request but could not get a model response. " +
			"I prepared structured actions for execution.",
		Actions:           inferActionsFromTranscript(cleaned, prediction),
		Backend:           "deterministic-fallback",
		UsedCloudFallback: shouldTryCloud,
		LocalAttempts:     localAttempts,
		CloudAttempts:     cloudAttempts,
		Warnings:          warnings,
	}
}

// generateWithCloudRetry makes up to maxRetries+1 attempts with linear
// backoff. Failures are folded into warnings, never surfaced as errors.
func (d *Dispatcher) generateWithCloudRetry(ctx context.Context, prompt string) (string, int, []string) {
	attempts := 0
	var warnings []string
	maxAttempts := d.cloudMaxRetries + 1

	for i := 0; i < maxAttempts; i++ {
		attempts++
		text, err := d.cloud.Generate(ctx, prompt)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("cloud attempt %d failed: %v", attempts, err))
		} else if strings.TrimSpace(text) != "" {
			return text, attempts, warnings
		} else {
			warnings = append(warnings, fmt.Sprintf("cloud attempt %d returned empty response", attempts))
		}
		if i < maxAttempts-1 && d.cloudRetryDelay > 0 {
			d.sleep(d.cloudRetryDelay * time.Duration(i+1))
		}
	}
	return "", attempts, warnings
}

func buildDispatchPrompt(transcript string, intent IntentPrediction, sessionID string, callerContext map[string]any) string {
	contextJSON, err := json.Marshal(callerContext)
	if err != nil || callerContext == nil {
		contextJSON = []byte("{}")
	}
	return fmt.Sprintf(
		"You are the hybrid dispatcher.\n"+
			"Classified intent:\n"+
			"- intent: %s\n"+
			"- mode: %s\n"+
			"- requires_deep_reasoning: %t\n"+
			"- session_id: %s\n"+
			"- context: %s\n\n"+
			"Return strict JSON with schema:\n"+
			`{"reply":"string","actions":[{"tool":"string","args":{},"confidence":0.0,"reason":"string"}]}`+"\n\n"+
			"Transcript: %s",
		intent.Intent, intent.Mode, intent.RequiresDeepReasoning, sessionID, contextJSON, transcript,
	)
}

func (d *Dispatcher) parsePayload(payloadText, transcript string, prediction IntentPrediction) parsedPayload {
	cleaned := strings.TrimSpace(payloadText)
	if cleaned == "" {
		return parsedPayload{}
	}

	parsed := tryParseJSON(cleaned)
	if parsed == nil {
		return parsedPayload{
			reply:   cleaned,
			actions: inferActionsFromTranscript(transcript, prediction),
		}
	}

	reply := strings.TrimSpace(stringField(parsed, "reply"))
	if reply == "" {
		reply = strings.TrimSpace(stringField(parsed, "response"))
	}
	if reply == "" {
		reply = cleaned
	}
	return parsedPayload{
		reply:        reply,
		actions:      parseActions(parsed["actions"], transcript, prediction),
		isStructured: true,
	}
}

// tryParseJSON works down a ladder: the whole text, a fenced ```json block,
// then the outermost {...} substring.
func tryParseJSON(text string) map[string]any {
	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err == nil {
		return data
	}
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		if err := json.Unmarshal([]byte(m[1]), &data); err == nil {
			return data
		}
	}
	if m := inlineJSONRe.FindStringSubmatch(text); m != nil {
		if err := json.Unmarshal([]byte(m[1]), &data); err == nil {
			return data
		}
	}
	return nil
}

func parseActions(raw any, transcript string, prediction IntentPrediction) []StructuredAction {
	items, ok := raw.([]any)
	if !ok {
		return inferActionsFromTranscript(transcript, prediction)
	}

	var parsed []StructuredAction
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		tool := strings.TrimSpace(stringField(obj, "tool"))
		if tool == "" {
			continue
		}
		args, _ := obj["args"].(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
		confidence, _ := obj["confidence"].(float64)
		parsed = append(parsed, StructuredAction{
			Tool:       tool,
			Args:       args,
			Confidence: confidence,
			Reason:     strings.TrimSpace(stringField(obj, "reason")),
		})
	}
	if len(parsed) > 0 {
		return parsed
	}
	return inferActionsFromTranscript(transcript, prediction)
}

// inferActionsFromTranscript is the last-resort action source when no model
// produced structured output. It only fires for automation intents.
func inferActionsFromTranscript(transcript string, prediction IntentPrediction) []StructuredAction {
	text := strings.ToLower(strings.TrimSpace(transcript))
	if prediction.Intent != IntentAutomation {
		return nil
	}

	remainder := func() string {
		if _, rest, found := strings.Cut(transcript, " "); found {
			return strings.TrimSpace(rest)
		}
		return ""
	}

	switch {
	case strings.HasPrefix(text, "open ") || strings.HasPrefix(text, "launch "):
		return []StructuredAction{{
			Tool:       "open_app",
			Args:       map[string]any{"app_name": remainder()},
			Confidence: 0.62,
			Reason:     "inferred from open/launch command",
		}}
	case strings.HasPrefix(text, "play "):
		return []StructuredAction{{
			Tool:       "media_control",
			Args:       map[string]any{"action": "play", "query": remainder()},
			Confidence: 0.61,
			Reason:     "inferred from play command",
		}}
	case strings.Contains(text, "remind me") || strings.Contains(text, "set reminder"):
		return []StructuredAction{{
			Tool:       "reminder",
			Args:       map[string]any{"text": transcript},
			Confidence: 0.65,
			Reason:     "inferred from reminder phrase",
		}}
	case strings.HasPrefix(text, "run ") || strings.HasPrefix(text, "execute "):
		return []StructuredAction{{
			Tool:       "safe_shell",
			Args:       map[string]any{"command": remainder()},
			Confidence: 0.55,
			Reason:     "inferred from run/execute command",
		}}
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
