package dispatch

import (
	"strings"

	"github.com/nimbuslabs/nimbus/internal/schema"
)

type SpeechIntent string

const (
	IntentChat       SpeechIntent = "chat"
	IntentAutomation SpeechIntent = "automation"
	IntentCode       SpeechIntent = "code"
	IntentUnknown    SpeechIntent = "unknown"
)

type IntentPrediction struct {
	Intent                SpeechIntent
	Mode                  schema.AssistantMode
	Confidence            float64
	RequiresDeepReasoning bool
}

var (
	deepReasoningTokens = []string{"analyze", "reason", "compare", "tradeoff", "architecture", "deep", "why"}
	codeTokens          = []string{"code", "python", "typescript", "bug", "refactor"}
	automationTokens    = []string{"open ", "launch ", "play ", "run ", "execute ", "remind me", "set reminder"}
)

// Classifier buckets a transcript into chat/automation/code by keyword rules.
// Deliberately shallow: it only has to be right often enough to pick a mode
// and decide whether cloud escalation is worth it.
type Classifier struct{}

func (Classifier) Classify(transcript string) IntentPrediction {
	text := strings.ToLower(strings.TrimSpace(transcript))
	if text == "" {
		return IntentPrediction{Intent: IntentUnknown, Mode: schema.ModeChat}
	}

	deep := containsAny(text, deepReasoningTokens)

	if containsAny(text, codeTokens) {
		return IntentPrediction{
			Intent:                IntentCode,
			Mode:                  schema.ModeCode,
			Confidence:            0.86,
			RequiresDeepReasoning: true,
		}
	}
	if containsAny(text, automationTokens) {
		return IntentPrediction{
			Intent:                IntentAutomation,
			Mode:                  schema.ModeAction,
			Confidence:            0.84,
			RequiresDeepReasoning: deep,
		}
	}
	return IntentPrediction{
		Intent:                IntentChat,
		Mode:                  schema.ModeChat,
		Confidence:            0.77,
		RequiresDeepReasoning: deep,
	}
}

func containsAny(text string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(text, token) {
			return true
		}
	}
	return false
}
