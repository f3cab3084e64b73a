package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuslabs/nimbus/internal/schema"
	"github.com/nimbuslabs/nimbus/pkg/config"
)

type fakeLocal struct {
	response string
	calls    int
}

func (f *fakeLocal) Generate(_ context.Context, _ string, _ schema.AssistantMode) string {
	f.calls++
	return f.response
}

type fakeCloud struct {
	response string
	err      error
	calls    int
}

func (f *fakeCloud) Generate(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.response, f.err
}

func newTestDispatcher(t *testing.T, cloudEnabled bool, maxRetries int, local *fakeLocal, cloud CloudReasoner) *Dispatcher {
	t.Helper()
	cfg := config.Default()
	cfg.Cloud.Enabled = cloudEnabled
	cfg.Cloud.MaxRetries = maxRetries
	cfg.Cloud.RetryDelaySec = 0.01

	d := New(cfg, local, cloud)
	d.sleep = func(time.Duration) {} // no real waiting in tests
	return d
}

func TestDispatch_EmptyTranscript(t *testing.T) {
	local := &fakeLocal{}
	d := newTestDispatcher(t, false, 0, local, nil)

	result := d.Dispatch(context.Background(), "   ", "s1", nil)

	assert.Equal(t, IntentUnknown, result.Intent)
	assert.Equal(t, "none", result.Backend)
	assert.Contains(t, result.Warnings, "empty transcript")
	assert.Zero(t, local.calls, "no model call for empty input")
}

func TestDispatch_StructuredLocalSkipsCloud(t *testing.T) {
	local := &fakeLocal{response: `{"reply":"Opening notepad now.","actions":[{"tool":"open_app","args":{"app_name":"notepad"},"confidence":0.9,"reason":"user asked"}]}`}
	cloud := &fakeCloud{response: "should never be used"}
	d := newTestDispatcher(t, true, 2, local, cloud)

	result := d.Dispatch(context.Background(), "open notepad please", "s1", nil)

	assert.Equal(t, "local", result.Backend)
	assert.Equal(t, "Opening notepad now.", result.Reply)
	assert.False(t, result.UsedCloudFallback)
	assert.Zero(t, cloud.calls, "structured local response must not escalate")
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "open_app", result.Actions[0].Tool)
}

func TestDispatch_DeepReasoningEscalatesToCloud(t *testing.T) {
	local := &fakeLocal{response: `{"reply":"shallow local take"}`}
	cloud := &fakeCloud{response: `{"reply":"thorough cloud analysis"}`}
	d := newTestDispatcher(t, true, 1, local, cloud)

	result := d.Dispatch(context.Background(), "analyze the tradeoffs of this architecture", "s1", nil)

	assert.Equal(t, "cloud", result.Backend)
	assert.True(t, result.UsedCloudFallback)
	assert.Equal(t, "thorough cloud analysis", result.Reply)
	assert.Equal(t, 1, cloud.calls)
	assert.Equal(t, 1, result.LocalAttempts)
}

func TestDispatch_CloudFailureFallsBackWithWarnings(t *testing.T) {
	local := &fakeLocal{response: `{"reply":"local answer"}`}
	cloud := &fakeCloud{err: errors.New("connection refused")}
	d := newTestDispatcher(t, true, 1, local, cloud)

	result := d.Dispatch(context.Background(), "analyze why the cache misses spike", "s1", nil)

	// max_retries=1 means two attempts total.
	assert.Equal(t, 2, result.CloudAttempts)
	assert.Equal(t, "local", result.Backend)
	require.Len(t, result.Warnings, 3)
	assert.Contains(t, result.Warnings[0], "cloud attempt 1 failed")
	assert.Contains(t, result.Warnings[1], "cloud attempt 2 failed")
	assert.Contains(t, result.Warnings[2], "cloud fallback unavailable")
}

func TestDispatch_DeterministicFallback(t *testing.T) {
	local := &fakeLocal{response: ""}
	cloud := &fakeCloud{err: errors.New("offline")}
	d := newTestDispatcher(t, true, 0, local, cloud)

	result := d.Dispatch(context.Background(), "open notepad", "s1", nil)

	assert.Equal(t, "deterministic-fallback", result.Backend)
	assert.NotEmpty(t, result.Reply)
	assert.Contains(t, result.Warnings, "used deterministic fallback response")
	require.NotEmpty(t, result.Actions, "fallback should derive actions from the transcript")
	assert.Equal(t, "open_app", result.Actions[0].Tool)
}

func TestDispatch_UnstructuredLocalReplyIsKept(t *testing.T) {
	local := &fakeLocal{response: "Sure, happy to help with that."}
	d := newTestDispatcher(t, false, 0, local, nil)

	result := d.Dispatch(context.Background(), "hello there", "s1", nil)

	assert.Equal(t, "local", result.Backend)
	assert.Equal(t, "Sure, happy to help with that.", result.Reply)
	assert.Zero(t, result.CloudAttempts)
}

func TestDispatch_FencedJSONParsed(t *testing.T) {
	local := &fakeLocal{response: "Here you go:\n```json\n{\"reply\":\"fenced reply\"}\n```\n"}
	d := newTestDispatcher(t, false, 0, local, nil)

	result := d.Dispatch(context.Background(), "open calculator", "s1", nil)

	assert.Equal(t, "fenced reply", result.Reply)
	assert.Equal(t, "local", result.Backend)
}

func TestDispatch_InlineJSONParsed(t *testing.T) {
	local := &fakeLocal{response: `The model says {"reply":"embedded reply"} and nothing more.`}
	d := newTestDispatcher(t, false, 0, local, nil)

	result := d.Dispatch(context.Background(), "play music", "s1", nil)

	assert.Equal(t, "embedded reply", result.Reply)
}

func TestDispatch_ResponseFieldFallback(t *testing.T) {
	local := &fakeLocal{response: `{"response":"alt field reply"}`}
	d := newTestDispatcher(t, false, 0, local, nil)

	result := d.Dispatch(context.Background(), "set reminder to hydrate", "s1", nil)

	assert.Equal(t, "alt field reply", result.Reply)
}

func TestClassifier(t *testing.T) {
	var c Classifier

	cases := []struct {
		transcript string
		intent     SpeechIntent
		deep       bool
	}{
		{"open notepad", IntentAutomation, false},
		{"write code to sort a list", IntentCode, true},
		{"analyze the architecture tradeoffs", IntentChat, true},
		{"hello how are you", IntentChat, false},
		{"", IntentUnknown, false},
	}
	for _, tc := range cases {
		p := c.Classify(tc.transcript)
		assert.Equal(t, tc.intent, p.Intent, "transcript %q", tc.transcript)
		assert.Equal(t, tc.deep, p.RequiresDeepReasoning, "transcript %q", tc.transcript)
	}
}
