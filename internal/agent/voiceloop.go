package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nimbuslabs/nimbus/internal/events"
	"github.com/nimbuslabs/nimbus/internal/schema"
)

// VoiceLoopOptions carries optional overrides for StartVoiceLoop. Zero
// values leave the current setting untouched.
type VoiceLoopOptions struct {
	SessionID       string
	Mode            schema.AssistantMode
	RequireWakeWord *bool
	PollInterval    time.Duration
}

// StartVoiceLoop starts the singleton background listener. Calling it
// while the loop is already running only updates the settings; a second
// worker is never spawned and no second started event is published.
func (o *Orchestrator) StartVoiceLoop(opts VoiceLoopOptions) schema.VoiceLoopSnapshot {
	started := false
	// Snapshot outside the lock; directory listing is disk I/O.
	inbox := o.voice.ListInboxFiles()

	o.mu.Lock()
	state := &o.voiceLoop
	if opts.SessionID != "" {
		state.sessionID = opts.SessionID
	}
	if opts.Mode != "" {
		state.mode = opts.Mode
	}
	if opts.RequireWakeWord != nil {
		state.requireWakeWord = *opts.RequireWakeWord
	}
	if opts.PollInterval > 0 {
		state.pollInterval = opts.PollInterval
	}

	if !state.running {
		started = true
		state.running = true
		state.processedCount = 0
		state.skippedCount = 0
		state.lastTranscript = ""
		state.lastCommand = ""
		state.lastReply = ""
		state.lastBackend = ""
		state.lastError = ""
		state.startedAt = schema.UTCNow()
		state.updatedAt = schema.UTCNow()
		o.seenInbox = inbox

		loopCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		o.voiceLoopStop = cancel
		o.voiceLoopDone = done
		go o.voiceLoopWorker(loopCtx, done)
	}
	snapshot := o.voiceLoopSnapshotLocked()
	o.mu.Unlock()

	if started {
		if o.status != nil {
			o.status.SetVoiceRunning(true)
		}
		o.events.Publish(events.New("voice.loop.started", events.Event{
			"session_id":        snapshot.SessionID,
			"mode":              string(snapshot.Mode),
			"require_wake_word": snapshot.RequireWakeWord,
			"poll_interval":     snapshot.PollInterval.String(),
		}))
	}
	return snapshot
}

// StopVoiceLoop cancels the worker and waits for it to exit before
// returning a consistent snapshot. Stopping twice is a no-op.
func (o *Orchestrator) StopVoiceLoop() schema.VoiceLoopSnapshot {
	stopped := false
	var cancel context.CancelFunc
	var done chan struct{}

	o.mu.Lock()
	state := &o.voiceLoop
	if state.running {
		stopped = true
		state.running = false
		state.updatedAt = schema.UTCNow()
		cancel = o.voiceLoopStop
		done = o.voiceLoopDone
		o.voiceLoopStop = nil
		o.voiceLoopDone = nil
	}
	snapshot := o.voiceLoopSnapshotLocked()
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	if stopped {
		if o.status != nil {
			o.status.SetVoiceRunning(false)
		}
		o.events.Publish(events.New("voice.loop.stopped", events.Event{
			"session_id": snapshot.SessionID,
		}))
	}
	return snapshot
}

// VoiceLoopState returns a consistent copy of the loop state.
func (o *Orchestrator) VoiceLoopState() schema.VoiceLoopSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.voiceLoopSnapshotLocked()
}

func (o *Orchestrator) voiceLoopSnapshotLocked() schema.VoiceLoopSnapshot {
	state := &o.voiceLoop
	return schema.VoiceLoopSnapshot{
		Running:         state.running,
		SessionID:       state.sessionID,
		Mode:            state.mode,
		RequireWakeWord: state.requireWakeWord,
		PollInterval:    state.pollInterval,
		WakeWords:       append([]string(nil), state.wakeWords...),
		ProcessedCount:  state.processedCount,
		SkippedCount:    state.skippedCount,
		LastTranscript:  state.lastTranscript,
		LastCommand:     state.lastCommand,
		LastReply:       state.lastReply,
		LastBackend:     state.lastBackend,
		LastError:       state.lastError,
		StartedAt:       state.startedAt,
		UpdatedAt:       state.updatedAt,
	}
}

func (o *Orchestrator) voiceLoopWorker(ctx context.Context, done chan struct{}) {
	defer close(done)
	log.Println("Voice loop started...")

	for {
		o.mu.Lock()
		running := o.voiceLoop.running
		sessionID := o.voiceLoop.sessionID
		mode := o.voiceLoop.mode
		requireWakeWord := o.voiceLoop.requireWakeWord
		pollInterval := o.voiceLoop.pollInterval
		o.mu.Unlock()

		if !running {
			return
		}

		o.voiceLoopIteration(ctx, sessionID, mode, requireWakeWord, pollInterval)

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

// voiceLoopIteration performs one capture/transcribe/process cycle. Any
// panic inside is contained and recorded; a bad iteration must never kill
// the worker.
func (o *Orchestrator) voiceLoopIteration(ctx context.Context, sessionID string, mode schema.AssistantMode, requireWakeWord bool, pollInterval time.Duration) {
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("voice loop iteration panicked: %v", rec)
			o.recordVoiceLoopError(msg)
			o.events.Publish(events.New("voice.loop.error", events.Event{
				"session_id": sessionID,
				"message":    msg,
			}))
		}
	}()

	capture := o.voice.CaptureOnce(ctx)
	transcript := capture.Transcript
	backend := capture.Backend
	warning := capture.Warning

	if capture.Path != "" {
		stt := o.voice.Transcribe(ctx, capture.Path)
		transcript = stt.Text
		if stt.Backend != "" {
			backend = stt.Backend
		}
		warning = joinWarnings(warning, stt.Warning)
	}

	if transcript == "" {
		o.mu.Lock()
		seen := o.seenInbox
		o.mu.Unlock()
		if inboxFile := o.voice.NextInboxFile(seen); inboxFile != "" {
			o.mu.Lock()
			o.seenInbox[inboxFile] = struct{}{}
			o.mu.Unlock()
			stt := o.voice.Transcribe(ctx, inboxFile)
			transcript = stt.Text
			if stt.Backend != "" {
				backend = stt.Backend
			}
			warning = joinWarnings(warning, stt.Warning)
		}
	}

	if warning != "" {
		o.recordVoiceLoopError(warning)
	}
	if transcript == "" {
		return
	}

	commandText := transcript
	if requireWakeWord {
		detected, remainder := o.voice.ParseWakeCommand(transcript)
		if !detected {
			o.recordVoiceLoopSkip(transcript, backend, "wake word not detected")
			o.events.Publish(events.New("voice.loop.ignored", events.Event{
				"session_id": sessionID,
				"transcript": transcript,
				"reason":     "wake_word_not_detected",
			}))
			return
		}
		if remainder == "" {
			o.recordVoiceLoopSkip(transcript, backend, "wake word detected without command")
			o.events.Publish(events.New("voice.loop.ignored", events.Event{
				"session_id": sessionID,
				"transcript": transcript,
				"reason":     "wake_word_without_command",
			}))
			return
		}
		commandText = remainder
	}

	response := o.ProcessVoiceText(ctx, commandText, sessionID, mode)
	o.recordVoiceLoopProcessed(transcript, commandText, response.Reply, backend)
	o.events.Publish(events.New("voice.loop.processed", events.Event{
		"session_id":  sessionID,
		"mode":        string(mode),
		"transcript":  transcript,
		"command":     commandText,
		"reply":       response.Reply,
		"audio_path":  response.AudioPath,
		"interrupted": response.Interrupted,
	}))
}

func (o *Orchestrator) recordVoiceLoopProcessed(transcript, command, reply, backend string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state := &o.voiceLoop
	state.processedCount++
	state.lastTranscript = transcript
	state.lastCommand = command
	state.lastReply = reply
	state.lastBackend = backend
	state.lastError = ""
	state.updatedAt = schema.UTCNow()
}

func (o *Orchestrator) recordVoiceLoopSkip(transcript, backend, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state := &o.voiceLoop
	state.skippedCount++
	state.lastTranscript = transcript
	state.lastBackend = backend
	state.lastError = reason
	state.updatedAt = schema.UTCNow()
}

func (o *Orchestrator) recordVoiceLoopError(message string) {
	if message == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.voiceLoop.lastError = message
	o.voiceLoop.updatedAt = schema.UTCNow()
}

func joinWarnings(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}

// StartBackgroundWorkers launches the reminder poller and, when configured,
// the voice loop. Repeated calls are no-ops.
func (o *Orchestrator) StartBackgroundWorkers() {
	o.mu.Lock()
	if o.workersRunning {
		o.mu.Unlock()
		return
	}
	o.workersRunning = true
	reminderCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.reminderCancel = cancel
	o.reminderDone = done
	o.mu.Unlock()

	go o.reminderDueWorker(reminderCtx, done)

	if o.cfg.Voice.LoopAutoStart {
		o.StartVoiceLoop(VoiceLoopOptions{})
	}
}

// StopBackgroundWorkers stops the voice loop and the reminder poller and
// waits for both. Safe to call twice.
func (o *Orchestrator) StopBackgroundWorkers() {
	o.StopVoiceLoop()

	o.mu.Lock()
	if !o.workersRunning {
		o.mu.Unlock()
		return
	}
	o.workersRunning = false
	cancel := o.reminderCancel
	done := o.reminderDone
	o.reminderCancel = nil
	o.reminderDone = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// reminderDueWorker polls storage for newly-due reminders and publishes one
// event per reminder, marking each notified so it is delivered exactly once.
func (o *Orchestrator) reminderDueWorker(ctx context.Context, done chan struct{}) {
	defer close(done)
	log.Println("Reminder poller started...")

	ticker := time.NewTicker(o.cfg.ReminderPollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollDueReminders()
		}
	}
}

func (o *Orchestrator) pollDueReminders() {
	due, err := o.storage.ListDueUnnotified(schema.UTCNow())
	if err != nil {
		log.Printf("Error polling reminders: %v", err)
		return
	}
	for _, item := range due {
		if err := o.storage.MarkReminderNotified(item.ID); err != nil {
			log.Printf("Error marking reminder %d notified: %v", item.ID, err)
			continue
		}
		o.events.Publish(events.New("reminder.due", events.Event{
			"reminder": item,
		}))
	}
}
