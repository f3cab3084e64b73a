package voice

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nimbuslabs/nimbus/pkg/config"
)

// TranscribeResult, SpeakResult and CaptureResult report backend failures
// as warning strings, never as errors: "no backend configured" is a normal
// condition for a local-first install.
type TranscribeResult struct {
	Text    string
	Backend string
	Warning string
}

type SpeakResult struct {
	AudioPath string
	Backend   string
	Warning   string
}

type CaptureResult struct {
	Path       string
	Transcript string
	Backend    string
	Warning    string
}

// Pipeline shells out to configured speech commands and falls back to plain
// text files so the rest of the system can be exercised without any audio
// stack installed.
type Pipeline struct {
	cfg       *config.Config
	InputDir  string
	OutputDir string
}

func NewPipeline(cfg *config.Config) (*Pipeline, error) {
	p := &Pipeline{
		cfg:       cfg,
		InputDir:  cfg.Voice.InputDir,
		OutputDir: cfg.Voice.OutputDir,
	}
	for _, dir := range []string{p.InputDir, p.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) Transcribe(ctx context.Context, audioPath string) TranscribeResult {
	if _, err := os.Stat(audioPath); err != nil {
		return TranscribeResult{Backend: "none", Warning: fmt.Sprintf("File not found: %s", audioPath)}
	}

	if cmd := strings.TrimSpace(p.cfg.Voice.STTCommand); cmd != "" {
		if text := p.runSTTCommand(ctx, cmd, audioPath); text != "" {
			return TranscribeResult{Text: text, Backend: "command"}
		}
	}

	if strings.EqualFold(filepath.Ext(audioPath), ".txt") {
		data, err := os.ReadFile(audioPath)
		if err != nil {
			return TranscribeResult{Backend: "txt-fallback", Warning: err.Error()}
		}
		return TranscribeResult{Text: strings.TrimSpace(string(data)), Backend: "txt-fallback"}
	}

	return TranscribeResult{
		Backend: "none",
		Warning: "No STT backend configured. Set voice.stt_command or pass .txt input for fallback.",
	}
}

func (p *Pipeline) Synthesize(ctx context.Context, text string) SpeakResult {
	safe := strings.TrimSpace(text)
	if safe == "" {
		return SpeakResult{Backend: "none", Warning: "Text is empty"}
	}

	if cmd := strings.TrimSpace(p.cfg.Voice.TTSCommand); cmd != "" {
		target := filepath.Join(p.OutputDir, fmt.Sprintf("reply_%s.wav", uuid.NewString()[:10]))
		if p.runTTSCommand(ctx, cmd, safe, target) {
			return SpeakResult{AudioPath: target, Backend: "command"}
		}
	}

	fallback := filepath.Join(p.OutputDir, fmt.Sprintf("reply_%s.txt", uuid.NewString()[:10]))
	if err := os.WriteFile(fallback, []byte(safe), 0o644); err != nil {
		return SpeakResult{Backend: "text-fallback", Warning: err.Error()}
	}
	return SpeakResult{
		AudioPath: fallback,
		Backend:   "text-fallback",
		Warning:   "No TTS backend configured. Set voice.tts_command to generate audio.",
	}
}

// CaptureOnce runs the configured capture command, expecting it to print the
// path of a recorded file. No configured command is not an error; the voice
// loop then polls the inbox directory instead.
func (p *Pipeline) CaptureOnce(ctx context.Context) CaptureResult {
	cmd := strings.TrimSpace(p.cfg.Voice.CaptureCommand)
	if cmd == "" {
		return CaptureResult{Backend: "none"}
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout())
	defer cancel()
	fields := strings.Fields(cmd)
	out, err := exec.CommandContext(runCtx, fields[0], fields[1:]...).Output()
	if err != nil {
		return CaptureResult{Backend: "capture-command", Warning: err.Error()}
	}
	path := strings.TrimSpace(string(out))
	if path == "" {
		return CaptureResult{Backend: "capture-command"}
	}
	return CaptureResult{Path: path, Backend: "capture-command"}
}

// NextInboxFile returns the first file in the input directory that is not in
// seen, or "" when nothing new arrived.
func (p *Pipeline) NextInboxFile(seen map[string]struct{}) string {
	entries, err := os.ReadDir(p.InputDir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path, err := filepath.Abs(filepath.Join(p.InputDir, entry.Name()))
		if err != nil {
			continue
		}
		if _, ok := seen[path]; !ok {
			return path
		}
	}
	return ""
}

// ListInboxFiles snapshots the current inbox contents as absolute paths.
func (p *Pipeline) ListInboxFiles() map[string]struct{} {
	files := make(map[string]struct{})
	entries, err := os.ReadDir(p.InputDir)
	if err != nil {
		return files
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if path, err := filepath.Abs(filepath.Join(p.InputDir, entry.Name())); err == nil {
			files[path] = struct{}{}
		}
	}
	return files
}

// ParseWakeCommand reports whether a configured wake word occurs in the text
// and returns the command that follows it.
func (p *Pipeline) ParseWakeCommand(text string) (bool, string) {
	lowered := strings.ToLower(text)
	for _, wake := range p.cfg.Voice.WakeWords {
		wakeLower := strings.ToLower(strings.TrimSpace(wake))
		if wakeLower == "" {
			continue
		}
		idx := strings.Index(lowered, wakeLower)
		if idx < 0 {
			continue
		}
		remainder := text[idx+len(wakeLower):]
		remainder = strings.TrimLeft(remainder, " ,.!?:;-")
		return true, strings.TrimSpace(remainder)
	}
	return false, ""
}

// SaveUpload stores uploaded audio bytes in the inbox under a unique,
// sanitized name.
func (p *Pipeline) SaveUpload(filename string, content []byte) (string, error) {
	clean := filepath.Base(filename)
	if clean == "." || clean == string(filepath.Separator) || clean == "" {
		clean = "voice_input.bin"
	}
	target := filepath.Join(p.InputDir, fmt.Sprintf("%s_%s", uuid.NewString()[:10], clean))
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return "", err
	}
	return target, nil
}

func (p *Pipeline) runSTTCommand(ctx context.Context, command, audioPath string) string {
	expanded := strings.ReplaceAll(command, "{audio_path}", audioPath)
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout())
	defer cancel()
	fields := strings.Fields(expanded)
	out, err := exec.CommandContext(runCtx, fields[0], fields[1:]...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func (p *Pipeline) runTTSCommand(ctx context.Context, command, text, outputPath string) bool {
	expanded := strings.ReplaceAll(command, "{text}", strings.ReplaceAll(text, `"`, ""))
	expanded = strings.ReplaceAll(expanded, "{output_path}", outputPath)
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout())
	defer cancel()
	fields := strings.Fields(expanded)
	if err := exec.CommandContext(runCtx, fields[0], fields[1:]...).Run(); err != nil {
		return false
	}
	if _, err := os.Stat(outputPath); err != nil {
		return false
	}
	return true
}
