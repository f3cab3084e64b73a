package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App       AppConfig      `yaml:"app"`
	Local     LocalLLMConfig `yaml:"local_llm"`
	Cloud     CloudLLMConfig `yaml:"cloud_llm"`
	Memory    MemoryConfig   `yaml:"memory"`
	Policy    PolicyConfig   `yaml:"policy"`
	Planner   PlannerConfig  `yaml:"planner"`
	Voice     VoiceConfig    `yaml:"voice"`
	Reminders ReminderConfig `yaml:"reminders"`
}

type AppConfig struct {
	Name                string `yaml:"name"`
	Workspace           string `yaml:"workspace"`
	AutoExecuteLowRisk  bool   `yaml:"auto_execute_low_risk"`
	RequestTimeoutSec   int    `yaml:"request_timeout_sec"`
	EventQueueSize      int    `yaml:"event_queue_size"`
	HistoryPromptLimit  int    `yaml:"history_prompt_limit"`
	ShellCommandTimeout int    `yaml:"shell_command_timeout_sec"`
}

type LocalLLMConfig struct {
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type CloudLLMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	BaseURL       string  `yaml:"base_url,omitempty"`
	Model         string  `yaml:"model"`
	APIKey        string  `yaml:"api_key"`
	MaxRetries    int     `yaml:"max_retries"`
	RetryDelaySec float64 `yaml:"retry_delay_sec"`
}

type MemoryConfig struct {
	Path string `yaml:"path"`
}

type PolicyConfig struct {
	AllowedTools         []string          `yaml:"allowed_tools"`
	AllowedApps          map[string]string `yaml:"allowed_apps"`
	AllowedShellPrefixes []string          `yaml:"allowed_shell_prefixes"`
	BlockedShellTerms    []string          `yaml:"blocked_shell_terms"`
}

type PlannerConfig struct {
	MaxPlanSteps int `yaml:"max_plan_steps"`
}

type VoiceConfig struct {
	InputDir        string   `yaml:"input_dir"`
	OutputDir       string   `yaml:"output_dir"`
	STTCommand      string   `yaml:"stt_command"`
	TTSCommand      string   `yaml:"tts_command"`
	CaptureCommand  string   `yaml:"capture_command"`
	WakeWords       []string `yaml:"wake_words"`
	LoopSessionID   string   `yaml:"loop_session_id"`
	LoopMode        string   `yaml:"loop_mode"`
	LoopAutoStart   bool     `yaml:"loop_auto_start"`
	RequireWakeWord bool     `yaml:"require_wake_word"`
	PollIntervalSec int      `yaml:"poll_interval_sec"`
}

type ReminderConfig struct {
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// Default returns a fully usable configuration; Load starts from it so a
// partial or missing config file still yields sane behavior.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:                "Nimbus",
			Workspace:           "./workspace",
			AutoExecuteLowRisk:  true,
			RequestTimeoutSec:   45,
			EventQueueSize:      200,
			HistoryPromptLimit:  4,
			ShellCommandTimeout: 12,
		},
		Local: LocalLLMConfig{
			BaseURL: "http://127.0.0.1:11434",
			Model:   "qwen2.5:7b-instruct",
		},
		Cloud: CloudLLMConfig{
			Enabled:       false,
			Model:         "gpt-4o-mini",
			MaxRetries:    2,
			RetryDelaySec: 0.75,
		},
		Memory: MemoryConfig{Path: "data/nimbus.db"},
		Policy: PolicyConfig{
			AllowedTools: []string{"open_app", "media_control", "reminder", "code_agent", "safe_shell"},
			AllowedApps: map[string]string{
				"notepad":    "notepad.exe",
				"calculator": "calc.exe",
				"vscode":     "code",
				"chrome":     "chrome",
				"edge":       "msedge",
			},
			AllowedShellPrefixes: []string{"echo", "dir", "Get-Process", "Get-Date", "python --version"},
			BlockedShellTerms:    []string{"rm", "del", "format", "mkfs", "shutdown", "reboot", "rmdir"},
		},
		Planner: PlannerConfig{MaxPlanSteps: 6},
		Voice: VoiceConfig{
			InputDir:        "data/voice/in",
			OutputDir:       "data/voice/out",
			WakeWords:       []string{"nimbus", "hey nimbus"},
			LoopSessionID:   "voice-loop",
			LoopMode:        "action",
			RequireWakeWord: true,
			PollIntervalSec: 2,
		},
		Reminders: ReminderConfig{PollIntervalSec: 5},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not an
// error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) RequestTimeout() time.Duration {
	if c.App.RequestTimeoutSec <= 0 {
		return 45 * time.Second
	}
	return time.Duration(c.App.RequestTimeoutSec) * time.Second
}

func (c *Config) CloudRetryDelay() time.Duration {
	if c.Cloud.RetryDelaySec <= 0 {
		return 0
	}
	return time.Duration(c.Cloud.RetryDelaySec * float64(time.Second))
}

func (c *Config) ReminderPollInterval() time.Duration {
	sec := c.Reminders.PollIntervalSec
	if sec < 3 {
		sec = 3
	}
	return time.Duration(sec) * time.Second
}

func (c *Config) VoicePollInterval() time.Duration {
	sec := c.Voice.PollIntervalSec
	if sec < 1 {
		sec = 1
	}
	return time.Duration(sec) * time.Second
}

func (c *Config) ShellTimeout() time.Duration {
	sec := c.App.ShellCommandTimeout
	if sec < 1 {
		sec = 1
	}
	if sec > 120 {
		sec = 120
	}
	return time.Duration(sec) * time.Second
}

// ToolAllowed reports whether a tool name is on the policy allow-list.
func (c *Config) ToolAllowed(name string) bool {
	for _, t := range c.Policy.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}
