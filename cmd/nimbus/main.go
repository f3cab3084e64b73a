package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nimbuslabs/nimbus/internal/agent"
	"github.com/nimbuslabs/nimbus/internal/dispatch"
	"github.com/nimbuslabs/nimbus/internal/events"
	"github.com/nimbuslabs/nimbus/internal/governance"
	"github.com/nimbuslabs/nimbus/internal/llm"
	"github.com/nimbuslabs/nimbus/internal/observability"
	"github.com/nimbuslabs/nimbus/internal/planner"
	"github.com/nimbuslabs/nimbus/internal/store"
	"github.com/nimbuslabs/nimbus/internal/tools"
	"github.com/nimbuslabs/nimbus/internal/voice"
	"github.com/nimbuslabs/nimbus/pkg/config"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	observability.PrintBanner(version, modeLabel(cfg))
	observability.InitializeTerminal()

	// Route all log output through the terminal mutex so it never
	// interrupts the status row's cursor save/restore sequence.
	log.SetOutput(observability.TermWriter{})

	storage, err := store.Open(cfg.Memory.Path)
	if err != nil {
		log.Fatalf("failed to open storage: %v", err)
	}
	defer storage.Close()

	local, err := llm.NewLocalClient(cfg)
	if err != nil {
		log.Fatalf("failed to initialize local model client: %v", err)
	}

	var cloud dispatch.CloudReasoner
	if cfg.Cloud.Enabled {
		cloudClient, err := llm.NewCloudClient(cfg)
		if err != nil {
			log.Printf("Warning: cloud fallback disabled: %v", err)
		} else {
			cloud = cloudClient
		}
	}

	pipeline, err := voice.NewPipeline(cfg)
	if err != nil {
		log.Fatalf("failed to initialize voice pipeline: %v", err)
	}

	bus := events.NewBus(cfg.App.EventQueueSize)
	policy := governance.NewEngine(cfg)
	logger := observability.NewLogger(filepath.Join("logs", "llm.jsonl"))
	status := observability.NewStatusTracker()

	orch := agent.NewOrchestrator(agent.Deps{
		Config:     cfg,
		Storage:    storage,
		Events:     bus,
		LLM:        local,
		Policy:     policy,
		Planner:    planner.New(cfg, policy),
		Registry:   tools.BuildDefaultRegistry(&tools.Env{Config: cfg, Storage: storage, LLM: local}),
		Dispatcher: dispatch.New(cfg, local, cloud),
		Voice:      pipeline,
		Logger:     logger,
		Status:     status,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch.StartBackgroundWorkers()

	// Mirror bus traffic into the process log so a headless run still
	// shows plan and voice activity.
	sub := bus.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-sub:
				log.Printf("[EVENT] %v", evt["type"])
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.PrintLiveStatus(status.Snapshot())
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.LogHeartbeat()
			}
		}
	}()

	log.Printf("%s is ready. Tools: %d. Press Ctrl+C to exit.", cfg.App.Name, len(orch.ListTools()))

	<-ctx.Done()

	orch.StopBackgroundWorkers()
	bus.Unsubscribe(sub)
	observability.CleanupTerminal()

	time.Sleep(200 * time.Millisecond)
	log.Println("Shutdown complete.")
}

func modeLabel(cfg *config.Config) string {
	if cfg.Cloud.Enabled {
		return "hybrid"
	}
	return "local"
}
