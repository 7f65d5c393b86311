// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command arena runs the A2A evaluation orchestrator.
//
// Usage:
//
//	arena serve --listen 127.0.0.1:9019 --scenarios ./scenarios
//	arena run blocks --builder http://localhost:8080
//	arena version
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/kadirpekel/arena"
	"github.com/kadirpekel/arena/config"
	"github.com/kadirpekel/arena/logger"
	"github.com/kadirpekel/arena/observability"
	"github.com/kadirpekel/arena/orchestrator"
	"github.com/kadirpekel/arena/qa"
	"github.com/kadirpekel/arena/scenario"
	"github.com/kadirpekel/arena/server"
	"github.com/kadirpekel/arena/transcript"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the evaluation proxy server."`
	Run     RunCmd     `cmd:"" help:"Run a single scenario and print the outcome."`

	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile  string `help:"Log file path (empty = stderr)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(arena.GetVersion())
	return nil
}

// ServeCmd starts the evaluation proxy server.
type ServeCmd struct {
	Listen    string `help:"Address to listen on (overrides ARENA_LISTEN)."`
	Scenarios string `help:"Scenario directory (overrides ARENA_SCENARIO_DIR)." type:"path"`
	CardURL   string `name:"card-url" help:"Externally reachable URL advertised on the agent card."`
	Stream    bool   `help:"Use streaming exchanges with builder agents."`
	Watch     bool   `default:"true" negatable:"" help:"Watch the scenario directory for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg := config.FromEnv()
	if c.Listen != "" {
		cfg.ListenAddr = c.Listen
	}
	if c.Scenarios != "" {
		cfg.ScenarioDir = c.Scenarios
	}

	registry, err := scenario.NewRegistry(cfg.ScenarioDir)
	if err != nil {
		return fmt.Errorf("failed to load scenarios: %w", err)
	}
	if c.Watch {
		go func() {
			if err := registry.Watch(ctx); err != nil {
				slog.Error("scenario watch stopped", "error", err)
			}
		}()
	}

	recorder, err := transcript.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to open transcript recorder: %w", err)
	}
	defer recorder.Close()

	provider, err := qa.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create qa provider: %w", err)
	}

	metrics := observability.NewMetrics()
	executor := server.NewExecutor(server.ExecutorConfig{
		Registry:  registry,
		Recorder:  recorder,
		QA:        provider,
		Metrics:   metrics,
		Streaming: c.Stream,
	})

	srv := server.NewHTTPServer(server.HTTPConfig{
		ListenAddr: cfg.ListenAddr,
		CardURL:    c.CardURL,
		Version:    arena.Version,
	}, executor, metrics)

	slog.Info("arena serving",
		"address", cfg.ListenAddr,
		"scenarios", registry.Names(),
		"qa", provider.Name(),
		"transcripts", cfg.TranscriptBackend)
	return srv.Start(ctx)
}

// RunCmd runs one scenario from the command line, without the server.
type RunCmd struct {
	Scenario string `arg:"" help:"Scenario name (from the scenario directory) or a YAML file path."`
	Builder  string `help:"Builder agent endpoint (overrides the scenario's participant)."`
	Stream   bool   `help:"Use streaming exchanges with the builder agent."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	cfg := config.FromEnv()

	def, err := c.loadScenario(cfg)
	if err != nil {
		return err
	}
	if c.Builder != "" {
		def.Participants[scenario.RoleBuilder] = c.Builder
	}

	recorder, err := transcript.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to open transcript recorder: %w", err)
	}
	defer recorder.Close()

	provider, err := qa.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create qa provider: %w", err)
	}

	sess, err := orchestrator.New(orchestrator.Config{
		Scenario:  def,
		Recorder:  recorder,
		QA:        provider,
		Streaming: c.Stream,
		OnTurn: func(info *orchestrator.TurnInfo) {
			slog.Info("turn", "seq", info.Seq, "role", info.Role, "state", info.State)
		},
	})
	if err != nil {
		return err
	}
	if fr, ok := recorder.(*transcript.FileRecorder); ok {
		sess.SetTranscriptRef(fr.Path(sess.ID))
	}

	go func() {
		<-sigCh
		slog.Info("Canceling session...")
		if err := sess.Cancel(); err != nil {
			slog.Warn("cancel failed", "error", err)
		}
		<-sigCh
		// Second signal: stop waiting for the suspension point.
		cancel()
	}()

	out, err := sess.Run(ctx)
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))

	if !out.Success {
		os.Exit(1)
	}
	return nil
}

func (c *RunCmd) loadScenario(cfg *config.Config) (*scenario.Definition, error) {
	if _, err := os.Stat(c.Scenario); err == nil {
		return scenario.LoadFile(c.Scenario)
	}

	registry, err := scenario.NewRegistry(cfg.ScenarioDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load scenarios: %w", err)
	}
	return registry.Get(c.Scenario)
}

func main() {
	_ = config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("arena"),
		kong.Description("arena - A2A evaluation orchestrator"),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		logger.Init(level, f)
	} else {
		logger.Init(level, os.Stderr)
	}

	ctx.FatalIfErrorf(ctx.Run(&cli))
}
