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

// Command zonescribe is the research pipeline worker CLI.
//
// Usage:
//
//	zonescribe run --config config.yaml --job-id j1 --target "Duskwood"
//	zonescribe summarizer --config config.yaml
//	zonescribe validate --config config.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	"github.com/kadirpekel/zonescribe/pkg/bus"
	"github.com/kadirpekel/zonescribe/pkg/checkpoint"
	"github.com/kadirpekel/zonescribe/pkg/config"
	"github.com/kadirpekel/zonescribe/pkg/logger"
	"github.com/kadirpekel/zonescribe/pkg/model"
	"github.com/kadirpekel/zonescribe/pkg/pipeline"
	"github.com/kadirpekel/zonescribe/pkg/prompt"
	"github.com/kadirpekel/zonescribe/pkg/runtime"
	"github.com/kadirpekel/zonescribe/pkg/summarize"
	"github.com/kadirpekel/zonescribe/pkg/tokens"
	"github.com/kadirpekel/zonescribe/pkg/tool"
)

// CLI defines the command-line interface.
type CLI struct {
	Run        RunCmd        `cmd:"" help:"Run one research job."`
	Summarizer SummarizerCmd `cmd:"" help:"Serve the summarizer tool server."`
	Validate   ValidateCmd   `cmd:"" help:"Validate a configuration file."`
	Version    VersionCmd    `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." default:"zonescribe.yaml" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple, verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("zonescribe %s\n", version)
	return nil
}

// ValidateCmd checks a config document.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := loadConfig(cli); err != nil {
		return err
	}
	fmt.Printf("%s: configuration valid\n", cli.Config)
	return nil
}

// RunCmd executes one research job to completion (or pause/failure).
type RunCmd struct {
	JobID  string `help:"Job identifier; resumes an existing checkpoint."`
	Target string `help:"Target zone name." required:""`
	Depth  int    `help:"Traversal depth for connected-zone discovery." default:"0"`
	Budget int    `help:"Token budget for the job (default from config)."`
	Out    string `help:"Write the package JSON to this file (default stdout)."`
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	llm, err := model.New(cfg.Model)
	if err != nil {
		return err
	}
	defer llm.Close()

	counter, err := tokens.NewCounter(llm.Name())
	if err != nil {
		return err
	}

	prompts, err := prompt.NewLibrary(cfg.Prompts.Dir)
	if err != nil {
		return err
	}
	defer prompts.Close()

	toolRegistry, err := tool.LoadFromConfig(cfg.Tools)
	if err != nil {
		return err
	}
	defer toolRegistry.Close()

	store, err := checkpoint.NewStore(cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, err := bus.NewPublisher(cfg.Bus)
	if err != nil {
		return err
	}
	defer publisher.Close()

	agent := runtime.New(llm, toolRegistry, cfg.Pipeline.MaxIterations)

	deps := &pipeline.Deps{
		Store:     store,
		Publisher: publisher,
		Agent:     agent,
		Prompts:   prompts,
		Counter:   counter,
		Config:    cfg.Pipeline,
		AgentID:   cfg.AgentID,
		SummarizerFor: func(onUsage func(model.Usage)) pipeline.Compressor {
			return summarize.New(llm, counter, prompts, summarize.Options{
				ChunkSize:       cfg.Summarizer.ChunkSize,
				Overlap:         cfg.Summarizer.Overlap,
				MaxConcurrent:   cfg.Summarizer.MaxConcurrentCalls,
				MaxReducePasses: cfg.Summarizer.MaxReducePasses,
				OnUsage:         onUsage,
			})
		},
	}

	engine := pipeline.NewEngine(pipeline.DefaultSteps(), deps,
		cfg.Checkpoint.RetainCompletedCheckpoints())

	jobID := c.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	pkg, err := engine.Run(ctx, &pipeline.Job{
		ID:           jobID,
		TargetEntity: c.Target,
		Depth:        c.Depth,
		BudgetTokens: c.Budget,
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrPaused) {
			fmt.Fprintf(os.Stderr, "job %s paused: %v\n", jobID, err)
			return nil
		}
		return err
	}

	out, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return err
	}
	if c.Out != "" {
		return os.WriteFile(c.Out, out, 0644)
	}
	fmt.Println(string(out))
	return nil
}

// SummarizerCmd serves the summarizer as a remote tool server.
type SummarizerCmd struct {
	Listen string `help:"Listen address (overrides config)."`
}

func (c *SummarizerCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	llm, err := model.New(cfg.Model)
	if err != nil {
		return err
	}
	defer llm.Close()

	counter, err := tokens.NewCounter(llm.Name())
	if err != nil {
		return err
	}

	prompts, err := prompt.NewLibrary(cfg.Prompts.Dir)
	if err != nil {
		return err
	}
	defer prompts.Close()

	summarizer := summarize.New(llm, counter, prompts, summarize.Options{
		ChunkSize:       cfg.Summarizer.ChunkSize,
		Overlap:         cfg.Summarizer.Overlap,
		MaxConcurrent:   cfg.Summarizer.MaxConcurrentCalls,
		MaxReducePasses: cfg.Summarizer.MaxReducePasses,
	})

	listen := c.Listen
	if listen == "" {
		listen = cfg.Summarizer.Listen
	}
	if listen == "" {
		listen = ":8090"
	}

	return summarize.NewServer(summarizer, cfg.Summarizer.MaxOutputTokens).ListenAndServe(listen)
}

func loadConfig(cli *CLI) (*config.Config, error) {
	if err := config.LoadEnvFiles(); err != nil {
		return nil, err
	}
	logger.Init(logger.ParseLevel(cli.LogLevel), os.Stderr, cli.LogFormat)
	return config.Load(cli.Config)
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("zonescribe"),
		kong.Description("Autonomous research pipeline worker for game-world lore."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(cli))
}
