// Copyright 2026 © The Skillloop Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/skillloop/skillloop/pkg/config"
	"github.com/skillloop/skillloop/pkg/llm"
	"github.com/skillloop/skillloop/pkg/loop"
	"github.com/skillloop/skillloop/pkg/protocol"
	"github.com/skillloop/skillloop/pkg/resilience"
	"github.com/skillloop/skillloop/pkg/sandbox"
	"github.com/skillloop/skillloop/pkg/skill"
	"github.com/skillloop/skillloop/pkg/telemetry"
	"github.com/skillloop/skillloop/providers/anthropic"
	"github.com/skillloop/skillloop/providers/openai"
)

type runResult struct {
	Content              string         `json:"content"`
	StopReason           llm.StopReason `json:"stop_reason"`
	Iterations           int            `json:"iterations"`
	MaxIterationsReached bool           `json:"max_iterations_reached,omitempty"`
	Executions           int            `json:"executions"`
	Files                []string       `json:"files,omitempty"`
	Message              map[string]any `json:"message,omitempty"`
	Error                string         `json:"error,omitempty"`
}

func runLoop(ctx context.Context, global globalFlags, cfg *config.Config, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		prompt     = fs.String("prompt", "", "User prompt (reads stdin when empty and --prompt-file unset)")
		promptFile = fs.String("prompt-file", "", "Read the prompt from a file")
		system     = fs.String("system", "", "System prompt")
		model      = fs.String("model", "", "Model override (defaults to llm.model config)")
		protoName  = fs.String("protocol", "", "Wire protocol: openai or anthropic (defaults to llm.provider)")
		maxIter    = fs.Int("max-iterations", 0, "Model call bound (defaults to loop.max_iterations config)")
		outDir     = fs.String("out", "", "Directory to write generated files into")
		refs       multiFlag
		dirs       multiFlag
	)
	fs.Var(&refs, "skill", "Skill reference to resolve from the store, e.g. litellm:pdf (repeatable)")
	fs.Var(&dirs, "skill-dir", "Local skill directory to attach inline (repeatable)")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}

	text, err := resolvePrompt(*prompt, *promptFile)
	if err != nil {
		fatal(err)
	}

	proto, err := protocol.Parse(pick(*protoName, cfg.LLM.Provider))
	if err != nil {
		fatal(err)
	}

	var skills []*skill.Skill
	for _, dir := range dirs {
		sk, err := loadSkillDir(dir)
		if err != nil {
			fatal(fmt.Errorf("load skill dir %s: %w", dir, err))
		}
		skills = append(skills, sk)
	}

	caller, err := newCaller(cfg.LLM)
	if err != nil {
		fatal(err)
	}
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.LLM.MaxAttempts
	caller = llm.WithRetry(caller, retryCfg)

	engine, err := newEngine(cfg.Sandbox)
	if err != nil {
		fatal(err)
	}
	exec := sandbox.NewExecutor(engine,
		sandbox.WithTimeout(cfg.Loop.SandboxTimeout),
		sandbox.WithInstallPolicy(sandbox.InstallPolicy(cfg.Sandbox.InstallPolicy)),
	)

	metrics, err := telemetry.NewLoopMetrics()
	if err != nil {
		fatal(err)
	}

	opts := []loop.Option{loop.WithMetrics(metrics)}
	if cfg.Skills.DBPath != "" {
		store, err := skill.OpenSQLiteStore(cfg.Skills.DBPath)
		if err != nil {
			fatal(err)
		}
		defer store.Close()
		opts = append(opts, loop.WithStore(store))
	}

	controller := loop.NewController(caller, exec, opts...)

	conv := &protocol.Conversation{Messages: []map[string]any{
		{"role": "user", "content": text},
	}}
	if *system != "" {
		conv.System = *system
	}

	res, runErr := controller.Run(ctx, loop.Request{
		Protocol:       proto,
		Conversation:   conv,
		Skills:         skills,
		SkillRefs:      refs,
		Model:          pick(*model, cfg.LLM.Model),
		MaxIterations:  pickInt(*maxIter, cfg.Loop.MaxIterations),
		SandboxTimeout: cfg.Loop.SandboxTimeout,
		TotalDeadline:  cfg.Loop.TotalDeadline,
	})
	if res == nil {
		fatal(runErr)
	}

	if *outDir != "" {
		if err := writeFiles(*outDir, res.State.Files); err != nil {
			fatal(err)
		}
	}

	printRunResult(global, res, runErr)
	if runErr != nil {
		os.Exit(1)
	}
}

func printRunResult(global globalFlags, res *loop.Result, runErr error) {
	if global.JSON {
		out := runResult{
			Content:              res.Turn.Content,
			StopReason:           res.Turn.StopReason,
			Iterations:           res.State.Iteration,
			MaxIterationsReached: res.MaxIterationsReached,
			Executions:           len(res.State.Executions),
			Message:              res.Message,
		}
		for _, f := range res.State.Files {
			out.Files = append(out.Files, f.Name)
		}
		if runErr != nil {
			out.Error = runErr.Error()
		}
		printJSON(out)
		return
	}

	if res.Turn.Content != "" {
		fmt.Println(res.Turn.Content)
	}
	if res.MaxIterationsReached {
		fmt.Fprintln(os.Stderr, "stopped: max iterations reached with tool calls pending")
	}
	for _, f := range res.State.Files {
		fmt.Fprintf(os.Stderr, "generated: %s (%s, %d bytes)\n", f.Name, f.MIMEType, f.SizeBytes)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
	}
}

// newCaller selects the provider from config. The two providers mirror the
// two wire protocols the loop speaks.
func newCaller(cfg config.LLMConfig) (llm.Caller, error) {
	switch cfg.Provider {
	case "openai":
		opts := []openai.Option{}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithAPIKey(cfg.APIKey))
		}
		return openai.New(opts...), nil
	case "anthropic":
		opts := []anthropic.Option{}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		if cfg.APIKey != "" {
			opts = append(opts, anthropic.WithAPIKey(cfg.APIKey))
		}
		return anthropic.New(opts...), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func newEngine(cfg config.SandboxConfig) (sandbox.Engine, error) {
	switch cfg.Engine {
	case "docker":
		var opts []sandbox.DockerOption
		if cfg.Image != "" {
			opts = append(opts, sandbox.WithImage(cfg.Image))
		}
		if cfg.Workdir != "" {
			opts = append(opts, sandbox.WithWorkdir(cfg.Workdir))
		}
		return sandbox.NewDockerEngine(opts...), nil
	case "none":
		// Tool calls fail soft and the model is told execution is unavailable.
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown sandbox engine %q", cfg.Engine)
	}
}

func resolvePrompt(prompt, promptFile string) (string, error) {
	if prompt != "" {
		return prompt, nil
	}
	if promptFile != "" {
		data, err := os.ReadFile(promptFile)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil || len(data) == 0 {
		return "", fmt.Errorf("no prompt: pass --prompt, --prompt-file, or pipe stdin")
	}
	return string(data), nil
}

func writeFiles(dir string, files []sandbox.GeneratedFile) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, f := range files {
		target := filepath.Join(dir, filepath.Base(f.Name))
		if err := os.WriteFile(target, f.Content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func pick(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func pickInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}
