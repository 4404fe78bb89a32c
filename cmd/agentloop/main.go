// Binary agentloop is a reference CLI that wires an Agent end to end: a
// ModelClient (Anthropic or Bedrock), the bundled reference tools, an
// opt-in Conversation store, and an OTEL tracer, then drives either a
// single prompt or an interactive REPL.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cortexflow/agentloop"
	"github.com/cortexflow/agentloop/config"
	"github.com/cortexflow/agentloop/model/anthropic"
	"github.com/cortexflow/agentloop/model/bedrock"
	"github.com/cortexflow/agentloop/store/sqlite"
	"github.com/cortexflow/agentloop/telemetry/otel"
	"github.com/cortexflow/agentloop/tools/calculate"
	"github.com/cortexflow/agentloop/tools/data"
	"github.com/cortexflow/agentloop/tools/fetch"
	"github.com/cortexflow/agentloop/tools/file"
	"github.com/cortexflow/agentloop/tools/markdown"
	"github.com/cortexflow/agentloop/tools/pdf"
	"github.com/cortexflow/agentloop/tools/shell"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "agentloop",
		Short: "Reference CLI for the agentloop event loop",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to agentloop.toml (default: ./agentloop.toml)")

	root.AddCommand(newRunCommand())
	root.AddCommand(newChatCommand())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run a single prompt to completion and print the final answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			conv := agentloop.NewConversation(agentloop.NewID())
			final, err := app.agent.Run(cmd.Context(), conv, args[0])
			if err != nil {
				return err
			}
			fmt.Println(final)
			if app.store != nil {
				if err := app.store.Save(cmd.Context(), conv); err != nil {
					log.Printf("agentloop: failed to persist conversation: %v", err)
				}
			}
			return nil
		},
	}
}

func newChatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive REPL over one Conversation, streaming model text as it arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, cleanup, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			conv := agentloop.NewConversation(agentloop.NewID())
			app.agent.Subscribe(agentloop.ObserverFunc(func(e agentloop.Event) {
				switch e.Kind {
				case agentloop.EventTextDelta:
					fmt.Print(e.Text)
				case agentloop.EventToolStarted:
					fmt.Fprintf(os.Stderr, "\n[tool] %s...\n", e.ToolName)
				case agentloop.EventTerminal:
					fmt.Println()
				}
			}))

			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("> ")
			for scanner.Scan() {
				prompt := strings.TrimSpace(scanner.Text())
				if prompt == "" {
					fmt.Print("> ")
					continue
				}
				if prompt == "exit" || prompt == "quit" {
					break
				}
				if _, err := app.agent.Run(ctx, conv, prompt); err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
				}
				if app.store != nil {
					if err := app.store.Save(ctx, conv); err != nil {
						log.Printf("agentloop: failed to persist conversation: %v", err)
					}
				}
				fmt.Print("> ")
			}
			return scanner.Err()
		},
	}
}

// application bundles the wired collaborators a command needs.
type application struct {
	agent *agentloop.Agent
	store *sqlite.Store
}

// bootstrap loads configuration and constructs the ModelClient, tool
// registry, persistence store, and tracer an Agent needs to run. The
// returned cleanup function must be called once the caller is done.
func bootstrap(ctx context.Context) (*application, func(), error) {
	cfg := config.Load(configPath)

	client, err := buildModelClient(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	registry := agentloop.NewRegistry()
	registry.Add(calculate.New())
	registry.Add(fetch.New())
	registry.Add(pdf.New())
	registry.Add(markdown.New())
	for _, t := range data.New() {
		registry.Add(t)
	}
	workspace, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("agentloop: resolve workspace: %w", err)
	}
	for _, t := range file.New(workspace) {
		registry.Add(t)
	}
	registry.Add(shell.New(workspace, 30))

	opts := []agentloop.AgentOption{
		agentloop.WithSystemPrompt(cfg.Agent.SystemPrompt),
		agentloop.WithMaxCycles(cfg.Agent.MaxCycles),
		agentloop.WithToolTimeout(cfg.Agent.ToolTimeout()),
		agentloop.WithMaxParallelTools(cfg.Agent.MaxParallelTools),
	}
	if cfg.Agent.InvocationTimeout > 0 {
		opts = append(opts, agentloop.WithInvocationTimeout(cfg.Agent.InvocationTimeoutDuration()))
	}
	if cfg.Agent.PerCycleTimeoutMS > 0 {
		opts = append(opts, agentloop.WithPerCycleTimeout(cfg.Agent.PerCycleTimeoutDuration()))
	}

	var shutdownTelemetry func(context.Context) error
	if cfg.Telemetry.Enabled {
		instr, shutdown, err := otel.Init(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, nil, fmt.Errorf("agentloop: init telemetry: %w", err)
		}
		shutdownTelemetry = shutdown
		opts = append(opts, agentloop.WithTracer(otel.NewTracer(instr)))
	}

	var store *sqlite.Store
	if cfg.Store.Driver == "sqlite" {
		store = sqlite.New(cfg.Store.DSN)
		if err := store.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("agentloop: init store: %w", err)
		}
	}

	agent := agentloop.New(client, registry, opts...)

	cleanup := func() {
		if store != nil {
			store.Close()
		}
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}
	return &application{agent: agent, store: store}, cleanup, nil
}

func buildModelClient(ctx context.Context, cfg config.Config) (agentloop.ModelClient, error) {
	switch cfg.Model.Provider {
	case "bedrock":
		return bedrock.New(ctx, bedrock.Config{Region: cfg.Model.Region}, cfg.Model.Model)
	case "anthropic", "":
		if cfg.Model.APIKey == "" {
			return nil, fmt.Errorf("agentloop: model.api_key (or AGENTLOOP_MODEL_API_KEY) is required for provider %q", cfg.Model.Provider)
		}
		return anthropic.New(cfg.Model.APIKey, cfg.Model.Model), nil
	default:
		return nil, fmt.Errorf("agentloop: unknown model provider %q", cfg.Model.Provider)
	}
}
