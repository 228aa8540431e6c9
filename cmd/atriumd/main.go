// Command atriumd runs the Atrium agent runtime: skill registry, agent
// engine, and the HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atrium-ai/atrium/pkg/agent"
	"github.com/atrium-ai/atrium/pkg/config"
	"github.com/atrium-ai/atrium/pkg/llm"
	"github.com/atrium-ai/atrium/pkg/memory"
	"github.com/atrium-ai/atrium/pkg/sandbox"
	"github.com/atrium-ai/atrium/pkg/server"
	"github.com/atrium-ai/atrium/pkg/skills"
	"github.com/atrium-ai/atrium/pkg/store"
	"github.com/atrium-ai/atrium/pkg/telemetry"
)

const version = "0.3.0"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "atriumd",
		Short: "Skill-orchestrating LLM agent runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "skills",
		Short: "List the skills discovered under the configured root",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			registry, err := skills.NewRegistry(cfg.Skills.Directory, slog.Default())
			if err != nil {
				return err
			}
			for _, manifest := range registry.Snapshot().List() {
				marker := ""
				if !manifest.Executable {
					marker = " (documentation)"
				}
				fmt.Printf("%s%s\t%s\n", manifest.Name, marker, manifest.Description)
			}
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.ConfigureSlog(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	shutdownTelemetry, err := telemetry.Init("atrium", version, telemetry.Config{
		Exporter: cfg.Telemetry.Exporter,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	registry, err := skills.NewRegistry(cfg.Skills.Directory, logger)
	if err != nil {
		return fmt.Errorf("build skill registry: %w", err)
	}
	logger.Info("skill registry built",
		slog.String("root", cfg.Skills.Directory),
		slog.Int("skills", registry.Snapshot().Len()),
	)
	if cfg.Skills.WatchIntervalSeconds > 0 {
		watcher := skills.NewWatcher(registry,
			time.Duration(cfg.Skills.WatchIntervalSeconds)*time.Second, logger)
		watcher.Start()
		defer watcher.Stop()
	}

	gateway := sandbox.New(cfg.Sandbox.Host, cfg.Sandbox.Port,
		sandbox.WithDefaultTimeout(time.Duration(cfg.Sandbox.DefaultTimeoutSeconds)*time.Second),
		sandbox.WithLogger(logger),
	)

	provider := llm.NewOpenAI(cfg.LLM.BaseURL, cfg.LLM.APIKey)

	var reranker memory.Reranker
	if cfg.Memory.RerankURL != "" {
		reranker = memory.NewHTTPReranker(cfg.Memory.RerankURL)
	}
	retriever := memory.NewRetriever(db, reranker, provider, cfg.LLM.Model, memory.Options{
		TopK:              cfg.Memory.TopK,
		ScoreFloor:        cfg.Memory.ScoreFloor,
		UserTurnThreshold: cfg.Memory.UserTurnThreshold,
	}, logger)

	executor := agent.NewExecutor(gateway,
		time.Duration(cfg.Agent.SkillTimeoutSeconds)*time.Second, logger)

	engine := agent.New(db, registry, provider, executor, retriever, agent.Config{
		Model:          cfg.LLM.Model,
		Temperature:    cfg.Agent.DefaultTemperature,
		MaxTokens:      cfg.Agent.DefaultMaxTokens,
		MaxIterations:  cfg.Agent.MaxIterations,
		SkillTimeout:   time.Duration(cfg.Agent.SkillTimeoutSeconds) * time.Second,
		RequestTimeout: time.Duration(cfg.Agent.RequestTimeoutSeconds) * time.Second,
		TitleSessions:  true,
	}, logger)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.New(engine, db, registry, gateway, logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
