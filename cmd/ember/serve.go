package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"ember/internal/bus"
	"ember/internal/config"
	"ember/internal/conversation"
	"ember/internal/executor"
	"ember/internal/knowledge"
	"ember/internal/llm"
	"ember/internal/logging"
	"ember/internal/observability"
	"ember/internal/server"
	"ember/internal/task"
	"ember/internal/tool"
	"ember/internal/trigger"
	"ember/internal/usage"
	"ember/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assistant core server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

// deferredSpawner lets the tool registry reference the executor before it is
// constructed. Wiring is sequential, so exec is set before any tool runs.
type deferredSpawner struct {
	exec *executor.Executor
}

func (d *deferredSpawner) Spawn(ctx context.Context, spec task.Spec) (*task.Task, error) {
	if d.exec == nil {
		return nil, fmt.Errorf("executor not ready")
	}
	return d.exec.Spawn(ctx, spec)
}

func serve(cfg config.Config) error {
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	events := bus.New(logger)
	defer events.Close()

	var (
		tasks    task.Store
		convs    conversation.Store
		usages   usage.Store
		fires    trigger.FireStore
		closeFns []func() error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		if err := os.MkdirAll(cfg.Store.Path, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		taskStore, err := task.NewSQLiteStore(filepath.Join(cfg.Store.Path, "tasks.db"), events, logger)
		if err != nil {
			return fmt.Errorf("open task store: %w", err)
		}
		convStore, err := conversation.NewSQLiteStore(filepath.Join(cfg.Store.Path, "conversations.db"))
		if err != nil {
			return fmt.Errorf("open conversation store: %w", err)
		}
		usageStore, err := usage.NewSQLiteStore(filepath.Join(cfg.Store.Path, "usage.db"))
		if err != nil {
			return fmt.Errorf("open usage store: %w", err)
		}
		fireStore, err := trigger.NewSQLiteFireStore(filepath.Join(cfg.Store.Path, "trigger_fires.db"))
		if err != nil {
			return fmt.Errorf("open trigger fire store: %w", err)
		}
		tasks, convs, usages, fires = taskStore, convStore, usageStore, fireStore
		closeFns = []func() error{taskStore.Close, convStore.Close, usageStore.Close, fireStore.Close}
	default:
		tasks = task.NewMemStore(events, logger)
		convs = conversation.NewMemStore()
		usages = usage.NewMemStore()
		fires = trigger.NewMemFireStore()
	}
	defer func() {
		for _, closeFn := range closeFns {
			if err := closeFn(); err != nil {
				logger.Warn("serve: closing store: %v", err)
			}
		}
	}()

	// Tasks left running by a previous process cannot resume; fail them so
	// retries and parent aggregation see a terminal state.
	if err := tasks.MarkStaleRunning(ctx, "interrupted by restart"); err != nil {
		return fmt.Errorf("mark stale tasks: %w", err)
	}

	client, err := llm.NewOpenAIClient(llm.Config{
		Model:   cfg.LLM.Model,
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Timeout: cfg.LLM.RequestTimeout,
	}, logger)
	if err != nil {
		return err
	}
	if cfg.LLM.RequestsPerMinute > 0 {
		limit := rate.Limit(float64(cfg.LLM.RequestsPerMinute) / 60.0)
		client = llm.WrapWithRateLimit(client, limit, cfg.Executor.Workers)
	}

	embedder, err := knowledge.NewHTTPEmbedder(knowledge.EmbedderConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.EmbedModel,
		Timeout: cfg.LLM.RequestTimeout,
	})
	if err != nil {
		return err
	}
	library, err := knowledge.New(knowledge.Config{
		PersistPath:   cfg.Knowledge.PersistPath,
		VectorTopK:    cfg.Knowledge.VectorTopK,
		KeywordTopK:   cfg.Knowledge.KeywordTopK,
		MinSimilarity: cfg.Knowledge.MinSimilarity,
		ContextBudget: cfg.Knowledge.ContextBudget,
	}, embedder, knowledge.NewClassifier(client, logger), logger, metrics)
	if err != nil {
		return err
	}

	spawner := &deferredSpawner{}
	builder := tool.NewBuilder()
	if err := tool.RegisterBuiltins(builder, tool.BuiltinDeps{
		Spawner:   spawner,
		Knowledge: library,
	}); err != nil {
		return err
	}
	registry, err := builder.Build()
	if err != nil {
		return err
	}
	dispatcher := tool.NewDispatcher(registry, logger)

	llmRunner := executor.NewLLMRunner(client, usages, logger)
	mux := executor.NewKindMux(nil).
		Handle(llmRunner, task.KindResearch, task.KindAnalysis, task.KindSynthesis, task.KindNotify).
		Handle(executor.NewToolRunner(dispatcher), task.KindAction, task.KindFetch, task.KindTransform, task.KindValidate)
	runner := executor.GateInput(executor.AwaitChildren(tasks, mux))

	eval := workflow.NewConditionEvaluator(tasks, client, logger)
	exec := executor.New(tasks, events, runner, eval, executor.Config{
		Workers:            cfg.Executor.Workers,
		BackpressureFactor: cfg.Executor.BackpressureFactor,
		TaskTimeout:        cfg.Executor.TaskTimeout,
		RetryBaseDelay:     cfg.Executor.RetryBaseDelay,
	}, logger, metrics)
	spawner.exec = exec

	triggers := trigger.New(trigger.Config{
		Enabled:           cfg.Trigger.Enabled,
		MaxFiresPerMinute: cfg.Trigger.MaxFiresPerMinute,
	}, tasks, fires, events, exec, logger, metrics)
	if cfg.Trigger.File != "" {
		if err := registerTriggersFromFile(triggers, cfg.Trigger.File, logger); err != nil {
			return err
		}
	}

	driver := conversation.NewDriver(conversation.TurnConfig{
		PreservedWindow: cfg.Turn.PreservedWindow,
		HistoryBudget:   cfg.Turn.HistoryBudget,
		ContextBudget:   cfg.Knowledge.ContextBudget,
	}, convs, client, dispatcher, library, tasks, usages, logger, metrics)

	srv, err := server.New(server.Config{
		Addr:         cfg.Server.Addr,
		AllowOrigins: cfg.Server.AllowOrigins,
		Debug:        cfg.Log.Level == "debug",
	}, server.Deps{
		Tasks:         tasks,
		Exec:          exec,
		Conversations: convs,
		Turns:         driver,
		Knowledge:     library,
		Triggers:      triggers,
		Usage:         usages,
		Metrics:       promReg,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	if err := exec.Start(ctx); err != nil {
		return err
	}
	if err := triggers.Start(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()
	logger.Info("serve: listening on %s (store=%s, model=%s)", cfg.Server.Addr, cfg.Store.Driver, cfg.LLM.Model)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("serve: shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("serve: http shutdown: %v", err)
	}
	triggers.Stop()
	if err := exec.Stop(shutdownCtx); err != nil {
		logger.Warn("serve: executor shutdown: %v", err)
	}
	return nil
}

// registerTriggersFromFile loads a YAML list of triggers declared in the
// config and registers each one.
func registerTriggersFromFile(svc *trigger.Service, path string, logger logging.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read trigger file: %w", err)
	}
	var list []trigger.Trigger
	if err := yaml.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parse trigger file %s: %w", path, err)
	}
	for _, tr := range list {
		if err := svc.Register(tr); err != nil {
			return fmt.Errorf("register trigger %q: %w", tr.ID, err)
		}
	}
	logger.Info("serve: registered %d triggers from %s", len(list), path)
	return nil
}
