package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	server "github.com/kazz187/deepwork/internal"
	"github.com/kazz187/deepwork/internal/activity"
	activityrepo "github.com/kazz187/deepwork/internal/activity/repositoryimpl"
	"github.com/kazz187/deepwork/internal/agent"
	"github.com/kazz187/deepwork/internal/agentmanager"
	agentrepo "github.com/kazz187/deepwork/internal/agent/repositoryimpl"
	"github.com/kazz187/deepwork/internal/config"
	"github.com/kazz187/deepwork/internal/document"
	documentrepo "github.com/kazz187/deepwork/internal/document/repositoryimpl"
	"github.com/kazz187/deepwork/internal/event"
	"github.com/kazz187/deepwork/internal/eventbus"
	"github.com/kazz187/deepwork/internal/executor"
	"github.com/kazz187/deepwork/internal/message"
	messagerepo "github.com/kazz187/deepwork/internal/message/repositoryimpl"
	"github.com/kazz187/deepwork/internal/orchestrator"
	"github.com/kazz187/deepwork/internal/planner"
	"github.com/kazz187/deepwork/internal/project"
	projectrepo "github.com/kazz187/deepwork/internal/project/repositoryimpl"
	"github.com/kazz187/deepwork/internal/pushnotification"
	pushsubrepo "github.com/kazz187/deepwork/internal/pushsubscription/repositoryimpl"
	"github.com/kazz187/deepwork/internal/scheduler"
	"github.com/kazz187/deepwork/internal/task"
	taskrepo "github.com/kazz187/deepwork/internal/task/repositoryimpl"
	"github.com/kazz187/deepwork/pkg/clog"
	"github.com/kazz187/deepwork/pkg/storage"
)

const (
	backendClaude    = "claude"
	backendAnthropic = "anthropic"
	backendRemote    = "remote"
)

func serve(host, port string) int {
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		return 1
	}
	if host != "" {
		env.HTTPHost = host
	}
	if port != "" {
		env.HTTPPort = port
	}

	// Setup logger
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Setup storage
	var store storage.Storage
	switch env.StorageEnv.Type {
	case "s3":
		store, err = storage.NewS3Storage(ctx, env.StorageEnv.S3Bucket, env.StorageEnv.S3Prefix, env.StorageEnv.S3Region)
		if err != nil {
			slog.Error("failed to create S3 storage", "error", err)
			return 1
		}
	case "sqlite":
		db, err := storage.NewSQLiteStorage(ctx, env.SQLitePath)
		if err != nil {
			slog.Error("failed to open SQLite storage", "path", env.SQLitePath, "error", err)
			return 1
		}
		defer db.Close()
		store = db
	default:
		store, err = storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			slog.Error("failed to create local storage", "error", err)
			return 1
		}
	}

	// Setup event bus
	bus := eventbus.New()

	// Setup stores
	projects := project.NewStore(projectrepo.NewYAMLRepository(store), env.CacheSize)
	tasks := task.NewStore(taskrepo.NewYAMLRepository(store), env.CacheSize)
	agents := agent.NewStore(agentrepo.NewYAMLRepository(store), env.CacheSize)
	tasks.OnCommit(eventbus.CommitPublisher(bus, eventbus.TypeTaskUpdated, eventbus.TypeTaskDeleted,
		func(t *task.Task) (string, string) { return t.ProjectID, t.ID }))
	agents.OnCommit(eventbus.CommitPublisher(bus, eventbus.TypeAgentUpdated, eventbus.TypeAgentDeleted,
		func(a *agent.Agent) (string, string) { return a.ProjectID, "" }))
	projects.OnCommit(eventbus.CommitPublisher(bus, eventbus.TypeProjectUpdated, eventbus.TypeProjectDeleted,
		func(p *project.Project) (string, string) { return p.ID, "" }))

	docs := document.NewService(documentrepo.NewYAMLRepository(store))
	messages := messagerepo.NewYAMLRepository(store)
	recorder := activity.NewRecorder(activityrepo.NewYAMLRepository(store), bus)
	pushSubRepo := pushsubrepo.NewYAMLRepository(store)

	// Setup executor
	claude := executor.NewClaudeBackend()
	anthropicBackend := executor.NewAnthropicBackend(env.AnthropicAPIKey, "", 0)
	managers := agentmanager.NewRegistry(env.AgentManagerStaleAfter)
	remoteBackend := agentmanager.NewBackend(managers)
	var fallback executor.Backend = claude
	switch env.ExecutorEnv.Backend {
	case backendAnthropic:
		fallback = anthropicBackend
	case backendRemote:
		fallback = remoteBackend
	}
	adapter := executor.NewAdapter(fallback, executor.Options{
		Timeout:  env.ExecutorTimeout,
		WorkDir:  env.WorkDir,
		MaxTurns: env.MaxTurns,
	})
	adapter.Register(backendClaude, claude)
	adapter.Register(backendAnthropic, anthropicBackend)
	adapter.Register(backendRemote, remoteBackend)

	// Setup scheduler, planner and orchestrator
	sched := scheduler.New(tasks, agents, projects, docs, recorder, bus, adapter, scheduler.Options{
		MaxConcurrentTasks: env.MaxConcurrentTasks,
		OutputHistory:      env.OutputHistory,
	})
	if err := sched.Recover(ctx); err != nil {
		slog.Error("failed to recover interrupted tasks", "error", err)
	}
	pipeline := planner.NewPipeline(
		planner.NewAnthropicPlanner(env.AnthropicAPIKey, env.PlannerEnv.Model, env.PlannerEnv.MaxTokens),
		projects, tasks, agents, docs, recorder, bus,
	)
	orch := orchestrator.New(bus, tasks, agents, projects, sched, recorder, env.SubscriberBuffer)

	// Setup push notification
	vapidEnv := config.VAPIDEnvFromEnv(env)
	pushSender := pushnotification.NewSender(vapidEnv, pushSubRepo)
	pushDispatcher := pushnotification.NewDispatcher(bus, pushSender, env.SubscriberBuffer)

	// Setup servers
	projectServer := project.NewServer(projects, tasks, agents, docs, messages, recorder, pipeline, sched)
	srv := server.NewServer(
		env,
		projectServer,
		projectServer,
		task.NewServer(tasks, sched.Runner(), agents, messages),
		agent.NewServer(agents),
		activity.NewServer(recorder),
		document.NewServer(docs),
		message.NewServer(messages, tasks, bus),
		event.NewServer(bus, env.SubscriberBuffer),
		pushnotification.NewServer(vapidEnv, pushSubRepo, pushSender),
		agentmanager.NewServer(managers),
	)

	var wg conc.WaitGroup
	wg.Go(func() { orch.Start(ctx) })
	wg.Go(func() { pushDispatcher.Start(ctx) })
	if w, ok := store.(storage.Watcher); ok && env.StorageEnv.Watch {
		wg.Go(func() { watchStorage(ctx, w, projects, tasks, agents) })
	}
	wg.Go(func() {
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	})

	<-ctx.Done()
	slog.Info("shutting down server")

	// Give active connections time to finish after stream contexts are cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	pipeline.Close()
	sched.Close(shutdownCtx)
	wg.Wait()
	return 0
}

// watchStorage drops cached records whose files were changed outside this
// process.
func watchStorage(ctx context.Context, w storage.Watcher, projects *project.Store, tasks *task.Store, agents *agent.Store) {
	err := w.Watch(ctx, func(path string) {
		projects.InvalidatePath(path)
		tasks.InvalidatePath(path)
		agents.InvalidatePath(path)
	})
	if err != nil && ctx.Err() == nil {
		slog.Error("storage watcher stopped", "error", err)
	}
}
