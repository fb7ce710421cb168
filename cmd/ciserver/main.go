// Command ciserver is the core's single binary: RUN_SERVER and
// RUN_WORKER env toggles select its role(s) in one process, mirroring
// cmd/main.go's envTrue-gated dual-role startup (spec §2: "dispatcher,
// worker, API" as one deployable unit or split by role via env).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/raibid-labs/ci-core/internal/dispatcher"
	"github.com/raibid-labs/ci-core/internal/envcfg"
	"github.com/raibid-labs/ci-core/internal/httpapi"
	"github.com/raibid-labs/ci-core/internal/httpapi/handlers"
	"github.com/raibid-labs/ci-core/internal/job"
	"github.com/raibid-labs/ci-core/internal/kv"
	"github.com/raibid-labs/ci-core/internal/logger"
	"github.com/raibid-labs/ci-core/internal/metricsx"
	"github.com/raibid-labs/ci-core/internal/pipeline"
	"github.com/raibid-labs/ci-core/internal/queue"
	"github.com/raibid-labs/ci-core/internal/sse"
	"github.com/raibid-labs/ci-core/internal/worker"
)

func main() {
	log, err := logger.New(envLogMode())
	if err != nil {
		panic(err)
	}

	runServer := envcfg.GetEnvAsBool("RUN_SERVER", true, log)
	runWorker := envcfg.GetEnvAsBool("RUN_WORKER", true, log)

	rdb, err := connectRedis(envcfg.GetEnv("QS_URL", "redis://localhost:6379/0", log), log)
	if err != nil {
		log.Fatal("redis connect failed", "error", err)
	}
	defer rdb.Close()

	kvStore := kv.NewRedisStore(rdb)
	queueStore := queue.NewRedisQueue(rdb)
	jobStore := job.NewStore(kvStore, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigCh; log.Info("shutdown signal received"); cancel() }()

	topic := "jobs"
	group := envcfg.GetEnv("CONSUMER_GROUP", "workers", log)
	collector := metricsx.NewCollector(queueStore, topic, group, log)
	go collector.Run(ctx, time.Duration(envcfg.GetEnvAsInt("METRICS_SCRAPE_INTERVAL_SECONDS", 15, log))*time.Second)

	if runWorker {
		go runWorkerRole(ctx, jobStore, queueStore, kvStore, log)
	}
	if runServer {
		runServerRole(ctx, jobStore, queueStore, kvStore, collector, log)
	} else {
		<-ctx.Done()
	}
}

func runWorkerRole(ctx context.Context, jobs *job.Store, q queue.Store, store kv.Store, log *logger.Logger) {
	id := envcfg.GetEnv("WORKER_ID", "worker-"+fmt.Sprint(os.Getpid()), log)
	w := worker.New(id, log)
	w.Jobs = jobs
	w.Queue = q
	w.KV = store
	w.Registry = worker.NewRegistry(store)
	w.Engine = pipeline.NewEngine(log)
	w.Cache = pipeline.NewWorkspaceCache(envcfg.GetEnv("WORKSPACE_DIR", "/tmp/ci-core-workspaces", log))
	w.Concurrency = envcfg.GetEnvAsInt("MAX_CONCURRENT_JOBS", 4, log)
	w.HBInterval = envcfg.GetEnvAsDuration("HB_INTERVAL", 15*time.Second, log)
	w.HBTimeout = envcfg.GetEnvAsDuration("HB_TIMEOUT", 60*time.Second, log)
	w.MaxAttempts = envcfg.GetEnvAsInt("MAX_ATTEMPTS", 3, log)
	w.JobTimeout = envcfg.GetEnvAsDuration("JOB_TIMEOUT", 2*time.Hour, log)
	w.Engine.KillGrace = envcfg.GetEnvAsDuration("KILL_GRACE", 10*time.Second, log)
	w.LogCapacity = int64(envcfg.GetEnvAsInt("LOG_CAPACITY", 10000, log))

	if err := w.Run(ctx); err != nil {
		log.Error("worker exited with error", "error", err)
	}
}

func runServerRole(ctx context.Context, jobs *job.Store, q queue.Store, store kv.Store, collector *metricsx.Collector, log *logger.Logger) {
	registry := worker.NewRegistry(store)
	disp := dispatcher.New(jobs, q, store, envcfg.GetEnv("WEBHOOK_SECRET", "", log), log)

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Job:    handlers.NewJobHandler(jobs, disp, store),
		Logs:   handlers.NewLogsHandler(sse.NewHub(store, log)),
		System: handlers.NewSystemHandler(registry, collector),
		DepthAlert: int64(envcfg.GetEnvAsInt("DEPTH_ALERT", 1000, log)),
	})

	addr := envcfg.GetEnv("API_BIND", ":8080", log)
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("control API listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("control API exited with error", "error", err)
	}
}

func connectRedis(url string, log *logger.Logger) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse QS_URL/KV_URL: %w", err)
	}
	rdb := goredis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("connected to redis", "addr", opts.Addr)
	return rdb, nil
}

func envLogMode() string {
	if v := os.Getenv("LOG_MODE"); v != "" {
		return v
	}
	return "production"
}
