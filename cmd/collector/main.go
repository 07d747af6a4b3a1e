package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/minssan9/investand/internal/api"
	"github.com/minssan9/investand/internal/batch"
	"github.com/minssan9/investand/internal/job"
	"github.com/minssan9/investand/internal/middleware"
	"github.com/minssan9/investand/internal/monitor"
	"github.com/minssan9/investand/internal/notify"
	"github.com/minssan9/investand/internal/queue"
	"github.com/minssan9/investand/internal/ratelimit"
	"github.com/minssan9/investand/internal/recovery"
	"github.com/minssan9/investand/internal/store"
	"github.com/minssan9/investand/internal/validation"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	st, err := store.NewRedisStore(redisAddr)
	if err != nil {
		log.Fatal(err)
	}

	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("failed to close Redis store: %v", err)
		}
	}()

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: envFloat("RATE_LIMIT_RPS", 2),
		Burst:             envInt("RATE_LIMIT_BURST", 1),
		FailureThreshold:  envInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		Cooldown:          envDuration("CIRCUIT_COOLDOWN", 30*time.Second),
		Adaptive:          true,
		MaxBackoffDelay:   envDuration("MAX_BACKOFF_DELAY", 2*time.Minute),
	})

	rec := recovery.NewSystem(recovery.Config{
		RetryDelay: envDuration("RETRY_DELAY", 5*time.Minute),
	}, limiter)

	alerts := monitor.NewAlertManager(buildNotifier(), monitor.DefaultAlertCooldown)
	collector := monitor.NewCollector(monitor.DefaultCollectorConfig(), alerts)

	queues := queue.NewManager(queue.Config{
		JobTimeout: envDuration("JOB_TIMEOUT", 60*time.Second),
	}, limiter, rec, collector, alerts, st)

	var executor *batch.Executor
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		executor, err = batch.NewExecutor(dsn)
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			if err := executor.Close(); err != nil {
				log.Printf("failed to close batch executor: %v", err)
			}
		}()
	} else {
		log.Println("POSTGRES_DSN not set, running without transactional persistence")
	}

	for _, source := range []string{"dart", "krx", "ecos"} {
		queues.RegisterQueue(source)
	}
	queues.RegisterHandler("collect_filings", collectFilingsHandler(executor))
	queues.RegisterHandler("collect_quotes", collectQuotesHandler(executor))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queues.Start(ctx)

	deps := api.Deps{
		Queues:    queues,
		Store:     st,
		Limiter:   limiter,
		Recovery:  rec,
		Collector: collector,
		Harness:   validation.NewHarness(validation.DefaultConfig(), queues, limiter, rec, collector, executor),
	}
	if executor != nil {
		deps.Health = monitor.NewHealthMonitor(monitor.HealthConfig{}, executor.DB(), limiter, queues.Depth)
	}

	go startMetricsCollector(ctx, queues, limiter)

	mux := http.NewServeMux()
	mux.Handle("/api/", api.NewAPI(deps))
	mux.Handle("/metrics", promhttp.Handler())

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:    ":" + port,
		Handler: middleware.MetricsMiddleware(mux),
	}

	go func() {
		log.Printf("Collector starting on :%s", port)
		log.Printf("Connected to Redis at %s", redisAddr)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down collector...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	cancel()
	queues.Stop()
}

func buildNotifier() monitor.Notifier {
	apiKey := os.Getenv("SENDGRID_API_KEY")
	toAddress := os.Getenv("ALERT_EMAIL_TO")
	if apiKey == "" || toAddress == "" {
		return &notify.LogNotifier{}
	}

	return notify.NewEmailNotifier(notify.EmailConfig{
		APIKey:      apiKey,
		FromName:    envString("ALERT_EMAIL_FROM_NAME", "investand"),
		FromAddress: envString("ALERT_EMAIL_FROM", "alerts@investand.local"),
		ToAddress:   toAddress,
	})
}

func collectFilingsHandler(executor *batch.Executor) queue.Operation {
	return func(ctx context.Context, j *job.Job) error {
		payload, err := job.PayloadAs[map[string]any](j)
		if err != nil {
			return &recovery.ValidationError{Field: "payload", Reason: err.Error()}
		}

		corpCode, ok := payload["corp_code"].(string)
		if !ok {
			return &recovery.ValidationError{Field: "corp_code", Reason: "missing or not a string"}
		}

		log.Printf("Collecting filings for %s", corpCode)

		if executor == nil {
			return nil
		}

		_, err = executor.Execute(ctx, []batch.Operation{
			{
				Kind:  batch.OpUpsert,
				Table: "collection_runs",
				SQL: `INSERT INTO collection_runs (source, target, collected_at) VALUES ($1, $2, NOW())
					ON CONFLICT (source, target) DO UPDATE SET collected_at = NOW()`,
				Args: []any{j.Source, corpCode},
			},
		}, 10*time.Second)

		return err
	}
}

func collectQuotesHandler(executor *batch.Executor) queue.Operation {
	return func(ctx context.Context, j *job.Job) error {
		payload, err := job.PayloadAs[map[string]any](j)
		if err != nil {
			return &recovery.ValidationError{Field: "payload", Reason: err.Error()}
		}

		symbol, ok := payload["symbol"].(string)
		if !ok {
			return &recovery.ValidationError{Field: "symbol", Reason: "missing or not a string"}
		}

		log.Printf("Collecting quotes for %s", symbol)

		if executor == nil {
			return nil
		}

		_, err = executor.Execute(ctx, []batch.Operation{
			{
				Kind:  batch.OpUpsert,
				Table: "collection_runs",
				SQL: `INSERT INTO collection_runs (source, target, collected_at) VALUES ($1, $2, NOW())
					ON CONFLICT (source, target) DO UPDATE SET collected_at = NOW()`,
				Args: []any{j.Source, symbol},
			},
		}, 10*time.Second)

		return err
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
