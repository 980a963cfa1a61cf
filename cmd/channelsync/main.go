package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/broadline/channelsync/internal/channel"
	"github.com/broadline/channelsync/internal/httpapi"
	"github.com/broadline/channelsync/internal/metrics"
	"github.com/broadline/channelsync/internal/reconcile"
)

func main() {
	addr := os.Getenv("CHANNELSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	metrics.Register()

	stateBackend, eventQueue, registry, err := buildStorageBackendsFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage backends: %v", err)
	}
	vault, err := buildVaultFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize vault: %v", err)
	}

	audit := &channel.LogAuditSink{Logger: log.Default()}
	store := channel.NewStoreWithOptions(channel.StoreOptions{
		StateBackend:       stateBackend,
		StateFile:          os.Getenv("CHANNELSYNC_STATE_FILE"),
		Registry:           registry,
		EventQueue:         eventQueue,
		EventQueueSize:     intEnv("CHANNELSYNC_EVENT_QUEUE_SIZE", 0),
		EventWorkers:       intEnv("CHANNELSYNC_EVENT_WORKERS", 0),
		MaxEventAttempts:   intEnv("CHANNELSYNC_MAX_EVENT_ATTEMPTS", 0),
		EventRetryBase:     durationEnv("CHANNELSYNC_EVENT_RETRY_BASE", 0),
		EventRetryMax:      durationEnv("CHANNELSYNC_EVENT_RETRY_MAX", 0),
		MaxEventsPerSecond: floatEnv("CHANNELSYNC_MAX_EVENTS_PER_SECOND", 0),
		Audit:              audit,
		Logger:             log.Default(),
	})
	defer store.Close()

	backoff := channel.NewBackoffEngine(channel.BackoffConfig{
		InitialDelay: durationEnv("CHANNELSYNC_BACKOFF_INITIAL", 0),
		MaxDelay:     durationEnv("CHANNELSYNC_BACKOFF_MAX", 0),
		JitterRatio:  floatEnv("CHANNELSYNC_BACKOFF_JITTER", 0.2),
		MaxRetries:   intEnv("CHANNELSYNC_MAX_RETRIES", 0),
	})
	platformClient := reconcile.NewHTTPClient(
		os.Getenv("CHANNELSYNC_PLATFORM_URL"),
		os.Getenv("CHANNELSYNC_PLATFORM_TOKEN"),
		&http.Client{Timeout: durationEnv("CHANNELSYNC_PLATFORM_TIMEOUT", 15*time.Second)},
	)

	reconciler, err := reconcile.NewReconciler(reconcile.ReconcilerOptions{
		Store:           store,
		Client:          platformClient,
		Vault:           vault,
		Backoff:         backoff,
		FailureCooldown: durationEnv("CHANNELSYNC_FAILURE_COOLDOWN", 0),
		MaxConcurrent:   intEnv("CHANNELSYNC_RECONCILE_CONCURRENCY", 0),
		MaxSyncsPerSec:  floatEnv("CHANNELSYNC_RECONCILE_RATE", 0),
		Logger:          log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize reconciler: %v", err)
	}
	refresher, err := reconcile.NewCredentialRefresher(reconcile.CredentialRefresherOptions{
		Store:         store,
		Client:        platformClient,
		Vault:         vault,
		Backoff:       backoff,
		RefreshWindow: durationEnv("CHANNELSYNC_CREDENTIAL_WINDOW", 0),
		Logger:        log.Default(),
		Audit:         audit,
	})
	if err != nil {
		log.Fatalf("failed to initialize credential refresher: %v", err)
	}

	runner := reconcile.NewRunner(log.Default())
	runner.Add(reconcile.TaskSpec{
		Name:     "reconcile",
		Interval: durationEnv("CHANNELSYNC_RECONCILE_INTERVAL", 5*time.Minute),
		Jitter:   floatEnv("CHANNELSYNC_RECONCILE_JITTER", 0.2),
		Timeout:  durationEnv("CHANNELSYNC_RECONCILE_TIMEOUT", 4*time.Minute),
		Run:      reconciler.RunOnce,
	})
	runner.Add(reconcile.TaskSpec{
		Name:     "credential-refresh",
		Interval: durationEnv("CHANNELSYNC_CREDENTIAL_INTERVAL", time.Hour),
		Jitter:   floatEnv("CHANNELSYNC_CREDENTIAL_JITTER", 0.2),
		Timeout:  durationEnv("CHANNELSYNC_CREDENTIAL_TIMEOUT", 10*time.Minute),
		Run:      refresher.RunOnce,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runner.Start(ctx)

	if streamURL := strings.TrimSpace(os.Getenv("CHANNELSYNC_EVENT_STREAM_URL")); streamURL != "" {
		subscriber, err := reconcile.NewSubscriber(reconcile.SubscriberOptions{
			URL:     streamURL,
			Token:   os.Getenv("CHANNELSYNC_PLATFORM_TOKEN"),
			Ingest:  store.IngestPlatformEvent,
			Backoff: backoff,
			Logger:  log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to initialize event subscriber: %v", err)
		}
		go func() {
			if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("event subscriber stopped: %v", err)
			}
		}()
	}

	apiServer, err := httpapi.NewServerWithConfig(store, reconciler, runner, httpapi.ServerConfig{
		JWTSecret:          os.Getenv("CHANNELSYNC_JWT_SECRET"),
		InternalHMACSecret: os.Getenv("CHANNELSYNC_INTERNAL_HMAC_SECRET"),
		InternalMaxSkew:    durationEnv("CHANNELSYNC_INTERNAL_MAX_SKEW", 5*time.Minute),
		RateLimitMax:       intEnv("CHANNELSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow:    durationEnv("CHANNELSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:       int64Env("CHANNELSYNC_MAX_BODY_BYTES", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize http server: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", apiServer)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("channelsync listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}
	runner.Wait()
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func buildStorageBackendsFromEnv() (channel.StateBackend, channel.EventQueue, channel.IdentityRegistry, error) {
	profileStateDSN, profileQueueDSN, profileRegistryDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, nil, err
	}

	stateDSN := firstNonEmpty(os.Getenv("CHANNELSYNC_STATE_BACKEND_DSN"), os.Getenv("CHANNELSYNC_STATE_FILE"), profileStateDSN)
	queueDSN := firstNonEmpty(os.Getenv("CHANNELSYNC_EVENT_QUEUE_DSN"), profileQueueDSN)
	registryDSN := firstNonEmpty(os.Getenv("CHANNELSYNC_IDENTITY_REGISTRY_DSN"), profileRegistryDSN)

	var stateBackend channel.StateBackend
	if stateDSN != "" {
		stateBackend, err = channel.BuildStateBackendFromDSN(stateDSN)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	var eventQueue channel.EventQueue
	if queueDSN != "" {
		eventQueue, err = channel.BuildEventQueueFromDSN(queueDSN, intEnv("CHANNELSYNC_EVENT_QUEUE_SIZE", 0))
		if err != nil {
			return nil, nil, nil, err
		}
	}
	var registry channel.IdentityRegistry
	if registryDSN != "" {
		registry, err = channel.BuildIdentityRegistryFromDSN(registryDSN)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return stateBackend, eventQueue, registry, nil
}

func storageProfileDefaultsFromEnv() (stateDSN, queueDSN, registryDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("CHANNELSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("CHANNELSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".channelsync"
	}
	switch profile {
	case "", "custom":
		return "", "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("CHANNELSYNC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("CHANNELSYNC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", "", "", fmt.Errorf("CHANNELSYNC_PRODUCTION_DSN or CHANNELSYNC_POSTGRES_DSN is required when CHANNELSYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"),
			"file://" + filepath.Join(dataDir, "event-queue.json"),
			"",
			nil
	default:
		return "", "", "", fmt.Errorf("unsupported CHANNELSYNC_BACKEND_PROFILE: %s", profile)
	}
}

func buildVaultFromEnv() (channel.Vault, error) {
	dir := strings.TrimSpace(os.Getenv("CHANNELSYNC_VAULT_DIR"))
	if dir == "" {
		return channel.NewInMemoryVault(), nil
	}
	return channel.NewFileVault(dir)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
