package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/promptlane/delivery/internal/api"
	"github.com/promptlane/delivery/internal/cache"
	"github.com/promptlane/delivery/internal/catalog"
	"github.com/promptlane/delivery/internal/config"
	"github.com/promptlane/delivery/internal/correlation"
	"github.com/promptlane/delivery/internal/funnel"
	"github.com/promptlane/delivery/internal/observability"
	"github.com/promptlane/delivery/internal/resolver"
	"github.com/promptlane/delivery/internal/servelog"
	"github.com/promptlane/delivery/internal/stats"
	"github.com/promptlane/delivery/internal/tracectx"
	"github.com/promptlane/delivery/internal/version"
)

const defaultConfigPath = "promptlane.yaml"

const logWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second
const serverShutdownTimeout = 5 * time.Second
const serverReadHeaderTimeout = 10 * time.Second
const serverReadTimeout = 30 * time.Second
const serverIdleTimeout = 2 * time.Minute

const summaryCountsCacheTTL = time.Minute

var signalNotifyContext = signal.NotifyContext

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		return runServe(nil)
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "serve":
		return runServe(args[1:])
	case "config":
		return runConfig(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

func runConfig(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printConfigUsage(errOut)
		return 2
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], out, errOut)
	default:
		printConfigUsage(errOut)
		return 2
	}
}

func runConfigValidate(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("config validate", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "config validate does not accept positional arguments")
		return 2
	}

	_, _, err := loadAndValidateConfig(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		return 1
	}

	fmt.Fprintf(out, "config is valid: %s\n", *configPath)
	return 0
}

func runServe(args []string) int {
	flagSet := flag.NewFlagSet("serve", flag.ContinueOnError)
	flagSet.SetOutput(os.Stderr)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "config is invalid: %v\n", err)
		}
		return 1
	}

	logger := slog.New(observability.NewTraceLogHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
	))
	otelRuntime, otelErr := observability.Setup(context.Background(), cfg.Observability.OTel, version.String(), logger)
	if otelErr != nil {
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", otelErr)
	}
	if otelRuntime != nil {
		defer shutdownOpenTelemetry(logger, otelRuntime, otelShutdownTimeout)
	}

	catalogStore, logStore, err := openStores(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage: %v\n", err)
		return 1
	}
	defer func() {
		if err := logStore.Close(); err != nil {
			logger.Error("failed to close log storage", "error", err)
		}
		if err := catalogStore.Close(); err != nil {
			logger.Error("failed to close catalog storage", "error", err)
		}
	}()

	logWriter := servelog.NewWriter(logStore, cfg.Delivery.LogBufferSize)
	attachLogWriterFailureLogging(logger, logWriter, otelRuntime)
	logWriter.Start(context.Background())
	defer shutdownLogWriter(logger, logWriter, logWriterShutdownTimeout)

	traces := tracectx.NewMemoryStore(cfg.Delivery.TraceCapacity, cfg.Delivery.TraceTTL)
	allocator := &resolver.Allocator{
		Store:  catalogStore,
		Logger: logger,
	}
	if otelRuntime != nil {
		allocator.OnFallback = otelRuntime.RecordResolveFallback
	}

	aggregator := stats.NewAggregator(logStore, logger)
	apiHandler := api.NewRouter(api.RouterOptions{
		AppVersion:      version.String(),
		StorageDriver:   cfg.Storage.Driver,
		StoragePath:     cfg.Storage.Path,
		Resolver:        resolver.New(catalogStore, traces, allocator, logger),
		Catalog:         catalogStore,
		Logs:            logStore,
		Writer:          logWriter,
		Traces:          traces,
		Aggregator:      aggregator,
		Funnels:         funnel.NewCalculator(logStore),
		Counts:          cache.New[servelog.SummaryCounts](summaryCountsCacheTTL, nil),
		Observability:   otelRuntime,
		Logger:          logger,
		AnonymousEvents: cfg.Delivery.AnonymousEvents,
		BodyLimit:       cfg.Delivery.BodyMaxSize,
	})

	serverHandler := http.Handler(apiHandler)
	if otelRuntime != nil {
		serverHandler = otelRuntime.SpanEnrichmentMiddleware(serverHandler)
	}
	serverHandler = withCorrelation(serverHandler)
	if otelRuntime != nil {
		serverHandler = otelRuntime.WrapHTTPHandler(serverHandler)
	}
	server := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           serverHandler,
		ReadHeaderTimeout: serverReadHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	logger.Info(
		"startup banner",
		"version", version.String(),
		"addr", server.Addr,
		"storage_driver", cfg.Storage.Driver,
		"config_path", *configPath,
		"trace_capacity", cfg.Delivery.TraceCapacity,
		"trace_ttl", cfg.Delivery.TraceTTL.String(),
		"anonymous_events", cfg.Delivery.AnonymousEvents,
		"aggregation_enabled", cfg.Aggregation.Enabled,
	)

	ctx, stop := signalNotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if cfg.Aggregation.Enabled {
		scheduler := stats.NewScheduler(aggregator, logger)
		group.Go(func() error {
			if err := scheduler.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		logger.Error("delivery server failed", "error", err)
		return 1
	}
	logger.Info("delivery server stopped")
	return 0
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

// openStores opens the catalog and request log stores against the configured
// backend. Both layers share one database; schema setup is idempotent.
func openStores(cfg config.Config) (catalog.Store, servelog.Store, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		catalogStore, err := catalog.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite catalog store: %w", err)
		}
		logStore, err := servelog.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			_ = catalogStore.Close()
			return nil, nil, fmt.Errorf("open sqlite log store: %w", err)
		}
		return catalogStore, logStore, nil
	case "postgres":
		catalogStore, err := catalog.NewPostgresStore(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres catalog store: %w", err)
		}
		logStore, err := servelog.NewPostgresStore(cfg.Storage.DSN)
		if err != nil {
			_ = catalogStore.Close()
			return nil, nil, fmt.Errorf("open postgres log store: %w", err)
		}
		return catalogStore, logStore, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

// withCorrelation stamps every request with a correlation identifier before
// span enrichment and the handlers run, and echoes it on the response so
// callers can tie their own logs to the stored request record.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, id := correlation.EnsureRequest(r)
		w.Header().Set(correlation.HeaderName, id)
		next.ServeHTTP(w, r)
	})
}

func attachLogWriterFailureLogging(logger *slog.Logger, writer *servelog.Writer, otelRuntime *observability.Runtime) {
	writer.SetWriteFailureHandler(func(failure servelog.WriteFailure) {
		if failure.FailedCount <= 0 {
			return
		}
		if otelRuntime != nil {
			otelRuntime.RecordLogWriteFailure(failure.Operation, failure.FailedCount)
		}
		logger.Error(
			"request log persistence failed; dropped records",
			"operation", strings.TrimSpace(failure.Operation),
			"batch_size", failure.BatchSize,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error_kind", fmt.Sprintf("%T", failure.Err),
		)
	})
}

func shutdownLogWriter(logger *slog.Logger, writer *servelog.Writer, timeout time.Duration) {
	if writer == nil {
		return
	}

	start := time.Now()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := writer.Shutdown(shutdownCtx); err != nil {
		logger.Error(
			"failed to flush pending request logs before shutdown",
			"error", err,
			"timeout", timeout.String(),
		)
		return
	}
	logger.Info("flushed pending request logs before shutdown", "duration_ms", time.Since(start).Milliseconds())
}

func shutdownOpenTelemetry(logger *slog.Logger, runtime *observability.Runtime, timeout time.Duration) {
	if runtime == nil || !runtime.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := runtime.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown opentelemetry providers", "error", err, "timeout", timeout.String())
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  promptlane serve [--config path/to/promptlane.yaml]")
	fmt.Fprintln(out, "  promptlane version")
	fmt.Fprintln(out, "  promptlane config validate [--config path/to/promptlane.yaml]")
}

func printConfigUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  promptlane config validate [--config path/to/promptlane.yaml]")
}
