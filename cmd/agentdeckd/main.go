package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/agentdeck/agentdeck/pkg/logging"
	"github.com/agentdeck/agentdeck/services/orchestrator/chat"
	"github.com/agentdeck/agentdeck/services/orchestrator/config"
	"github.com/agentdeck/agentdeck/services/orchestrator/observability"
	"github.com/agentdeck/agentdeck/services/orchestrator/routes"
)

const serviceName = "agentdeck-orchestrator"

var (
	flagPort       string
	flagLogLevel   string
	flagLogJSON    bool
	flagConfigPath string
	flagWatch      bool
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		// No collector configured; spans stay in-process no-ops.
		return func(context.Context) {}, nil
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(flagLogLevel),
		Service: serviceName,
		JSON:    flagLogJSON,
	})
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logger.Close()
	logger.SetDefault()

	cleanup, err := initTracer()
	if err != nil {
		return fmt.Errorf("setup the OTLP tracer: %w", err)
	}
	defer cleanup(context.Background())

	observability.InitMetrics()

	var cfgStore *config.Store
	if flagConfigPath != "" {
		cfgStore = config.NewStoreAt(flagConfigPath)
	} else {
		cfgStore, err = config.NewStore()
		if err != nil {
			return fmt.Errorf("resolve config location: %w", err)
		}
	}

	orc, err := chat.NewOrchestrator(cfgStore)
	if err != nil {
		return fmt.Errorf("initialize orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flagWatch {
		go func() {
			if err := cfgStore.Watch(ctx, orc.Reload); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Config watcher stopped", "error", err)
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	routes.SetupRoutes(router, orc)

	server := &http.Server{
		Addr:              ":" + flagPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting the orchestrator server", "port", flagPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:   "agentdeckd",
		Short: "Agent persona chat orchestrator",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP orchestrator",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&flagPort, "port", "12310", "listen port")
	serve.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	serve.Flags().BoolVar(&flagLogJSON, "log-json", true, "log as JSON")
	serve.Flags().StringVar(&flagConfigPath, "config", "", "config file path (default ~/.agentdeck/ai-config.json)")
	serve.Flags().BoolVar(&flagWatch, "watch-config", true, "reload provider config on file changes")
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
