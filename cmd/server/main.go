// Command server runs the facegate access-control daemon: the shared
// device/operator WebSocket endpoint plus the read-only admin HTTP
// surface, in one process, since device and operator traffic share a
// single connection type and cannot be split across separate
// ingest/process binaries.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/facegate/internal/api"
	"github.com/your-org/facegate/internal/api/handlers"
	"github.com/your-org/facegate/internal/config"
	"github.com/your-org/facegate/internal/enroll"
	"github.com/your-org/facegate/internal/observability"
	"github.com/your-org/facegate/internal/queue"
	"github.com/your-org/facegate/internal/router"
	"github.com/your-org/facegate/internal/session"
	"github.com/your-org/facegate/internal/storage"
	"github.com/your-org/facegate/internal/vision"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("facegate: starting", "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewPostgresStore(ctx, cfg.ConnectionString)
	if err != nil {
		slog.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	blobs, err := storage.NewMinIOStore(cfg.MinIO.Endpoint, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.Bucket, cfg.MinIO.UseSSL)
	if err != nil {
		slog.Error("connect minio", "error", err)
		os.Exit(1)
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		slog.Error("ensure minio bucket", "error", err)
		os.Exit(1)
	}

	producer, err := queue.NewProducer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect nats", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	if err := producer.EnsureStreams(ctx); err != nil {
		slog.Error("ensure telemetry stream", "error", err)
		os.Exit(1)
	}

	auditConsumer, err := queue.NewConsumer(cfg.NATS.URL)
	if err != nil {
		slog.Error("connect nats audit consumer", "error", err)
		os.Exit(1)
	}
	defer auditConsumer.Close()
	if err := auditConsumer.ConsumeTelemetry(ctx, "audit-log", func(_ context.Context, msg jetstream.Msg) error {
		slog.Info("audit: telemetry replayed", "subject", msg.Subject(), "bytes", len(msg.Data()))
		return nil
	}); err != nil {
		slog.Error("start audit consumer", "error", err)
		os.Exit(1)
	}

	ort.SetSharedLibraryPath(getONNXLibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		slog.Error("initialize onnx runtime", "error", err)
		os.Exit(1)
	}
	defer ort.DestroyEnvironment()

	gallery := vision.NewGallery()

	engine, err := vision.NewEngine(vision.Config{
		DetectorPath:      cfg.AI.FaceDetection,
		RecognizerPath:    cfg.AI.FaceRecognition,
		LivenessPath:      cfg.AI.AntiSpoof,
		EmbeddingDim:      512,
		IntraOpThreads:    cfg.AI.IntraOpThreads,
		InterOpThreads:    cfg.AI.InterOpThreads,
		DetectThreshold:   cfg.Recognition.DetectThreshold,
		LivenessThreshold: cfg.Recognition.LivenessThreshold,
		MatchThreshold:    cfg.Recognition.MatchThreshold,
	}, gallery)
	if err != nil {
		slog.Error("load recognition engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := gallery.LoadAll(ctx, store, engine); err != nil {
		slog.Error("initial gallery load", "error", err)
		os.Exit(1)
	}
	slog.Info("facegate: gallery loaded", "users", gallery.Len())

	reconciler := vision.NewReconciler(gallery, store, engine, time.Duration(cfg.Reconciler.IntervalSec)*time.Second)
	go reconciler.Run(ctx)

	registry := session.NewRegistry(nil)
	go registry.RunHeartbeats(ctx)

	controller := enroll.NewController(store, gallery, engine, registry, registry, blobs, cfg.Enrollment.ShotsRequired, time.Duration(cfg.Enrollment.TimeoutSec)*time.Second)

	r := router.New(registry, controller, engine, gallery, store, producer, blobs, router.Config{
		RecognizeWithLiveness: cfg.Recognition.WithLiveness(),
		StaleRecordAge:        10 * time.Second,
	})
	registry.SetHandler(r)

	ginEngine := api.New(api.Deps{
		System: handlers.NewSystemHandler(map[string]handlers.Pinger{
			"postgres": store,
			"minio":    blobs,
			"nats":     handlers.SimplePinger(producer.Ping),
		}),
		Users:      handlers.NewUsersHandler(store),
		Attendance: handlers.NewAttendanceHandler(store),
		WSHandler:  registry.HandleWS,
	})

	httpServer := &http.Server{
		Addr:         httpAddr(cfg.Server.Port),
		Handler:      ginEngine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "error", err)
		}
	}()
	slog.Info("facegate: listening", "addr", httpServer.Addr)

	<-ctx.Done()
	slog.Info("facegate: shutdown signal received")

	registry.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown", "error", err)
	}

	slog.Info("facegate: stopped")
}

func httpAddr(port int) string {
	if port <= 0 {
		port = 8080
	}
	return ":" + strconv.Itoa(port)
}

// getONNXLibPath returns the ONNX Runtime shared library path based on
// the operating system.
func getONNXLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "linux":
		return "libonnxruntime.so"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "onnxruntime.dll"
	}
}
