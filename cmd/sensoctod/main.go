package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adiibanez/sensocto-sub012/internal/attention"
	"github.com/adiibanez/sensocto-sub012/internal/auth"
	"github.com/adiibanez/sensocto-sub012/internal/bus"
	"github.com/adiibanez/sensocto-sub012/internal/clock"
	"github.com/adiibanez/sensocto-sub012/internal/coldstore"
	"github.com/adiibanez/sensocto-sub012/internal/config"
	"github.com/adiibanez/sensocto-sub012/internal/logging"
	"github.com/adiibanez/sensocto-sub012/internal/metrics"
	"github.com/adiibanez/sensocto-sub012/internal/sensor"
	"github.com/adiibanez/sensocto-sub012/internal/session"
	"github.com/adiibanez/sensocto-sub012/internal/sysload"
	"github.com/adiibanez/sensocto-sub012/internal/vocab"
)

func main() {
	bootLogger := logging.New(logging.Options{Level: os.Getenv("LOG_LEVEL"), Format: os.Getenv("LOG_FORMAT")})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("CPU limit detected via automaxprocs")

	voc := vocab.Default()
	if len(cfg.AttributeVocabulary) > 0 {
		voc, err = vocab.New(cfg.AttributeVocabulary)
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid attribute vocabulary")
		}
	}

	var verifier auth.TokenVerifier
	switch {
	case cfg.JWTSecret != "":
		verifier = auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	default:
		logger.Warn().Msg("Running with a static dev token; do not use in production")
		verifier = &auth.StaticVerifier{Token: cfg.DevToken, Subject: auth.Subject{ID: "dev", Role: "connector"}}
	}

	var cold sensor.ColdSink = coldstore.NopSink{}
	var natsSink *coldstore.NATSSink
	if cfg.NATSUrl != "" {
		natsSink, err = coldstore.NewNATSSink(coldstore.NATSConfig{
			URL:        cfg.NATSUrl,
			StreamName: cfg.ColdStreamName,
			MaxAge:     cfg.ColdStreamMaxAge,
		}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to set up cold storage")
		}
		cold = natsSink
		logger.Info().Str("url", cfg.NATSUrl).Msg("Cold storage enabled")
	}

	clk := clock.System{}
	b := bus.New(logger, bus.WithDefaultMailboxCapacity(cfg.MailboxCapacity))

	registry := sensor.NewRegistry(sensor.RegistryConfig{
		HotCapacity:    cfg.HotCapacity,
		WarmCapacity:   cfg.WarmCapacity,
		InboxCapacity:  cfg.InboxCapacity,
		GraceDelay:     cfg.GraceDelay,
		RestartLimit:   cfg.RestartLimit,
		RestartWindow:  cfg.RestartWindow,
		PoisonDuration: cfg.PoisonDuration,
	}, b, voc, clk, cold, logger)

	tracker := attention.NewTracker(b, clk, logger)
	monitor := sysload.NewMonitor(b, registry.InboxDepths, clk, logger,
		sysload.WithWeights(sysload.Weights{
			CPU:     cfg.WeightCPU,
			Bus:     cfg.WeightBus,
			Mailbox: cfg.WeightMailbox,
			Mem:     cfg.WeightMem,
		}),
	)

	sessions := session.NewServer(registry, b, tracker, monitor, verifier, voc, clk, session.Config{
		SendQueueSize: cfg.SendQueueSize,
		FrameRate:     cfg.MaxFrameRate,
		FrameBurst:    cfg.MaxFrameBurst,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker.Start(ctx)
	monitor.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", sessions.HandleWS)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":   "ok",
			"sessions": sessions.SessionCount(),
			"sensors":  registry.Count(),
			"load":     monitor.Current().Level,
		})
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}

	sessions.Shutdown()
	cancel()
	monitor.Stop()
	tracker.Stop()
	registry.Shutdown()
	if natsSink != nil {
		natsSink.Close()
	}
	logger.Info().Msg("Shutdown complete")
}
