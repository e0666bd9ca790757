package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/tripsage/realtime/config"
	"github.com/tripsage/realtime/providers"
	"github.com/tripsage/realtime/src/auth"
	"github.com/tripsage/realtime/src/broadcaster"
	"github.com/tripsage/realtime/src/manager"
	"github.com/tripsage/realtime/src/service"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := newLogger()
	cfg := config.FromEnv()
	if cfg.JWTSecret == "" {
		logger.Fatal().Msg("WS_JWT_SECRET must be set")
	}

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	bcast := broadcaster.New(broadcaster.RedisConfigFromEnv(), logger)
	if err := bcast.Ping(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable, broadcaster degraded to standalone")
	}

	mgr := manager.New(verifier, manager.Options{
		HeartbeatInterval: time.Duration(cfg.HeartbeatSeconds) * time.Second,
		CleanupInterval:   time.Duration(cfg.CleanupSeconds) * time.Second,
		StaleTimeout:      time.Duration(cfg.StaleTimeoutSeconds) * time.Second,
		AuthTimeout:       time.Duration(cfg.AuthTimeoutSeconds) * time.Second,
		MaxConnections:    cfg.MaxConnections,
	}, logger)
	mgr.Start()

	svc := service.New(mgr, bcast, logger)
	svc.Start()

	provider := providers.New(svc, cfg, logger)

	app := fiber.New()
	provider.RegisterRoutes(app)

	wsHandler := provider.WSHandler()
	metricsHandler := provider.MetricsHandler()
	fiberHandler := app.Handler()

	server := &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/ws":
				wsHandler(ctx)
			case "/metrics":
				metricsHandler(ctx)
			default:
				fiberHandler(ctx)
			}
		},
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("realtime server listening")
		if err := server.ListenAndServe(cfg.ListenAddr); err != nil {
			logger.Fatal().Err(err).Msg("server exited")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	_ = server.Shutdown()
	svc.Stop()
	mgr.Stop()
	if err := bcast.Close(); err != nil {
		logger.Error().Err(err).Msg("broadcaster close")
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if s := os.Getenv("LOG_LEVEL"); s != "" {
		if parsed, err := zerolog.ParseLevel(s); err == nil {
			level = parsed
		}
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
