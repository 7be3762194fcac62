package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wyydra/callrelay/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/callrelay/internal/adapter/driven/identity/jwtauth"
	"github.com/Wyydra/callrelay/internal/adapter/driven/identity/static"
	handler "github.com/Wyydra/callrelay/internal/adapter/driving/http"
	"github.com/Wyydra/callrelay/internal/config"
	"github.com/Wyydra/callrelay/internal/core/domain"
	"github.com/Wyydra/callrelay/internal/core/port"
	"github.com/Wyydra/callrelay/internal/core/service"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", os.Getenv("CALLRELAY_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg.Log)

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build identity verifier")
	}

	router := service.NewRouter(service.RouterConfig{
		RingTimeout: cfg.Signaling.RingTimeout,
	})

	h := handler.NewHandler(router, verifier, ws.Options{
		SendQueue:         cfg.Signaling.SendQueue,
		MaxMessageBytes:   cfg.Signaling.MaxMessageBytes,
		MessagesPerSecond: cfg.Signaling.MessagesPerSecond,
		Burst:             cfg.Signaling.Burst,
		WriteWait:         cfg.Signaling.WriteWait,
		PongWait:          cfg.Signaling.PongWait,
		PingPeriod:        cfg.Signaling.PingPeriod,
	})
	h.StaticDir = cfg.StaticDir

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h.NewRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("auth_mode", string(cfg.Auth.Mode)).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	router.Close()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
		return
	}
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()
}

func newVerifier(cfg config.AuthConfig) (port.IdentityVerifier, error) {
	switch cfg.Mode {
	case config.AuthModeStatic:
		tokens := make(map[string]domain.Identity, len(cfg.Tokens))
		for _, t := range cfg.Tokens {
			tokens[t.Token] = domain.Identity{ID: domain.UserID(t.UserID), Name: t.Name}
		}
		return static.NewVerifier(tokens), nil
	default:
		return jwtauth.NewVerifier(cfg.JWTSecret,
			jwtauth.WithIssuer(cfg.Issuer),
			jwtauth.WithLeeway(cfg.Leeway),
		)
	}
}
