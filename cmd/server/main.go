package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scrumdeck/scrumdeck/internal/gateway"
	"github.com/scrumdeck/scrumdeck/internal/room"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if lvl, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	clock := clockwork.NewRealClock()
	allocator := room.NewAllocator()
	sessions := room.NewSessionTracker(clock)
	store := room.NewStore(allocator, sessions, clock, config.emptyGrace())
	app := room.NewApp(store, sessions)

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.ConnectionConfig.WriteTimeout = time.Duration(config.WebSocket.WriteTimeoutSeconds) * time.Second
	gatewayConfig.ConnectionConfig.ReadTimeout = time.Duration(config.WebSocket.ReadTimeoutSeconds) * time.Second
	gatewayConfig.ConnectionConfig.PingInterval = time.Duration(config.WebSocket.PingIntervalSeconds) * time.Second
	gatewayConfig.ConnectionConfig.MaxMessageSize = config.WebSocket.MaxMessageSize

	service := gateway.NewService(gatewayConfig, app)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := service.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()

	mux := http.NewServeMux()
	service.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(mux)

	server := &http.Server{
		Addr:    config.Server.Addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown failed")
		}
	}()

	log.Info().Str("addr", config.Server.Addr).Msg("planning room server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("server failed")
	}
}
