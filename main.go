package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/SahilKulkarni10/metaconnect-broker/bridge"
	"github.com/SahilKulkarni10/metaconnect-broker/config"
	"github.com/SahilKulkarni10/metaconnect-broker/coordinator"
	"github.com/SahilKulkarni10/metaconnect-broker/dispatch"
	"github.com/SahilKulkarni10/metaconnect-broker/metrics"
	"github.com/SahilKulkarni10/metaconnect-broker/rooms"
	"github.com/SahilKulkarni10/metaconnect-broker/server"
	"github.com/SahilKulkarni10/metaconnect-broker/services"
	"github.com/SahilKulkarni10/metaconnect-broker/store"
	"github.com/SahilKulkarni10/metaconnect-broker/telemetry"
	"github.com/SahilKulkarni10/metaconnect-broker/websocket"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize config
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.Get()

	// Tracing
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(cfg.Telemetry.ServiceName, cfg.Telemetry.JaegerEndpoint)
		if err != nil {
			log.Fatalf("Failed to initialize tracing: %v", err)
		}
		defer shutdown(context.Background())
	}

	// Redis backs the live-session documents and the token revocation list.
	redisClient, err := services.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer services.CloseRedisClient(redisClient)

	// Postgres backs messages and their read-state.
	db, err := store.OpenPostgres(cfg.Postgres.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}

	storeTimeout := time.Duration(cfg.Store.Timeout) * time.Second
	liveSessions := store.NewRedisLiveSessionStore(redisClient, 24*time.Hour)
	messages := store.NewPostgresMessageStore(db)

	// Broker core: registry, dispatcher, coordinators.
	registry := rooms.NewRegistry()
	dispatcher := dispatch.NewDispatcher(registry)
	sessionCoord := coordinator.NewLiveSessionCoordinator(liveSessions, dispatcher, storeTimeout)
	readCoord := coordinator.NewReadStateCoordinator(messages, dispatcher, storeTimeout)

	validator := websocket.NewValidator(&cfg.Auth, redisClient)
	handler := websocket.NewHandler(cfg, registry, sessionCoord, readCoord, validator)

	// Bridge ingest: post-commit notifications from the REST tier.
	if cfg.Kafka.Enabled {
		ingest, err := bridge.NewKafkaIngest(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.CommitTopic, dispatcher)
		if err != nil {
			log.Fatalf("Failed to create bridge ingest: %v", err)
		}
		defer ingest.Close()
		if err := ingest.Start(ctx); err != nil {
			log.Fatalf("Failed to start bridge ingest: %v", err)
		}
		log.Printf("Bridge ingest consuming %s", cfg.Kafka.CommitTopic)
	}

	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	port := ":" + strconv.Itoa(cfg.Server.Port)
	srv := server.NewServer(port, handler.HandleWebSocket,
		time.Duration(cfg.Server.ReadTimeout)*time.Second,
		time.Duration(cfg.Server.WriteTimeout)*time.Second)

	go srv.Start()
	log.Println("MetaConnect broker started on " + port)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received")

	// Graceful shutdown: stop accepting, then sweep live connections.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	for _, conn := range registry.Connections() {
		if cs, ok := conn.(*websocket.ClientSession); ok {
			cs.Close(gws.CloseGoingAway, "Server shutting down")
		}
		registry.Drop(conn.ID())
	}
}
