// The relay is the reference server for the messaging wire contract: token
// mint, directory endpoints, message store and the realtime websocket hub.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/veilchat/messenger/internal/observability"
)

const version = "0.1.0"

func main() {
	_ = godotenv.Load()

	listen := flag.String("listen", ":8080", "HTTP listen address")
	storeDriver := flag.String("store", "sqlite", "store backend: memory, sqlite or postgres")
	dsn := flag.String("dsn", "veilchat-relay.db", "sqlite file path or postgres connection string")
	jwtSecret := flag.String("jwt-secret", "", "HS256 secret for bearer tokens (VEILCHAT_JWT_SECRET)")
	useTLS := flag.Bool("tls", false, "serve HTTPS with a self-signed certificate")
	tracing := flag.String("tracing", "", "Jaeger collector endpoint, empty disables tracing")
	flag.Parse()

	log := observability.NewLogger("veilchat-relay", version, os.Stdout)

	secret := *jwtSecret
	if secret == "" {
		secret = os.Getenv("VEILCHAT_JWT_SECRET")
	}
	if secret == "" {
		secret = "veilchat-dev-secret"
		log.Warn("no JWT secret configured, using the built-in development secret")
	}
	tokens, err := NewTokenService(secret)
	if err != nil {
		log.Fatal(err, "failed to create token service")
	}

	ctx := context.Background()

	if *tracing != "" {
		shutdown, err := observability.InitTracing(ctx, "veilchat-relay", *tracing)
		if err != nil {
			log.Error(err, "failed to initialize tracing")
		} else {
			defer shutdown(context.Background())
		}
	}

	store, err := openStore(ctx, *storeDriver, *dsn)
	if err != nil {
		log.Fatal(err, "failed to open store")
	}
	defer store.Close()

	metrics := observability.NewRelayMetrics()
	server := NewServer(store, tokens, log, metrics)

	httpServer := &http.Server{
		Addr:              *listen,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.hub.CloseAll()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "forced shutdown")
		}
	}()

	log.WithComponent("relay").Info(fmt.Sprintf("listening on %s (store: %s, tls: %v)", *listen, *storeDriver, *useTLS))

	if *useTLS {
		tlsConfig, err := selfSignedTLSConfig()
		if err != nil {
			log.Fatal(err, "failed to build TLS config")
		}
		httpServer.TLSConfig = tlsConfig
		err = httpServer.ListenAndServeTLS("", "")
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "server error")
		}
	} else {
		err = httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "server error")
		}
	}

	log.Info("relay stopped")
}

func openStore(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
