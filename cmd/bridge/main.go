package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voicebridge/voicebridge/pkg/bridge"
	"github.com/voicebridge/voicebridge/pkg/store"
	"github.com/voicebridge/voicebridge/pkg/trace"
)

func main() {
	godotenv.Load()

	cfg := bridge.ConfigFromEnv()
	if cfg.APIKey == "" {
		log.Fatal("OPENAI_API_KEY is required")
	}

	ctx := context.Background()
	if err := trace.Initialize(ctx, trace.DefaultConfig()); err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer trace.Shutdown(context.Background())

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		log.Fatalf("event store: %v", err)
	}
	eventLog := store.NewLog(backend)
	defer eventLog.Close(context.Background())

	b := bridge.New(cfg, eventLog)

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: b.Handler(),
	}

	go func() {
		log.Printf("voice bridge listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

func openBackend(ctx context.Context, cfg bridge.Config) (store.Backend, error) {
	if cfg.DatabaseURL == "" {
		log.Println("DATABASE_URL not set, using in-memory event store")
		return store.NewMemoryBackend(), nil
	}
	return store.OpenPostgres(ctx, cfg.DatabaseURL)
}
