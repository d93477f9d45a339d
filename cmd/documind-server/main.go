package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/xhad/documind/internal/app"
	cfgPkg "github.com/xhad/documind/pkg/config"
	"github.com/xhad/documind/pkg/metrics"
	"github.com/xhad/documind/server"
)

func main() {
	_ = godotenv.Load()

	var configPath, addr, baseURL string
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.StringVar(&addr, "addr", "", "Listen address (default from config or PORT)")
	flag.StringVar(&baseURL, "ollama-url", "", "Ollama server URL")
	flag.Parse()

	if err := run(configPath, addr, baseURL); err != nil {
		log.Fatal(err)
	}
}

func run(configPath, addr, baseURL string) error {
	cfg, err := cfgPkg.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if baseURL != "" {
		cfg.LLM.BaseURL = baseURL
		cfg.Embedder.BaseURL = baseURL
	}

	m := metrics.New()
	a, err := app.New(cfg, app.Options{Metrics: m})
	if err != nil {
		return err
	}
	// runs after every session has closed
	defer a.Close()

	sessions := a.NewManager()
	defer func() {
		if err := sessions.CloseAll(); err != nil {
			a.Logger.Error("Failed to close sessions", "error", err)
		}
	}()

	ws, err := server.NewWSServer(server.Config{
		StorageDir:     cfg.Upload.StorageDir,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		MessageRate:    cfg.Server.MessageRate,
		Logger:         a.Logger,
		Metrics:        m,
	}, sessions, a.Web)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("Starting WebSocket server", "addr", cfg.Server.Addr, "model", cfg.LLM.Model, "index", cfg.Index.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.Logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown
	_ = sessions.CloseAll()
	return srv.Shutdown(shutdownCtx)
}
