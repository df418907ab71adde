package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	chataiweb "github.com/MegaGrindStone/chatai-web"
	"github.com/MegaGrindStone/chatai-web/internal/handlers"
	"github.com/MegaGrindStone/chatai-web/internal/services"
	"github.com/MegaGrindStone/chatai-web/internal/session"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func main() {
	// A missing .env is fine, the variables may come from the environment itself.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal(fmt.Errorf("error loading .env file: %w", err))
	}

	cfgFilePath, err := configPath()
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := loadConfig(cfgFilePath)
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))

	completer, err := cfg.LLM.completer(cfg.SystemPrompt, logger)
	if err != nil {
		log.Fatal(fmt.Errorf("error creating llm client: %w", err))
	}

	var store session.CredentialStore
	if cfg.StorePath != "" {
		boltDB, err := openStore(cfg.StorePath, cfg.KeyTTL, logger)
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			if err := boltDB.Close(); err != nil {
				logger.Error("Failed to close store", slog.String("err", err.Error()))
			}
		}()
		store = boltDB
	} else {
		logger.Info("No storePath configured, entered API keys are kept in memory only")
	}

	m, err := handlers.NewMain(completer, store, session.Config{
		Settings:       cfg.LLM.settings(),
		RevealInterval: cfg.RevealInterval,
		IdleTimeout:    cfg.SessionIdleTimeout,
	}, logger)
	if err != nil {
		log.Fatal(err)
	}

	// Serve static files
	staticFS, err := fs.Sub(chataiweb.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/key", m.HandleKey)
	mux.HandleFunc("/reset", m.HandleReset)
	mux.HandleFunc("/sse", m.HandleSSE)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}

// configPath returns the config file to read: CHATAI_CONFIG, or config.yaml under the user config
// dir.
func configPath() (string, error) {
	if p := os.Getenv("CHATAI_CONFIG"); p != "" {
		return p, nil
	}

	userDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(userDir, "chatai", "config.yaml"), nil
}

// openStore opens the key store at path and drops the keys that outlived keyTTL.
func openStore(path string, keyTTL time.Duration, logger *slog.Logger) (services.BoltDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return services.BoltDB{}, fmt.Errorf("error creating store directory: %w", err)
	}

	boltDB, err := services.NewBoltDB(path, keyTTL)
	if err != nil {
		return services.BoltDB{}, err
	}

	pruned, err := boltDB.PruneExpired(context.Background())
	if err != nil {
		_ = boltDB.Close()
		return services.BoltDB{}, fmt.Errorf("error pruning expired keys: %w", err)
	}
	if pruned > 0 {
		logger.Info("Pruned expired API keys", slog.Int("count", pruned))
	}
	return boltDB, nil
}

func loadConfig(path string) (config, error) {
	cfgFile, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}
