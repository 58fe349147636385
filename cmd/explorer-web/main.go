package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/topic-explorer/internal/app"
	"github.com/fpang/topic-explorer/internal/config"
	"github.com/fpang/topic-explorer/internal/logging"
)

// CLI flags
var (
	configFlag string
	bindFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "explorer-web",
	Short: "Serve the topic explorer API",
	Long: `Explorer Web serves the learning session API: submit a topic, branch off
with questions and quizzes, and watch generation jobs over a websocket.

Configuration is read from ~/.config/topic-explorer/config.toml when present
and can be overridden with environment variables.

Examples:
  explorer-web
  explorer-web --bind 0.0.0.0:9090
  explorer-web --config ./explorer.toml
  explorer-web seed-cache --bucket my-cache "Binary Search Trees" bst.json`,
	RunE: runMain,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Path to config.toml")
	rootCmd.Flags().StringVar(&bindFlag, "bind", "", "Address to listen on (overrides config)")
	rootCmd.AddCommand(configCmd, seedCacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	logging.Init()
	cfg, path, exists, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	logging.SetLevel(cfg.Logging.Level)
	log.Debug().Str("path", path).Bool("exists", exists).Msg("Configuration loaded")
	return cfg, nil
}

func runMain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if bindFlag != "" {
		cfg.Server.Bind = bindFlag
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	explorer, err := app.Build(ctx, cfg, app.Deps{})
	if err != nil {
		return err
	}
	defer explorer.Close()
	go explorer.RunMaintenance(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.Bind,
		Handler:           withCORS(explorer.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: the job stream is a long-lived websocket.
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("bind", cfg.Server.Bind).Msg("Starting web server")
	fmt.Printf("\n  Topic Explorer API: http://%s/api/health\n\n", cfg.Server.Bind)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// --- Middleware ---

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only allow localhost origins for local development
		origin := r.Header.Get("Origin")
		if origin != "" && (strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:")) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
