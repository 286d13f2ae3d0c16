package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"loftyeyes/app/routes"
	"loftyeyes/internal/config"
	"loftyeyes/internal/db"
	"loftyeyes/internal/platform/supabase"
)

var rootCmd = &cobra.Command{
	Use:           "loftyeyes",
	Short:         "Realtime one-to-one chat on top of Supabase",
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the web front-end",
	RunE:  runServe,
}

var (
	flagPort   string
	flagDBPath string
	flagQR     bool
)

func init() {
	_ = godotenv.Load()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagDBPath, "db", "", "sqlite database path (default from DATABASE_PATH)")

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&flagPort, "port", "", "HTTP port (default from PORT)")
		cmd.Flags().BoolVar(&flagQR, "qr", false, "print a QR code of the local URL")
	}
	rootCmd.AddCommand(serveCmd, tuiCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() config.Config {
	cfg := config.Load()
	if flagPort != "" {
		cfg.Port = flagPort
	}
	if flagDBPath != "" {
		cfg.DatabasePath = flagDBPath
	}
	return cfg
}

func openBackend(cfg config.Config) (*supabase.Backend, error) {
	backend, err := supabase.New(supabase.Config{
		URL:               cfg.SupabaseURL,
		AnonKey:           cfg.SupabaseAnonKey,
		RequestTimeout:    cfg.RequestTimeout,
		HeartbeatInterval: cfg.RealtimeHeartbeat,
	})
	if err != nil {
		return nil, fmt.Errorf("configure supabase: %w", err)
	}
	return backend, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	store, err := db.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer store.Close()

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}

	sessions := routes.NewSessions(backend, store, cfg)
	defer sessions.Close()
	routes.SetDeps(routes.Deps{
		Config:   cfg,
		Store:    store,
		Backend:  backend,
		Sessions: sessions,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routes.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", srv.Addr, "version", config.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if flagQR {
		printQR(cmd, "http://localhost:"+cfg.Port)
	}

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
	return nil
}

func printQR(cmd *cobra.Command, url string) {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		slog.Warn("failed to encode qr code", "url", url, "error", err)
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), code.ToSmallString(false))
	fmt.Fprintln(cmd.OutOrStdout(), url)
}
