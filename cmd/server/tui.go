package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"loftyeyes/internal/db"
	"loftyeyes/internal/services/auth"
	chatsvc "loftyeyes/internal/services/chat"
	"loftyeyes/internal/services/contacts"
	"loftyeyes/internal/tui"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Chat from the terminal",
	RunE:  runTUI,
}

var (
	flagEmail    string
	flagPassword string
	flagSignOut  bool
	flagLogPath  string
)

func init() {
	flags := tuiCmd.Flags()
	flags.StringVar(&flagEmail, "email", os.Getenv("LOFTY_EMAIL"), "account email, used when no saved session exists")
	flags.StringVar(&flagPassword, "password", os.Getenv("LOFTY_PASSWORD"), "account password")
	flags.BoolVar(&flagSignOut, "sign-out", false, "sign out and forget the saved session")
	flags.StringVar(&flagLogPath, "log", filepath.Join(os.TempDir(), "loftyeyes-tui.log"), "log file")
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()

	logFile, err := os.OpenFile(flagLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	slog.SetDefault(slog.New(slog.NewTextHandler(logFile, nil)))

	store, err := db.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer store.Close()

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := auth.NewManager(backend, store, auth.Options{
		Key:               "tui",
		RefreshMargin:     cfg.RefreshMargin,
		PresenceHeartbeat: cfg.PresenceHeartbeat,
		RequestTimeout:    cfg.RequestTimeout,
	})
	defer manager.Close()

	if err := signInTUI(ctx, manager); err != nil {
		return err
	}
	if flagSignOut {
		if err := manager.SignOut(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Goodbye! You've successfully signed out.")
		return nil
	}

	people := contacts.NewService(manager, cfg)
	list, err := people.Open(ctx)
	if err != nil {
		return fmt.Errorf("open contacts: %w", err)
	}
	defer list.Close()

	return tui.Run(ctx, list, chatsvc.NewService(manager, store, cfg), people, cfg.MaxMessageLength)
}

func signInTUI(ctx context.Context, manager *auth.Manager) error {
	if _, err := manager.Restore(ctx); err != nil {
		slog.Warn("failed to restore terminal session", "error", err)
	}
	if manager.SignedIn() {
		return nil
	}
	if flagEmail == "" || flagPassword == "" {
		return errors.New("not signed in: pass --email and --password")
	}
	return manager.SignIn(ctx, flagEmail, flagPassword)
}
