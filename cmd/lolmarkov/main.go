package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dscrape/internal/archive"
	"dscrape/internal/auth"
	"dscrape/internal/bot"
	"dscrape/internal/config"
	"dscrape/internal/db"
	"dscrape/internal/discord"
	httpx "dscrape/internal/http"
	"dscrape/internal/logging"
	"dscrape/internal/modelcache"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("lolmarkov failed", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		offline    bool
	)

	cmd := &cobra.Command{
		Use:           "lolmarkov",
		Short:         "Serve per-user Markov models built from the archive",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath, offline)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultMarkovPath, "config file path")
	cmd.Flags().BoolVar(&offline, "offline", false, "resolve users from the archive only, without connecting to the platform")

	cmd.AddCommand(&cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for [API] AdminPasswordHash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			hash, err := auth.HashPassword(strings.TrimRight(line, "\r\n"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	})
	return cmd
}

func serve(ctx context.Context, configPath string, offline bool) error {
	logging.Setup()

	cfg, err := config.LoadWithAPI(configPath)
	if err != nil {
		return err
	}
	if cfg.AdminPasswordHash == "" {
		slog.Warn("no [API] AdminPasswordHash configured, operator login is disabled")
	}

	ro, err := db.ConnectReadOnly(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if sqlDB, err := ro.DB(); err == nil {
		defer sqlDB.Close()
	}

	reader := &archive.Reader{DB: ro}
	cache, err := modelcache.New(reader, modelcache.Options{Dir: cfg.ModelDir})
	if err != nil {
		return err
	}
	defer cache.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := &bot.Service{Archive: reader, Models: cache}
	if !offline {
		client, err := discord.Open(ctx, cfg.Token, discord.Options{Guild: cfg.DebugGuild})
		if err != nil {
			return err
		}
		defer client.Close()
		svc.Members = client
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.NewRouter(cfg, svc, auth.NewJWT(cfg.JWTSecret), slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
