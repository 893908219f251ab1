package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"dscrape/internal/archive"
	"dscrape/internal/config"
	"dscrape/internal/db"
	"dscrape/internal/discord"
	"dscrape/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("dscrape failed", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		update     bool
	)

	cmd := &cobra.Command{
		Use:   "dscrape",
		Short: "Archive server message history into a local database",
		Long: `Archive every readable text channel into the configured database.

By default the archive is extended backwards from the oldest stored message.
With --update only messages newer than the newest stored one are fetched.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, update)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultArchiverPath, "config file path")
	cmd.Flags().BoolVarP(&update, "update", "u", false, "fetch messages newer than the archive instead of older")
	return cmd
}

func run(ctx context.Context, configPath string, update bool) error {
	logging.Setup()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	opts := archive.Options{Mode: archive.Backfill}
	if update {
		opts.Mode = archive.Update
	}
	if cfg.Channel != "" {
		id, err := strconv.ParseInt(cfg.Channel, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid channel id %q: %w", cfg.Channel, err)
		}
		opts.ChannelID = id
	}

	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if sqlDB, err := gdb.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := db.AutoMigrateAndIndexes(gdb); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := discord.Open(ctx, cfg.Token, discord.Options{Guild: cfg.DebugGuild})
	if err != nil {
		return err
	}

	w := archive.NewWriter(gdb, archive.DefaultCommitInterval)
	return archive.New(src, w, opts).Run(ctx)
}
