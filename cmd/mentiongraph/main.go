package main

import (
	"context"
	"log/slog"
	"os"

	"dscrape/internal/config"
	"dscrape/internal/db"
	"dscrape/internal/logging"
	"dscrape/internal/mentiongraph"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		slog.Error("mentiongraph failed", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		database string
		out      string
		opts     mentiongraph.Options
	)

	cmd := &cobra.Command{
		Use:           "mentiongraph",
		Short:         "Export who-mentions-whom from the archive as a Graphviz graph",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.Setup()

			gdb, err := db.ConnectReadOnly(database)
			if err != nil {
				return err
			}
			if sqlDB, err := gdb.DB(); err == nil {
				defer sqlDB.Close()
			}

			g, err := mentiongraph.Build(cmd.Context(), gdb, opts)
			if err != nil {
				return err
			}
			slog.Info(g.String())

			b, err := g.DOT()
			if err != nil {
				return err
			}
			if out == "-" {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			return writeFile(out, b)
		},
	}

	defaultDB := config.DefaultDatabase
	if v := os.Getenv("DATABASE_URL"); v != "" {
		defaultDB = v
	}
	cmd.Flags().StringVar(&database, "database", defaultDB, "archive database path or postgres URL")
	cmd.Flags().StringVarP(&out, "out", "o", "mentions.dot", `output file, "-" for stdout`)
	cmd.Flags().IntVar(&opts.Limit, "limit", mentiongraph.DefaultLimit, "keep only the heaviest pairs")
	cmd.Flags().Int64SliceVar(&opts.Exclude, "exclude", mentiongraph.DefaultExclude, "user ids to leave out")
	return cmd
}

func writeFile(path string, b []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
