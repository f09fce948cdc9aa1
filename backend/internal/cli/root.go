// Package cli holds the collab_server commands.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"collabsync/backend/config"
	"collabsync/backend/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool

	// openDB is swapped in tests.
	openDB func(dsn string) (*gorm.DB, error)
	logger *slog.Logger
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{openDB: store.InitMySQL})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collab_server",
		Short: "Real-time collaborative document sync server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			opts.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(opts.logger)
			return nil
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default collabConfig.yaml on the search path)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	serve := NewServeCommand(opts)
	cmd.AddCommand(serve)
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	// bare collab_server serves
	cmd.RunE = serve.RunE
	return cmd
}

func (o *RootOptions) load() (*config.Config, error) {
	return config.Load(o.ConfigPath)
}

func (o *RootOptions) db(cfg *config.Config) (*gorm.DB, error) {
	db, err := o.openDB(cfg.Mysql.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
