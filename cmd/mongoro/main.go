// mongoro manages the indexes declared by model definitions and reports
// model readiness over gRPC health checking
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kak-smko/mongodb-ro/internal/config"
	"github.com/kak-smko/mongodb-ro/internal/logger"
	"github.com/kak-smko/mongodb-ro/pkg/driver"
	"github.com/kak-smko/mongodb-ro/pkg/driver/memdriver"
	"github.com/kak-smko/mongodb-ro/pkg/driver/mongodriver"
	"github.com/kak-smko/mongodb-ro/pkg/indexsync"
	"github.com/kak-smko/mongodb-ro/pkg/schema"
)

// app carries what every subcommand shares
type app struct {
	v   *viper.Viper
	cfg *config.Config
	log *logger.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	config.Setup(a.v)

	root := &cobra.Command{
		Use:   "mongoro",
		Short: "mongoro - index reconciliation and readiness for document models",
		Long: `mongoro reads model declarations and keeps the collections' indexes in
line with them.

Configuration sources (highest precedence first):
1. Command line flags
2. Environment variables (MONGORO_*)
3. mongoro.yaml (MONGORO_CONFIG, ./, ~/.mongoro/, /etc/mongoro/)

Examples:
  # Show what would be created
  mongoro --database shop --models models.yaml indexes plan

  # Create missing indexes
  MONGORO_URI=mongodb://db:27017 mongoro --database shop indexes sync

  # Serve readiness for every model
  mongoro --database shop serve`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "health" {
				return nil
			}
			if err := a.v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(a.v)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a.cfg = cfg
			logger.InitGlobalLogger(cfg.Logger())
			a.log = logger.GetGlobalLogger()
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("uri", "", "MongoDB connection string")
	flags.String("database", "", "Database name (required)")
	flags.String("models", "", "YAML model declarations")
	flags.Bool("memory", false, "Use the in-memory driver instead of MongoDB")
	flags.String("log.level", "", "Log level: debug|info|warn|error")
	flags.Bool("log.pretty", false, "Human readable logs")

	root.AddCommand(newIndexesCmd(a), newServeCmd(a), newHealthCmd())
	return root
}

// connect opens the configured database. The returned function releases it.
func (a *app) connect(ctx context.Context) (driver.Database, func(), error) {
	if a.cfg.Memory {
		a.log.Warn("Using in-memory driver").Str("database", a.cfg.Database).Send()
		return memdriver.New(a.cfg.Database), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	db, err := mongodriver.Connect(ctx, a.cfg.URI, a.cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return db, func() {
		_ = db.Disconnect(context.Background())
	}, nil
}

// models loads the declared models
func (a *app) models() ([]*schema.Metadata, error) {
	decls, err := schema.LoadDeclarationFile(a.cfg.Models)
	if err != nil {
		return nil, err
	}
	out := make([]*schema.Metadata, 0, len(decls))
	for _, d := range decls {
		meta, err := schema.FromDeclaration(d)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

func (a *app) synchronizers(db driver.Database, opts ...indexsync.Option) ([]*indexsync.Synchronizer, error) {
	metas, err := a.models()
	if err != nil {
		return nil, err
	}
	opts = append([]indexsync.Option{indexsync.WithLogger(*a.log.GetZerolog())}, opts...)

	out := make([]*indexsync.Synchronizer, 0, len(metas))
	for _, meta := range metas {
		out = append(out, indexsync.New(db.Collection(meta.Collection()), meta, opts...))
	}
	return out, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
