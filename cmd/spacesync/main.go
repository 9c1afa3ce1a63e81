// Command spacesync creates, inspects and reconciles spaces stored in the
// configured persistence layers, and moves files through a space's file store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"spacesync/internal/config"
	"spacesync/internal/filestore"
	"spacesync/internal/layers"
	"spacesync/internal/logging"
	"spacesync/internal/replication"
	"spacesync/pkg/domain"
)

var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	out        io.Writer

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}
	root := &cobra.Command{
		Use:   "spacesync",
		Short: "Replicate spaces across persistence layers",
		Long: `spacesync loads spaces from every configured persistence layer, merges
their operation logs and pushes back whatever a layer is missing.

Layers and the file store are configured in a YAML file; SPACESYNC_*
environment variables override single values.`,
		Version:       version,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to the YAML config file")
	root.AddCommand(a.spaceCmd(), a.fileCmd())
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

func (a *app) manager() *replication.Manager {
	return replication.NewManager(
		replication.WithManagerLogger(a.logger),
		replication.WithLoadTimeout(a.cfg.Space.LoadTimeout.Duration()),
		replication.WithFileLayers(func(ctx context.Context, key string) (filestore.Provider, error) {
			return layers.FileProvider(ctx, a.cfg.Files, key)
		}),
	)
}

func (a *app) openLayers(spaceID string) ([]domain.PersistenceLayer, error) {
	if len(a.cfg.Layers) == 0 {
		return nil, fmt.Errorf("no persistence layers configured")
	}
	return layers.Build(a.cfg.Layers, spaceID, a.logger)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
