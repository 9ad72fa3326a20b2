package main

import (
	"fmt"
	"os"

	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"gridoc/internal/config"
	"gridoc/internal/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCMD = &cobra.Command{
	Use:           "gridoc",
	Short:         "gridoc",
	Long:          `versioned binary object store over HTTP`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCMD.RunE(cmd, args)
	},
}

func init() {
	rootCMD.PersistentFlags().StringP("config", "c", "config.yaml", "config file path, a missing file is ignored")
	rootCMD.Version = version
}

// setup loads the configuration and builds the process logger.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.NewConfig(path)
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func main() {
	if err := rootCMD.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
