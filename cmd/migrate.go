package main

import (
	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"gridoc/internal/repository"
)

var migrateCMD = &cobra.Command{
	Use:   "migrate",
	Short: "migrate",
	Long:  `apply (or roll back one step of) the metadata schema migrations`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		if cfg.Metadata.Backend != "postgres" {
			return errors.Errorf("metadata backend %q has no schema to migrate", cfg.Metadata.Backend)
		}

		db, err := repository.Connect(cmd.Context(), postgresOptions(cfg), log)
		if err != nil {
			return err
		}
		defer db.Close()

		down, err := cmd.Flags().GetBool("down")
		if err != nil {
			return err
		}
		if down {
			err = repository.Rollback(db, log)
		} else {
			err = repository.Migrate(db, log)
		}
		if err != nil {
			log.Error("migrate", zap.Bool("down", down), zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	migrateCMD.Flags().Bool("down", false, "roll back the latest migration instead of applying pending ones")
	rootCMD.AddCommand(migrateCMD)
}
