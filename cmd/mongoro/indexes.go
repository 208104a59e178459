package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kak-smko/mongodb-ro/pkg/indexsync"
)

func newIndexesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indexes",
		Short: "Inspect and reconcile declared indexes",
	}
	cmd.AddCommand(newPlanCmd(a), newSyncCmd(a), newPruneCmd(a))
	return cmd
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func newPlanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Report present, missing and undeclared indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, closeDB, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			syncers, err := a.synchronizers(db)
			if err != nil {
				return err
			}

			plans := make([]*indexsync.Plan, 0, len(syncers))
			for _, s := range syncers {
				plan, err := s.Plan(ctx)
				if err != nil {
					return fmt.Errorf("plan %s: %w", s.Collection(), err)
				}
				plans = append(plans, plan)
			}
			return writeYAML(cmd.OutOrStdout(), plans)
		},
	}
}

func newSyncCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Create every missing declared index",
		Long: `Create every missing declared index. Undeclared indexes are kept; use
'indexes prune' to drop them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, closeDB, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			syncers, err := a.synchronizers(db)
			if err != nil {
				return err
			}

			var reports []*indexsync.Report
			var errs []error
			for _, s := range syncers {
				report, err := s.Sync(ctx)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				reports = append(reports, report)
			}
			if err := writeYAML(cmd.OutOrStdout(), reports); err != nil {
				return err
			}
			return errors.Join(errs...)
		},
	}
}

func newPruneCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop indexes no model declares",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("prune drops indexes; pass --yes to confirm")
			}

			ctx := cmd.Context()
			db, closeDB, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer closeDB()

			syncers, err := a.synchronizers(db)
			if err != nil {
				return err
			}

			var reports []*indexsync.Report
			for _, s := range syncers {
				report, err := s.Prune(ctx)
				if err != nil {
					return err
				}
				reports = append(reports, report)
			}
			return writeYAML(cmd.OutOrStdout(), reports)
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm dropping undeclared indexes")
	return cmd
}
