package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ratchetmesh/ratchetmesh/pkg/algorithm"
	"github.com/ratchetmesh/ratchetmesh/pkg/migration"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Assess, start, inspect, and cancel algorithm migrations",
	}
	cmd.AddCommand(migrateAssessCmd(), migrateStartCmd(), migrateStatusCmd(), migrateCancelCmd())
	return cmd
}

func migrateAssessCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "assess",
		Short: "Report quantum readiness of the device population",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			readiness, err := eng.AssessMigrationReadiness(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("devices:         %d (%d quantum-capable)\n", readiness.TotalDevices, readiness.QuantumCapable)
			fmt.Printf("risk:            %s\n", readiness.RiskLevel)
			fmt.Printf("recommendation:  %s\n", readiness.RecommendedStrategy)
			printCounts("conversations", readiness.ByAlgorithm)

			if target == "" {
				return nil
			}
			id, ok := algorithm.Parse(target)
			if !ok {
				return fmt.Errorf("unknown algorithm %q", target)
			}
			compat, err := eng.CheckCompatibility(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Printf("target %s: %d/%d devices compatible (%.0f%%)\n",
				compat.TargetAlgorithm, compat.Supporting, compat.TotalDevices, compat.Fraction*100)
			if len(compat.Incompatible) > 0 {
				fmt.Printf("incompatible:    %s\n", strings.Join(compat.Incompatible, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "also check compatibility with this algorithm")
	return cmd
}

func migrateStartCmd() *cobra.Command {
	var (
		strategy  string
		target    string
		batchSize int
		rotate    bool
		wait      bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start migrating conversations to a new algorithm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := migration.StartOptions{
				Strategy:   migration.Strategy(strategy),
				BatchSize:  batchSize,
				RotateKeys: rotate,
			}
			if target != "" {
				id, ok := algorithm.Parse(target)
				if !ok {
					return fmt.Errorf("unknown algorithm %q", target)
				}
				opts.TargetAlgorithm = id
			}

			job, err := eng.StartMigration(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Printf("job %s started (%s -> %s)\n", job.ID, job.Strategy, job.TargetAlgorithm)

			if !wait {
				return nil
			}
			eng.WaitForMigrations()
			job, err = eng.GetMigrationStatus(cmd.Context(), job.ID)
			if err != nil {
				return err
			}
			printJob(job)
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(migration.StrategyImmediate), "immediate, gradual, hybrid, or delayed")
	cmd.Flags().StringVar(&target, "target", "", "target algorithm token (default ML-KEM-768)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "conversations per batch (0 uses the default)")
	cmd.Flags().BoolVar(&rotate, "rotate-keys", false, "rotate conversation keys during migration")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the job reaches a terminal state")
	return cmd
}

func migrateStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show the progress of a migration job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := eng.GetMigrationStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJob(job)
			return nil
		},
	}
	return cmd
}

func migrateCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel [job-id]",
		Short: "Cancel a running migration job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := eng.CancelMigration(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Printf("job %s cancelled\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator request", "reason recorded on the job")
	return cmd
}

func printJob(job *migration.Job) {
	fmt.Printf("job %s: %s (%.0f%%, %d)\n", job.ID, job.Status, job.Progress.Percent, job.Progress.Step)
	fmt.Printf("  migrated: %d, failed: %d\n", job.Results.Migrated, job.Results.Failed)
	printCounts("  by algorithm", job.Results.ByAlgorithm)
	for _, e := range job.Results.Errors {
		fmt.Printf("  error: %s\n", e)
	}
}

func printCounts(label string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("%s:\n", label)
	for _, k := range keys {
		fmt.Printf("    %s: %d\n", k, counts[k])
	}
}
