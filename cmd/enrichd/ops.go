package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wangyingjie930/nexus-enrich/bootstrap"
	"github.com/wangyingjie930/nexus-enrich/constants"
)

func init() {
	rootCmd.AddCommand(runBatchCmd(), sweepCmd(), cleanupCmd(), statusCmd(), requeueCmd(), migrateCmd())
}

func runBatchCmd() *cobra.Command {
	var limit, concurrency int
	cmd := &cobra.Command{
		Use:   "run-batch",
		Short: "Run a single enrichment batch and print its stats",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withDeps(func(ctx context.Context, deps *Deps) error {
				opts := batchOptions(deps.Config.App.Enrichment)
				if limit > 0 {
					opts.Limit = limit
				}
				if concurrency > 0 {
					opts.Concurrency = concurrency
				}
				stats, err := deps.Processor.RunBatch(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, stats)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of records to select (default from config)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of records processed in parallel (default from config)")
	return cmd
}

func sweepCmd() *cobra.Command {
	var staleAfter time.Duration
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Return stalled PROCESSING records to the queue",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withDeps(func(ctx context.Context, deps *Deps) error {
				if staleAfter <= 0 {
					staleAfter = bootstrap.Seconds(deps.Config.App.Enrichment.StaleAfterSeconds)
				}
				// 与运行中的 serve 实例互斥
				if deps.Locker != nil {
					lockCtx, cancel := context.WithTimeout(ctx, wait)
					defer cancel()
					unlock, err := deps.Locker.Lock(lockCtx, constants.MaintenanceLock)
					if err != nil {
						return fmt.Errorf("acquire maintenance lock: %w", err)
					}
					defer unlock()
				}
				res, err := deps.Sweeper.SweepStalled(ctx, staleAfter)
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, res)
			})
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "age after which a PROCESSING record counts as stalled (default from config)")
	cmd.Flags().DurationVar(&wait, "lock-wait", 30*time.Second, "how long to wait for the maintenance lock")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var olderThanHours int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete COMPLETED records older than the given age",
		RunE: func(_ *cobra.Command, _ []string) error {
			if olderThanHours <= 0 {
				return errors.New("--older-than-hours must be positive")
			}
			return withDeps(func(ctx context.Context, deps *Deps) error {
				deleted, err := deps.Sweeper.CleanupCompleted(ctx, time.Duration(olderThanHours)*time.Hour)
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, map[string]int64{"deleted": deleted})
			})
		},
	}
	cmd.Flags().IntVar(&olderThanHours, "older-than-hours", 0, "minimum age of COMPLETED records to delete")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print queue counts by status",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withDeps(func(ctx context.Context, deps *Deps) error {
				report, err := deps.Processor.Status(ctx)
				if err != nil {
					return err
				}
				return printJSON(os.Stdout, report)
			})
		},
	}
}

func requeueCmd() *cobra.Command {
	var id uint64
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Reset a FAILED record so it is picked up again",
		RunE: func(_ *cobra.Command, _ []string) error {
			if id == 0 {
				return errors.New("--id is required")
			}
			return withDeps(func(ctx context.Context, deps *Deps) error {
				ok, err := deps.Store.Requeue(ctx, id, time.Now().UTC())
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("record %d is not FAILED", id)
				}
				fmt.Printf("record %d requeued\n", id)
				return nil
			})
		},
	}
	cmd.Flags().Uint64Var(&id, "id", 0, "queue record id")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the queue and client account tables",
		RunE: func(_ *cobra.Command, _ []string) error {
			return withDeps(func(ctx context.Context, deps *Deps) error {
				if err := deps.Store.AutoMigrate(ctx); err != nil {
					return err
				}
				if err := deps.Directory.AutoMigrate(ctx); err != nil {
					return err
				}
				fmt.Println("✅ migrations applied")
				return nil
			})
		},
	}
}
