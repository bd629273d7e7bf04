package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	osbackfill "github.com/deviceops/osbackfill"
	"github.com/deviceops/osbackfill/internal/config"
	"github.com/deviceops/osbackfill/pkg/audit"
	"github.com/deviceops/osbackfill/pkg/devicestore"
	"github.com/deviceops/osbackfill/pkg/source"
)

const (
	envEventsFile = "LOGIN_EVENTS_FILE"
	envTableEnv   = "DEVICE_TABLE_ENV"
	envWindow     = "BACKFILL_WINDOW"
	envRate       = "BACKFILL_RATE"
	envProgress   = "BACKFILL_PROGRESS"
	envAuditPath  = "AUDIT_DB_PATH"

	defaultEventsFile = "logins.csv"
)

type runOptions struct {
	file     string
	tableEnv string
	window   int
	progress int
	ratePerS float64
	auditDB  string
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stream the login-event file and update matching device records",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			// Outermost boundary: anything escaping the pipeline becomes a
			// non-zero exit, not a raw panic.
			defer func() {
				if r := recover(); r != nil {
					err = errors.Errorf("backfill panicked: %v", r)
				}
			}()
			return runBackfill(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.file, "file", "", "login events CSV path (default "+envEventsFile+" or "+defaultEventsFile+")")
	cmd.Flags().StringVar(&opts.tableEnv, "env", "", "target environment: dev, staging or prod (default "+envTableEnv+" or dev)")
	cmd.Flags().IntVar(&opts.window, "window", 0, "max concurrently in-flight store updates (default "+envWindow+" or 20)")
	cmd.Flags().IntVar(&opts.progress, "progress", 0, "progress log cadence in processed rows (default "+envProgress+" or 500)")
	cmd.Flags().Float64Var(&opts.ratePerS, "rate", 0, "store updates per second, 0 disables pacing (default "+envRate+")")
	cmd.Flags().StringVar(&opts.auditDB, "audit-db", "", "SQLite file recording per-row outcomes (default "+envAuditPath+", empty disables)")
	return cmd
}

func runBackfill(ctx context.Context, opts runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	path := firstNonEmpty(opts.file, config.String(envEventsFile, ""), defaultEventsFile)
	reader, err := source.Open(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	table, err := devicestore.ResolveTable(firstNonEmpty(opts.tableEnv, config.String(envTableEnv, ""), "dev"))
	if err != nil {
		return err
	}
	store, err := devicestore.New(ctx, table)
	if err != nil {
		return err
	}

	cfg := osbackfill.Config{
		WindowSize:    pickInt(opts.window, config.Int(envWindow, 0)),
		ProgressEvery: pickInt(opts.progress, config.Int(envProgress, 0)),
		Source:        reader,
		Store:         store,
	}

	if perSec := pickFloat(opts.ratePerS, config.Float(envRate, 0)); perSec > 0 {
		cfg.RateLimit = rate.NewLimiter(rate.Limit(perSec), 1)
	}

	if auditPath := firstNonEmpty(opts.auditDB, config.String(envAuditPath, "")); auditPath != "" {
		sink, err := audit.Open(auditPath, fmt.Sprintf("run-%d", time.Now().Unix()))
		if err != nil {
			return err
		}
		defer sink.Close()
		cfg.Audit = sink
	}

	pipeline, err := osbackfill.NewPipeline(cfg)
	if err != nil {
		return err
	}

	log.Info().
		Str("file", path).
		Str("table", table).
		Msg("starting device OS backfill")

	summary, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}

	// Per-record failures are part of a completed run; the exit code stays 0.
	log.Info().
		Int64("processed", summary.Processed).
		Int64("updated", summary.Updated).
		Int64("failed", summary.Failed).
		Int64("skipped_invalid", summary.SkippedInvalid).
		Int64("skipped_no_os_match", summary.SkippedNoOSMatch).
		Int64("skipped_duplicate", summary.SkippedDuplicate).
		Int64("distinct_devices", summary.DistinctDevices).
		Dur("elapsed", summary.Elapsed).
		Msg("backfill complete")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func pickInt(values ...int) int {
	for _, val := range values {
		if val > 0 {
			return val
		}
	}
	return 0
}

func pickFloat(values ...float64) float64 {
	for _, val := range values {
		if val > 0 {
			return val
		}
	}
	return 0
}
