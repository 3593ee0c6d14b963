package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tournevent/shipsync/internal/domain"
	"github.com/tournevent/shipsync/internal/server"
	"github.com/tournevent/shipsync/internal/store"
	"github.com/tournevent/shipsync/internal/tracking"
	"go.uber.org/zap"
)

var version = "0.0.1"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "shipsync",
	Short:   "Shipment lifecycle service for the MyFlyingBox carrier aggregation API",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and webhook endpoint",
	RunE:  runServe,
}

var syncCmd = &cobra.Command{
	Use:   "sync-tracking",
	Short: "Poll the carrier API for tracking updates of active shipments",
	RunE:  runSync,
}

var syncFlags struct {
	orderRef    string
	days        int
	statuses    []string
	dryRun      bool
	concurrency int
}

func init() {
	syncCmd.Flags().StringVar(&syncFlags.orderRef, "order-ref", "", "only sync shipments of this order")
	syncCmd.Flags().IntVar(&syncFlags.days, "days", 30, "only sync shipments created in the last N days (0 for all)")
	syncCmd.Flags().StringSliceVar(&syncFlags.statuses, "status", nil, "statuses to sync (default booked,shipped)")
	syncCmd.Flags().BoolVar(&syncFlags.dryRun, "dry-run", false, "list the shipments that would be synced")
	syncCmd.Flags().IntVar(&syncFlags.concurrency, "concurrency", 0, "parallel API calls (default SYNC_CONCURRENCY)")

	rootCmd.AddCommand(serveCmd, syncCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	a.logger.Info("Starting shipsync",
		zap.Int("port", a.cfg.Port),
		zap.String("version", a.cfg.Version),
		zap.Bool("mock_api", a.cfg.APIUseMock),
		zap.Bool("webhooks", a.cfg.Webhooks),
	)

	srv := server.New(server.Config{Port: a.cfg.Port}, a.serverDeps(), a.logger, a.metrics)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	filter := store.ShipmentFilter{OrderRef: syncFlags.orderRef}
	if syncFlags.days > 0 {
		filter.CreatedAfter = tracking.CreatedSince(time.Now(), syncFlags.days)
	}
	for _, s := range syncFlags.statuses {
		st := domain.Status(s)
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
		filter.Statuses = append(filter.Statuses, st)
	}

	concurrency := syncFlags.concurrency
	if concurrency < 1 {
		concurrency = a.cfg.SyncConcurrency
	}

	report, err := a.tracking.SyncAll(ctx, tracking.SyncOptions{
		Filter:      filter,
		Concurrency: concurrency,
		DryRun:      syncFlags.dryRun,
	})
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d shipments failed to sync (%d retryable)", report.Failed, report.Total, report.Retryable)
	}
	return nil
}
