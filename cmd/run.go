package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/guardtrail/sentinel/internal/device"
	"github.com/guardtrail/sentinel/internal/engine"
	"github.com/guardtrail/sentinel/pkg/safetyapi"
)

var (
	runLat            float64
	runLon            float64
	runHealthInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the resident safety agent",
	Long:  "Connects the realtime event feed, polls backend health as the connectivity signal, and replays queued alerts when the connection is restored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("run"); err != nil {
			return err
		}

		eng, err := engine.New(ctx, engine.Options{
			Config:   cfg,
			Location: device.FixedLocation{Lat: runLat, Lon: runLon},
			Notifier: device.LogNotifier{},
			Dialer:   device.LogDialer{},
		})
		if err != nil {
			return err
		}
		defer eng.Close()

		if _, err := eng.RefreshZones(ctx); err != nil {
			// The agent still runs without zones; SOS does not depend on them.
			zap.L().Warn("zone refresh failed at startup", zap.Error(err))
		}

		eng.Start(ctx)
		zap.L().Info("agent started",
			zap.String("feed", cfg.Stream.URL),
			zap.String("backend", cfg.Backend.BaseURL),
		)

		api := safetyapi.New(cfg.Backend.BaseURL, time.Duration(cfg.Backend.TimeoutSecs)*time.Second)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return pollHealth(gctx, api, eng, runHealthInterval)
		})
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})

		if err := g.Wait(); err != nil && err != context.Canceled {
			return err
		}
		zap.L().Info("agent stopped")
		return nil
	},
}

// pollHealth drives the engine's connectivity belief from backend health
// probes. The stream state flips it too; whichever notices first wins.
func pollHealth(ctx context.Context, api *safetyapi.Client, eng *engine.Engine, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := api.Health(ctx)
			eng.SetOnline(ctx, err == nil)
			if err != nil {
				zap.L().Debug("health probe failed", zap.Error(err))
			}
		}
	}
}

func init() {
	runCmd.Flags().Float64Var(&runLat, "lat", 0, "fixed latitude reported by the location provider")
	runCmd.Flags().Float64Var(&runLon, "lon", 0, "fixed longitude reported by the location provider")
	runCmd.Flags().DurationVar(&runHealthInterval, "health-interval", 15*time.Second, "backend health probe interval")
	rootCmd.AddCommand(runCmd)
}
