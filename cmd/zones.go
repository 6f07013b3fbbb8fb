package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/guardtrail/sentinel/internal/fetch"
	"github.com/guardtrail/sentinel/internal/geofence"
)

var zonesCmd = &cobra.Command{
	Use:   "zones",
	Short: "Fetch and print the active zone set",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("zones"); err != nil {
			return err
		}

		zones, err := loadZones(ctx)
		if err != nil {
			return err
		}

		for _, z := range zones {
			fmt.Printf("%-12s %-8s %s\n", z.ID, z.RiskLevel, z.Name)
		}
		fmt.Printf("%d zone(s)\n", len(zones))
		return nil
	},
}

func loadZones(ctx context.Context) ([]geofence.Zone, error) {
	if cfg.Zones.PrimaryURL != "" {
		fallback := cfg.Zones.FallbackURL
		if fallback == "" {
			fallback = cfg.Zones.PrimaryURL
		}
		gw := fetch.NewGateway(time.Duration(cfg.Backend.TimeoutSecs)*time.Second, nil)
		data, err := gw.FetchWithFallback(ctx, cfg.Zones.PrimaryURL, fallback)
		if err == nil {
			return geofence.ParseZones(data)
		}
		zap.L().Warn("remote zone sources failed, using local file", zap.Error(err))
	}

	return geofence.LoadZonesFile(cfg.Zones.LocalFile)
}

func init() {
	rootCmd.AddCommand(zonesCmd)
}
