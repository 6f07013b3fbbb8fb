package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/guardtrail/sentinel/internal/device"
	"github.com/guardtrail/sentinel/internal/dispatch"
	"github.com/guardtrail/sentinel/internal/engine"
)

var (
	sosLat     float64
	sosLon     float64
	sosType    string
	sosMessage string
)

var sosCmd = &cobra.Command{
	Use:   "sos",
	Short: "Dispatch a one-off SOS alert",
	Long:  "Sends an SOS to the response center. If the backend is unreachable the alert is queued durably and replayed by the next run of the agent.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("sos"); err != nil {
			return err
		}

		eng, err := engine.New(ctx, engine.Options{
			Config:   cfg,
			Location: device.FixedLocation{Lat: sosLat, Lon: sosLon},
			Notifier: device.LogNotifier{},
			Dialer:   device.LogDialer{},
		})
		if err != nil {
			return err
		}
		defer eng.Close()

		rec, err := eng.SOS(ctx, dispatch.AlertType(sosType), sosMessage)
		if err != nil {
			return err
		}

		fmt.Printf("alert %s: %s\n", rec.ID, rec.Status)
		return nil
	},
}

func init() {
	sosCmd.Flags().Float64Var(&sosLat, "lat", 0, "alert latitude")
	sosCmd.Flags().Float64Var(&sosLon, "lon", 0, "alert longitude")
	sosCmd.Flags().StringVar(&sosType, "type", string(dispatch.TypeManual), "alert trigger: manual, voice, automatic")
	sosCmd.Flags().StringVar(&sosMessage, "message", "", "optional description sent with the alert")
	rootCmd.AddCommand(sosCmd)
}
