package device

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// FixedLocation is a LocationProvider that always returns the same position.
// Used by the CLI harness where no GPS is available.
type FixedLocation struct {
	Lat float64
	Lon float64
}

func (f FixedLocation) Current(_ context.Context) (Location, error) {
	return Location{Lat: f.Lat, Lon: f.Lon, Timestamp: time.Now().UTC()}, nil
}

// LogNotifier writes notifications to the process log instead of the
// platform notification tray.
type LogNotifier struct{}

func (LogNotifier) Notify(title, body string, data map[string]any) {
	zap.L().Info("notification",
		zap.String("title", title),
		zap.String("body", body),
		zap.Any("data", data),
	)
}

// LogDialer logs the dial intent instead of placing a call.
type LogDialer struct{}

func (LogDialer) Dial(number string) error {
	zap.L().Warn("emergency dial requested", zap.String("number", number))
	return nil
}
