// Package device defines the ports through which the engine reaches
// platform integrations: the location fix, local notifications, and the
// phone dialer. The UI layer supplies real implementations; this package
// ships log-backed ones for the CLI harness and tests.
package device

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
)

// ErrLocationUnavailable is returned when permission is denied or the device
// cannot obtain a fix. This is the dispatcher's one terminal failure.
var ErrLocationUnavailable = eris.New("device: location unavailable")

// Location is a single position sample.
type Location struct {
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationProvider yields the current device position.
type LocationProvider interface {
	Current(ctx context.Context) (Location, error)
}

// Notifier delivers a local user-visible notification. Fire-and-forget: no
// delivery guarantee is required and implementations must not block.
type Notifier interface {
	Notify(title, body string, data map[string]any)
}

// Dialer initiates a phone call to the given number.
type Dialer interface {
	Dial(number string) error
}
