// Package engine is the composition root. It wires storage, the offline
// action queue, the alert dispatcher, the zone evaluator, and the realtime
// feed into one handle the command layer drives. There is no package-level
// singleton; callers own the Engine they build.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/guardtrail/sentinel/internal/config"
	"github.com/guardtrail/sentinel/internal/device"
	"github.com/guardtrail/sentinel/internal/dispatch"
	"github.com/guardtrail/sentinel/internal/fetch"
	"github.com/guardtrail/sentinel/internal/geofence"
	"github.com/guardtrail/sentinel/internal/queue"
	"github.com/guardtrail/sentinel/internal/storage"
	"github.com/guardtrail/sentinel/internal/stream"
	"github.com/guardtrail/sentinel/pkg/safetyapi"
)

// EventZoneUpdate is the feed frame type carrying a refreshed zone set.
const EventZoneUpdate = "zone_update"

// Options configures an Engine. Nil fields select the production
// implementation; tests inject fakes.
type Options struct {
	Config *config.Config

	// KV defaults to sqlite at Config.Storage.Path.
	KV storage.KV
	// Sender defaults to the HTTP backend client at Config.Backend.BaseURL.
	Sender dispatch.SOSSender
	// StreamDial defaults to the websocket dialer.
	StreamDial stream.DialFunc

	Location device.LocationProvider
	Notifier device.Notifier
	Dialer   device.Dialer
}

// Engine owns the long-lived pieces of the safety pipeline.
type Engine struct {
	cfg *config.Config

	kv         storage.KV
	ownsKV     bool
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	evaluator  *geofence.Evaluator
	stream     *stream.Client
	gateway    *fetch.Gateway

	online atomic.Bool
}

// New wires an Engine from Options. The queue is loaded from storage before
// New returns, so pending actions survive a restart.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config

	e := &Engine{cfg: cfg}

	e.kv = opts.KV
	if e.kv == nil {
		kv, err := storage.NewSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, eris.Wrap(err, "engine: open storage")
		}
		e.kv = kv
		e.ownsKV = true
	}

	q, err := queue.New(ctx, e.kv, e.Online)
	if err != nil {
		if e.ownsKV {
			e.kv.Close() //nolint:errcheck
		}
		return nil, eris.Wrap(err, "engine: load queue")
	}
	e.queue = q

	timeout := time.Duration(cfg.Backend.TimeoutSecs) * time.Second
	sender := opts.Sender
	if sender == nil {
		sender = safetyapi.New(cfg.Backend.BaseURL, timeout)
	}

	e.evaluator = geofence.NewEvaluator(ctx, nil, opts.Notifier, e.kv)
	e.dispatcher = dispatch.New(dispatch.Options{
		SubjectID:       cfg.SOS.SubjectID,
		EmergencyNumber: cfg.SOS.EmergencyNumber,
		DeliveryTimeout: timeout,
		MaxRetries:      cfg.Queue.MaxRetries,
	}, sender, opts.Location, opts.Notifier, opts.Dialer, q)

	e.gateway = fetch.NewGateway(timeout, nil)

	e.stream = stream.New(stream.Options{
		URL:         cfg.Stream.URL,
		BaseBackoff: time.Duration(cfg.Stream.BaseBackoffSecs) * time.Second,
		MaxBackoff:  time.Duration(cfg.Stream.MaxBackoffSecs) * time.Second,
		Dial:        opts.StreamDial,
	})
	e.stream.Subscribe(e.handleEvent)
	e.stream.OnStatus(func(s stream.State) {
		e.SetOnline(context.Background(), s == stream.StateOpen)
	})

	return e, nil
}

// Start connects the realtime feed. Non-blocking.
func (e *Engine) Start(ctx context.Context) {
	e.stream.Connect(ctx)
}

// Close disconnects the feed and releases storage owned by the engine.
func (e *Engine) Close() error {
	e.stream.Disconnect()
	if e.ownsKV {
		return e.kv.Close()
	}
	return nil
}

// Online reports the current connectivity belief.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// SetOnline records a connectivity change. The offline-to-online transition
// replays the queued alerts.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	was := e.online.Swap(online)
	if !online || was {
		return
	}
	zap.L().Info("engine: connectivity restored, draining queue")
	if _, err := e.dispatcher.DrainQueued(ctx); err != nil {
		zap.L().Warn("engine: drain after reconnect failed", zap.Error(err))
	}
}

// Observe feeds one location sample to the zone evaluator and returns the
// matched zone, nil when outside every zone.
func (e *Engine) Observe(ctx context.Context, sample device.Location) *geofence.Zone {
	return e.evaluator.Observe(ctx, sample)
}

// SOS dispatches an alert through the queue-backed pipeline.
func (e *Engine) SOS(ctx context.Context, alertType dispatch.AlertType, description string) (*dispatch.AlertRecord, error) {
	return e.dispatcher.Initiate(ctx, alertType, description)
}

// CurrentZone returns the zone the evaluator currently places the subject in.
func (e *Engine) CurrentZone() *geofence.Zone {
	return e.evaluator.Current()
}

// RefreshZones replaces the active zone set. Sources are tried in order:
// primary URL, fallback URL, then the local YAML file. It returns the number
// of zones loaded.
func (e *Engine) RefreshZones(ctx context.Context) (int, error) {
	zones, err := e.fetchZones(ctx)
	if err != nil {
		return 0, err
	}
	e.evaluator.SetZones(zones)
	return len(zones), nil
}

func (e *Engine) fetchZones(ctx context.Context) ([]geofence.Zone, error) {
	primary := e.cfg.Zones.PrimaryURL
	if primary != "" {
		fallback := e.cfg.Zones.FallbackURL
		if fallback == "" {
			fallback = primary
		}
		data, err := e.gateway.FetchWithFallback(ctx, primary, fallback)
		if err == nil {
			return geofence.ParseZones(data)
		}
		zap.L().Warn("engine: remote zone sources failed", zap.Error(err))
	}

	if e.cfg.Zones.LocalFile == "" {
		return nil, eris.New("engine: no zone source available")
	}
	return geofence.LoadZonesFile(e.cfg.Zones.LocalFile)
}

// handleEvent routes feed frames. Zone updates replace the active set;
// anything else is a UI concern and only logged here.
func (e *Engine) handleEvent(ev stream.Event) {
	switch ev.Type {
	case EventZoneUpdate:
		zones, err := geofence.ParseZones(ev.Payload)
		if err != nil {
			zap.L().Warn("engine: malformed zone update", zap.Error(err))
			return
		}
		e.evaluator.SetZones(zones)
		zap.L().Info("engine: zone set updated from feed", zap.Int("zones", len(zones)))
	default:
		zap.L().Debug("engine: feed event", zap.String("type", ev.Type))
	}
}
