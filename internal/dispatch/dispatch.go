// Package dispatch implements the SOS pipeline: build an alert record,
// attempt immediate delivery, and fall back to the durable action queue when
// the network is unavailable. Network failure is recovered locally and never
// surfaced as a hard error; only a missing location fix is terminal.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/guardtrail/sentinel/internal/device"
	"github.com/guardtrail/sentinel/internal/queue"
	"github.com/guardtrail/sentinel/pkg/safetyapi"
)

// ActionTypeSOS is the queue discriminator for deferred SOS deliveries.
const ActionTypeSOS = "sos"

// AlertStatus is the delivery state of an alert record. The dispatcher owns
// all transitions; consumers only read.
type AlertStatus string

const (
	StatusPending AlertStatus = "pending"
	StatusSent    AlertStatus = "sent"
	StatusQueued  AlertStatus = "queued"
	StatusFailed  AlertStatus = "failed"
)

// AlertType says how the SOS was triggered.
type AlertType string

const (
	TypeManual    AlertType = "manual"
	TypeVoice     AlertType = "voice"
	TypeAutomatic AlertType = "automatic"
)

// AlertRecord is one SOS alert. The ID is client-generated and globally
// unique so the backend can deduplicate replays.
type AlertRecord struct {
	ID          string          `json:"id"`
	SubjectID   string          `json:"subject_id"`
	Location    device.Location `json:"location"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      AlertStatus     `json:"status"`
	Type        AlertType       `json:"type"`
	Description string          `json:"description,omitempty"`
}

func (r *AlertRecord) wire() safetyapi.SOSRequest {
	return safetyapi.SOSRequest{
		AlertID:   r.ID,
		SubjectID: r.SubjectID,
		Lat:       r.Location.Lat,
		Lng:       r.Location.Lon,
		Timestamp: r.Timestamp,
		Source:    string(r.Type),
	}
}

// SOSSender delivers one alert to the backend. Satisfied by
// *safetyapi.Client.
type SOSSender interface {
	PostSOS(ctx context.Context, req safetyapi.SOSRequest) error
}

// Options configures a Dispatcher.
type Options struct {
	SubjectID       string
	EmergencyNumber string
	// DeliveryTimeout bounds each network attempt. <= 0 selects
	// safetyapi.DefaultTimeout.
	DeliveryTimeout time.Duration
	// MaxRetries is the replay budget for queued alerts. <= 0 selects
	// queue.DefaultMaxRetries.
	MaxRetries int
}

// Dispatcher runs the SOS pipeline.
type Dispatcher struct {
	opts     Options
	sender   SOSSender
	location device.LocationProvider
	notifier device.Notifier
	dialer   device.Dialer
	queue    *queue.Queue
}

// New wires a dispatcher and registers its replay handler on the queue.
func New(opts Options, sender SOSSender, loc device.LocationProvider, notifier device.Notifier, dialer device.Dialer, q *queue.Queue) *Dispatcher {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = safetyapi.DefaultTimeout
	}
	d := &Dispatcher{
		opts:     opts,
		sender:   sender,
		location: loc,
		notifier: notifier,
		dialer:   dialer,
		queue:    q,
	}
	q.Register(ActionTypeSOS, d.replay)
	return d
}

// Initiate triggers one SOS. The returned error is non-nil only when the
// device location cannot be obtained — the single terminal path, for which
// the user is pointed at the manual fallback channel. Every network outcome,
// including timeout and cancellation, resolves to a sent or queued record.
func (d *Dispatcher) Initiate(ctx context.Context, alertType AlertType, description string) (*AlertRecord, error) {
	loc, err := d.location.Current(ctx)
	if err != nil {
		d.notifier.Notify(
			"SOS failed",
			fmt.Sprintf("Could not determine your location. Dial %s directly.", d.opts.EmergencyNumber),
			nil,
		)
		zap.L().Error("dispatch: location unavailable", zap.Error(err))
		return nil, eris.Wrap(err, "dispatch: acquire location")
	}

	rec := &AlertRecord{
		ID:          newAlertID(),
		SubjectID:   d.opts.SubjectID,
		Location:    loc,
		Timestamp:   time.Now().UTC(),
		Status:      StatusPending,
		Type:        alertType,
		Description: description,
	}

	deliverCtx, cancel := context.WithTimeout(ctx, d.opts.DeliveryTimeout)
	defer cancel()

	deliverErr := d.sender.PostSOS(deliverCtx, rec.wire())
	if deliverErr == nil {
		rec.Status = StatusSent
		d.notifier.Notify("SOS sent", "Your emergency alert reached the response center.",
			map[string]any{"alert_id": rec.ID})
		zap.L().Info("dispatch: sos delivered", zap.String("alert_id", rec.ID))
		d.dialEmergency(rec)
		return rec, nil
	}
	zap.L().Warn("dispatch: sos delivery failed, queuing",
		zap.String("alert_id", rec.ID),
		zap.Error(deliverErr),
	)

	// Queue on any non-confirmed outcome. Persist even if the caller's
	// context is already torn down: a partially-sent SOS must end up queued,
	// never lost.
	rec.Status = StatusQueued
	if qerr := d.queue.Enqueue(context.WithoutCancel(ctx), ActionTypeSOS, rec, d.opts.MaxRetries); qerr != nil {
		rec.Status = StatusFailed
		d.notifier.Notify("SOS not sent",
			fmt.Sprintf("The alert could not be saved for retry. Dial %s directly.", d.opts.EmergencyNumber),
			map[string]any{"alert_id": rec.ID})
		zap.L().Error("dispatch: enqueue failed", zap.String("alert_id", rec.ID), zap.Error(qerr))
		d.dialEmergency(rec)
		return rec, nil
	}

	d.notifier.Notify("SOS queued",
		"No connection right now. The alert is saved and will be retried automatically.",
		map[string]any{"alert_id": rec.ID})
	// The direct-dial fallback must not depend on the network.
	d.dialEmergency(rec)
	return rec, nil
}

// DrainQueued replays queued alerts in FIFO order, typically on the
// offline-to-online transition, and summarizes the outcome for the user.
func (d *Dispatcher) DrainQueued(ctx context.Context) (queue.DrainResult, error) {
	res, err := d.queue.Drain(ctx)
	if err != nil {
		return res, err
	}
	if res.Executed > 0 {
		d.notifier.Notify("Queued alerts delivered",
			fmt.Sprintf("%d queued alert(s) reached the response center.", res.Executed),
			map[string]any{"delivered": res.Executed})
	}
	if res.Dropped > 0 {
		// Retry exhaustion must be reported, not silently swallowed.
		d.notifier.Notify("Alert delivery gave up",
			fmt.Sprintf("%d alert(s) could not be delivered after repeated retries. Dial %s if you still need help.",
				res.Dropped, d.opts.EmergencyNumber),
			map[string]any{"dropped": res.Dropped})
	}
	return res, nil
}

// replay is the queue handler for deferred SOS deliveries.
func (d *Dispatcher) replay(ctx context.Context, payload json.RawMessage) error {
	var rec AlertRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return eris.Wrap(err, "dispatch: decode queued sos")
	}
	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.DeliveryTimeout)
	defer cancel()
	return d.sender.PostSOS(attemptCtx, rec.wire())
}

func (d *Dispatcher) dialEmergency(rec *AlertRecord) {
	if d.opts.EmergencyNumber == "" {
		return
	}
	if err := d.dialer.Dial(d.opts.EmergencyNumber); err != nil {
		zap.L().Error("dispatch: emergency dial failed",
			zap.String("alert_id", rec.ID),
			zap.Error(err),
		)
	}
}

// newAlertID returns a time-prefixed unique alert ID so records sort by
// trigger time and stay unique across devices.
func newAlertID() string {
	return fmt.Sprintf("sos-%d-%s", time.Now().UTC().UnixMilli(), uuid.New().String()[:8])
}
