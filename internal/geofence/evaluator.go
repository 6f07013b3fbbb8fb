package geofence

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/guardtrail/sentinel/internal/device"
	"github.com/guardtrail/sentinel/internal/storage"
)

// checkpointKey stores the ID of the zone the device was last seen in, so a
// restart does not re-alert for the zone the user is already inside.
const checkpointKey = "geofence:last_zone"

// Evaluator tracks which zone currently contains the device and raises a
// notification on each transition into a high-risk zone. Alerts fire once
// per entry: staying inside is silent, leaving and re-entering alerts again.
type Evaluator struct {
	notifier device.Notifier
	kv       storage.KV

	mu      sync.Mutex
	zones   []Zone
	current *Zone
	// lastID mirrors the persisted checkpoint. It survives zone-set swaps
	// so a checkpoint restored before the zones arrive (the engine builds
	// the evaluator empty and feeds zones later) still resolves.
	lastID string
}

// NewEvaluator builds an evaluator over the given zone set. If kv holds a
// checkpoint from a previous session, the matching zone is restored as the
// current zone; with an empty zone set the checkpoint is held until SetZones
// supplies one.
func NewEvaluator(ctx context.Context, zones []Zone, notifier device.Notifier, kv storage.KV) *Evaluator {
	e := &Evaluator{notifier: notifier, kv: kv, zones: zones}

	if kv != nil {
		if id, ok, err := kv.Get(ctx, checkpointKey); err == nil && ok {
			e.lastID = id
			for i := range e.zones {
				if e.zones[i].ID == id {
					e.current = &e.zones[i]
					break
				}
			}
		}
	}
	return e
}

// SetZones replaces the zone set wholesale, as on a refresh from the backend.
// The current zone is re-resolved against the new set from the last known
// zone ID, which is the restored checkpoint when no sample has been observed
// yet this session.
func (e *Evaluator) SetZones(zones []Zone) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.zones = zones
	e.current = nil
	if e.lastID == "" {
		return
	}
	for i := range e.zones {
		if e.zones[i].ID == e.lastID {
			e.current = &e.zones[i]
			break
		}
	}
}

// Current returns the zone the device was last observed in, or nil.
func (e *Evaluator) Current() *Zone {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Observe runs the matcher on a location sample and updates the current
// zone. Entering a high-risk zone raises the zone alert through the
// notifier. Returns the zone now containing the device, or nil.
func (e *Evaluator) Observe(ctx context.Context, sample device.Location) *Zone {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := Locate(sample.Lat, sample.Lon, e.zones)
	if sameZone(e.current, next) {
		return next
	}

	e.current = next
	e.checkpoint(ctx, next)

	if next != nil && next.RiskLevel == RiskHigh {
		e.notifier.Notify(
			"High-risk zone: "+next.Name,
			zoneAlertBody(next),
			map[string]any{"zone_id": next.ID, "risk_level": string(next.RiskLevel)},
		)
		zap.L().Info("geofence: entered high-risk zone",
			zap.String("zone_id", next.ID),
			zap.String("zone", next.Name),
		)
	}
	return next
}

func (e *Evaluator) checkpoint(ctx context.Context, z *Zone) {
	id := ""
	if z != nil {
		id = z.ID
	}
	e.lastID = id
	if e.kv == nil {
		return
	}
	if err := e.kv.Set(ctx, checkpointKey, id); err != nil {
		// Advisory state only; the alert itself already fired.
		zap.L().Warn("geofence: checkpoint save failed", zap.Error(err))
	}
}

func sameZone(a, b *Zone) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID
}

func zoneAlertBody(z *Zone) string {
	body := "You have entered a high-risk area."
	if z.Description != "" {
		body = z.Description
	}
	if len(z.AlertNotes) > 0 {
		body += " " + strings.Join(z.AlertNotes, " ")
	}
	return body
}
