// Package geofence holds the risk-zone model, the point-in-polygon matcher,
// and the evaluator that raises zone-entry alerts.
package geofence

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"gopkg.in/yaml.v3"
)

// RiskLevel grades a zone.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Zone is a named polygonal region with an associated risk level. Zones are
// immutable once decoded; a refresh replaces the whole set.
type Zone struct {
	ID          string
	Name        string
	RiskLevel   RiskLevel
	Description string
	AlertNotes  []string

	// Polygon is stored XY (lon, lat). The wire format carries vertices as
	// (lat, lon) pairs; decoding swaps them.
	Polygon *geom.Polygon
}

// zoneWire is the shape the zones endpoint and the bundled zones file carry.
type zoneWire struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Polygon     [][2]float64 `json:"polygon" yaml:"polygon"` // [lat, lon] vertices
	RiskLevel   RiskLevel    `json:"risk_level" yaml:"risk_level"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	AlertNotes  []string     `json:"alert_notes,omitempty" yaml:"alert_notes,omitempty"`
}

// NewZone builds a Zone from (lat, lon) vertices. The ring may be open; it is
// closed automatically. At least 3 distinct vertices are required.
func NewZone(id, name string, risk RiskLevel, vertices [][2]float64) (Zone, error) {
	if !risk.valid() {
		return Zone{}, eris.Errorf("geofence: zone %s: invalid risk level %q", id, risk)
	}
	if len(vertices) < 3 {
		return Zone{}, eris.Errorf("geofence: zone %s: polygon needs at least 3 vertices, got %d", id, len(vertices))
	}

	ring := make([]geom.Coord, 0, len(vertices)+1)
	for _, v := range vertices {
		ring = append(ring, geom.Coord{v[1], v[0]}) // (lat, lon) -> (x=lon, y=lat)
	}
	if !ring[0].Equal(geom.XY, ring[len(ring)-1]) {
		ring = append(ring, ring[0])
	}

	poly, err := geom.NewPolygon(geom.XY).SetCoords([][]geom.Coord{ring})
	if err != nil {
		return Zone{}, eris.Wrapf(err, "geofence: zone %s: build polygon", id)
	}

	return Zone{
		ID:        id,
		Name:      name,
		RiskLevel: risk,
		Polygon:   poly,
	}, nil
}

func fromWire(w zoneWire) (Zone, error) {
	z, err := NewZone(w.ID, w.Name, w.RiskLevel, w.Polygon)
	if err != nil {
		return Zone{}, err
	}
	z.Description = w.Description
	z.AlertNotes = w.AlertNotes
	return z, nil
}

// ParseZones decodes the JSON array returned by the zones endpoint.
// Malformed zone data is a permanent input failure, surfaced immediately.
func ParseZones(data []byte) ([]Zone, error) {
	var wire []zoneWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, eris.Wrap(err, "geofence: decode zones")
	}
	zones := make([]Zone, 0, len(wire))
	for _, w := range wire {
		z, err := fromWire(w)
		if err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	return zones, nil
}

// LoadZonesFile reads zones from a bundled YAML file, the last-resort source
// when neither the backend nor its static mirror is reachable.
func LoadZonesFile(path string) ([]Zone, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geofence: read zones file %s", path)
	}
	var wire []zoneWire
	if err := yaml.Unmarshal(data, &wire); err != nil {
		return nil, eris.Wrapf(err, "geofence: decode zones file %s", path)
	}
	zones := make([]Zone, 0, len(wire))
	for _, w := range wire {
		z, err := fromWire(w)
		if err != nil {
			return nil, err
		}
		zones = append(zones, z)
	}
	return zones, nil
}
