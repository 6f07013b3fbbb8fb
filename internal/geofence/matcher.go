package geofence

import (
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
)

// Locate returns the first zone whose polygon contains the point, or nil if
// no zone does. Zones are scanned in the caller-supplied order and the first
// match wins; overlaps are not resolved by risk. Containment uses the
// ray-casting test on the exterior ring, so behavior is undefined for points
// exactly on a boundary and for self-intersecting polygons. The linear scan
// is O(zones x edges), which is fine at the tens-of-zones scale this engine
// sees; callers depend only on the (*Zone, nil-on-miss) contract, so a
// spatial index can replace the scan without an API change.
func Locate(lat, lon float64, zones []Zone) *Zone {
	point := geom.Coord{lon, lat}
	for i := range zones {
		z := &zones[i]
		if z.Polygon == nil || z.Polygon.NumLinearRings() == 0 {
			continue
		}
		ring := z.Polygon.LinearRing(0)
		if xy.IsPointInRing(z.Polygon.Layout(), point, ring.FlatCoords()) {
			return z
		}
	}
	return nil
}
