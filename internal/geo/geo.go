// Package geo holds geometry helpers over the normalized [0,1] map
// coordinate space. All distances and lengths here are normalized units;
// conversion to pixels or world meters happens at consumption time, never
// on the wire.
package geo

import (
	"errors"
	"math"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/link18/tacsync/internal/model"
)

// ErrDegenerateRunway is returned when runway endpoints collapse to a point.
var ErrDegenerateRunway = errors.New("degenerate runway endpoints")

// Runway describes a runway derived from its two endpoint coordinates.
type Runway struct {
	Center model.Point
	// AngleDeg is the runway heading in degrees, atan2 convention.
	AngleDeg float64
	// Length is the runway length in normalized units.
	Length float64
}

// RunwayFromEndpoints derives center, heading and length from the runway
// start/end points the telemetry source reports.
func RunwayFromEndpoints(sx, sy, ex, ey float64) (Runway, error) {
	if math.IsNaN(sx) || math.IsNaN(sy) || math.IsNaN(ex) || math.IsNaN(ey) {
		return Runway{}, ErrDegenerateRunway
	}

	start := geom.XY{X: sx, Y: sy}
	end := geom.XY{X: ex, Y: ey}
	span := end.Sub(start)
	length := span.Length()
	if length == 0 {
		return Runway{}, ErrDegenerateRunway
	}

	return Runway{
		Center:   model.Point{X: (sx + ex) / 2, Y: (sy + ey) / 2},
		AngleDeg: math.Atan2(ey-sy, ex-sx) * 180 / math.Pi,
		Length:   length,
	}, nil
}

// Distance returns the normalized-space distance between two points.
func Distance(a, b model.Point) float64 {
	return geom.XY{X: b.X, Y: b.Y}.Sub(geom.XY{X: a.X, Y: a.Y}).Length()
}

// Near reports whether two points lie within eps of each other. Used to
// dedup airfields observed by multiple instances at slightly different
// coordinates.
func Near(a, b model.Point, eps float64) bool {
	return Distance(a, b) < eps
}
