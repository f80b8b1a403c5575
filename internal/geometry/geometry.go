// Package geometry maps a contribution's time, author lane and reply depth
// to a stable point on an expanding helix: time runs up the Y axis, authors
// are spread around it by angle, and deep reply chains are pushed outward.
package geometry

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

var ErrNonFinite = errors.New("non-finite coordinate input")

// Params fixes the helix shape for one room. Two replicas holding equal
// Params compute identical positions for equal inputs.
type Params struct {
	// Origin anchors elapsed time; it rides the room-created event so
	// every replica derives the same value.
	Origin     time.Time `json:"origin"`
	TotalLanes int       `json:"totalLanes"`
	// TimeScale is Y units per elapsed second.
	TimeScale float64 `json:"timeScale"`
	// BaseRadius is the spine radius at the origin instant.
	BaseRadius float64 `json:"baseRadius"`
	// Growth widens the spine per elapsed second so same-angle
	// contributions from different eras stay separable.
	Growth float64 `json:"growth"`
	// DepthStep pushes each level of reply depth outward from the spine.
	DepthStep float64 `json:"depthStep"`
	// TurnRate is radians of time angle per elapsed second.
	TurnRate float64 `json:"turnRate"`
}

func (p Params) validate() error {
	if p.TotalLanes <= 0 {
		return fmt.Errorf("total lanes must be positive, got %d", p.TotalLanes)
	}
	for _, v := range []float64{p.TimeScale, p.BaseRadius, p.Growth, p.DepthStep, p.TurnRate} {
		if !isFinite(v) {
			return ErrNonFinite
		}
	}
	return nil
}

// Position computes the helix coordinate for one contribution. Pure and
// deterministic: equal inputs always yield an equal Vec3.
func Position(p Params, timestamp time.Time, authorLane, threadDepth int) (Vec3, error) {
	if err := p.validate(); err != nil {
		return Vec3{}, err
	}
	if authorLane < 0 || threadDepth < 0 {
		return Vec3{}, fmt.Errorf("lane and depth must be non-negative, got lane=%d depth=%d", authorLane, threadDepth)
	}

	elapsed := timestamp.Sub(p.Origin).Seconds()
	if !isFinite(elapsed) {
		return Vec3{}, ErrNonFinite
	}

	angle := timeAngle(p, elapsed) + authorAngle(authorLane, p.TotalLanes)
	radius := p.BaseRadius + p.Growth*elapsed + p.DepthStep*float64(threadDepth)

	v := Vec3{
		X: radius * math.Cos(angle),
		Y: elapsed * p.TimeScale,
		Z: radius * math.Sin(angle),
	}
	if !isFinite(v.X) || !isFinite(v.Y) || !isFinite(v.Z) {
		return Vec3{}, ErrNonFinite
	}
	return v, nil
}

// timeAngle advances continuously with elapsed time so the structure reads
// as a helix rather than a static ring of lanes.
func timeAngle(p Params, elapsed float64) float64 {
	return p.TurnRate * elapsed
}

// authorAngle spaces lanes evenly around the axis. Lanes beyond TotalLanes
// wrap rather than fail, since lane counts can grow after a room fills.
func authorAngle(lane, totalLanes int) float64 {
	return 2 * math.Pi * float64(lane%totalLanes) / float64(totalLanes)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
