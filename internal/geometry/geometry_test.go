package geometry

import (
	"math"
	"testing"
	"time"
)

func testParams() Params {
	return Params{
		Origin:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		TotalLanes: 4,
		TimeScale:  0.5,
		BaseRadius: 4.0,
		Growth:     0.02,
		DepthStep:  1.5,
		TurnRate:   0.1,
	}
}

func TestPositionDeterministic(t *testing.T) {
	p := testParams()
	ts := p.Origin.Add(42 * time.Second)

	first, err := Position(p, ts, 2, 3)
	if err != nil {
		t.Fatalf("Position failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Position(p, ts, 2, 3)
		if err != nil {
			t.Fatalf("Position failed on repeat %d: %v", i, err)
		}
		if again != first {
			t.Fatalf("repeat %d diverged: %+v != %+v", i, again, first)
		}
	}
}

func TestPositionMonotonicTimeAxis(t *testing.T) {
	p := testParams()
	prev := math.Inf(-1)
	for s := 0; s < 300; s += 7 {
		v, err := Position(p, p.Origin.Add(time.Duration(s)*time.Second), 1, 0)
		if err != nil {
			t.Fatalf("Position at %ds failed: %v", s, err)
		}
		if v.Y <= prev && s > 0 {
			t.Fatalf("Y not monotonic at %ds: %f <= %f", s, v.Y, prev)
		}
		prev = v.Y
	}
}

func TestPositionRadiusGrowsWithTime(t *testing.T) {
	p := testParams()
	early, err := Position(p, p.Origin.Add(10*time.Second), 0, 0)
	if err != nil {
		t.Fatalf("Position failed: %v", err)
	}
	late, err := Position(p, p.Origin.Add(1000*time.Second), 0, 0)
	if err != nil {
		t.Fatalf("Position failed: %v", err)
	}
	if radius(late) <= radius(early) {
		t.Fatalf("radius did not grow: %f <= %f", radius(late), radius(early))
	}
}

func TestPositionDepthPushesOutward(t *testing.T) {
	p := testParams()
	ts := p.Origin.Add(30 * time.Second)
	spine, err := Position(p, ts, 1, 0)
	if err != nil {
		t.Fatalf("Position failed: %v", err)
	}
	deep, err := Position(p, ts, 1, 5)
	if err != nil {
		t.Fatalf("Position failed: %v", err)
	}
	if radius(deep) <= radius(spine) {
		t.Fatalf("depth did not push outward: %f <= %f", radius(deep), radius(spine))
	}
	if deep.Y != spine.Y {
		t.Fatalf("depth changed time axis: %f != %f", deep.Y, spine.Y)
	}
}

func TestPositionLanesSpreadAngles(t *testing.T) {
	p := testParams()
	ts := p.Origin.Add(time.Second)
	a, _ := Position(p, ts, 0, 0)
	b, _ := Position(p, ts, 2, 0)
	// Lanes 0 and 2 of 4 sit opposite each other.
	if math.Abs(a.X+b.X) > 1e-9 || math.Abs(a.Z+b.Z) > 1e-9 {
		t.Fatalf("opposite lanes not mirrored: %+v vs %+v", a, b)
	}
}

func TestPositionLaneWraps(t *testing.T) {
	p := testParams()
	ts := p.Origin.Add(time.Second)
	a, err := Position(p, ts, 1, 0)
	if err != nil {
		t.Fatalf("Position failed: %v", err)
	}
	b, err := Position(p, ts, 5, 0)
	if err != nil {
		t.Fatalf("Position failed: %v", err)
	}
	if a != b {
		t.Fatalf("lane 5 of 4 should wrap to lane 1: %+v != %+v", a, b)
	}
}

func TestPositionRejectsMalformedInput(t *testing.T) {
	p := testParams()
	ts := p.Origin.Add(time.Second)

	bad := p
	bad.TimeScale = math.NaN()
	if _, err := Position(bad, ts, 0, 0); err == nil {
		t.Error("expected error for NaN time scale")
	}

	bad = p
	bad.Growth = math.Inf(1)
	if _, err := Position(bad, ts, 0, 0); err == nil {
		t.Error("expected error for infinite growth")
	}

	bad = p
	bad.TotalLanes = 0
	if _, err := Position(bad, ts, 0, 0); err == nil {
		t.Error("expected error for zero lanes")
	}

	if _, err := Position(p, ts, -1, 0); err == nil {
		t.Error("expected error for negative lane")
	}
	if _, err := Position(p, ts, 0, -2); err == nil {
		t.Error("expected error for negative depth")
	}
}

func radius(v Vec3) float64 {
	return math.Hypot(v.X, v.Z)
}
