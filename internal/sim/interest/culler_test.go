package interest

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"gridsim.ai/internal/sim/scene"
)

var quiet = log.New(io.Discard, "", 0)

func testRegion(t *testing.T, size float64) *scene.Region {
	t.Helper()
	return scene.NewRegion(scene.Info{ID: uuid.New(), Name: "test", LocX: 1000 * 256, LocY: 1000 * 256, SizeX: size, SizeY: size})
}

func addPresence(t *testing.T, r *scene.Region, pos mgl64.Vec3, dd float64) *scene.Presence {
	t.Helper()
	p := scene.NewPresence(scene.PresenceSpec{Position: pos, DrawDistance: dd})
	if err := r.AddPresence(p); err != nil {
		t.Fatalf("add presence: %v", err)
	}
	return p
}

func addBox(t *testing.T, r *scene.Region, pos, scale mgl64.Vec3) *scene.Group {
	t.Helper()
	g := scene.NewGroup(scene.GroupSpec{Position: pos, Root: scene.PartSpec{Scale: scale}})
	if err := r.AddGroup(g); err != nil {
		t.Fatalf("add group: %v", err)
	}
	return g
}

type fakeLocator struct {
	off   scene.RegionOffset
	err   error
	calls int
}

func (f *fakeLocator) RegionOffset(ctx context.Context, agentID uuid.UUID, locX, locY int) (scene.RegionOffset, error) {
	f.calls++
	return f.off, f.err
}

func TestShowEntityWithinDrawDistance(t *testing.T) {
	r := testRegion(t, 256)
	c := NewCuller(DefaultConfig(), r, nil, quiet)
	viewer := addPresence(t, r, mgl64.Vec3{}, 64)

	near := addPresence(t, r, mgl64.Vec3{50, 0, 0}, 0)
	far := addPresence(t, r, mgl64.Vec3{100, 0, 0}, 0)
	if !c.ShowEntityToClient(viewer, near) {
		t.Fatalf("entity at 50m should be visible at draw distance 64")
	}
	if c.ShowEntityToClient(viewer, far) {
		t.Fatalf("entity at 100m should be culled at draw distance 64")
	}
	edge := addPresence(t, r, mgl64.Vec3{64, 0, 0}, 0)
	if !c.ShowEntityToClient(viewer, edge) {
		t.Fatalf("entity exactly at the draw distance should be visible")
	}
}

func TestDrawDistanceFloor(t *testing.T) {
	r := testRegion(t, 256)
	c := NewCuller(DefaultConfig(), r, nil, quiet)

	viewer := addPresence(t, r, mgl64.Vec3{}, 5)
	if got := EffectiveDrawDistance(viewer); got != MinDrawDistance {
		t.Fatalf("effective draw distance=%v want %v", got, MinDrawDistance)
	}
	if !c.ShowEntityToClient(viewer, addPresence(t, r, mgl64.Vec3{20, 0, 0}, 0)) {
		t.Fatalf("entity at 20m should be visible")
	}
	if c.ShowEntityToClient(viewer, addPresence(t, r, mgl64.Vec3{40, 0, 0}, 0)) {
		t.Fatalf("entity at 40m should be culled")
	}

	short := addPresence(t, r, mgl64.Vec3{}, 10)
	if !c.ShowEntityToClient(short, addPresence(t, r, mgl64.Vec3{31, 0, 0}, 0)) {
		t.Fatalf("draw distance 10 should be raised to 32")
	}
}

func TestCullingDisabledShowsEverything(t *testing.T) {
	r := testRegion(t, 256)
	cfg := DefaultConfig()
	cfg.UseCulling = false
	c := NewCuller(cfg, r, nil, quiet)
	viewer := addPresence(t, r, mgl64.Vec3{}, 0)
	far := addBox(t, r, mgl64.Vec3{250, 250, 0}, mgl64.Vec3{1, 1, 1})
	if !c.ShowEntityToClient(viewer, far) || !c.ShowEntityToClient(viewer, far.RootPart()) {
		t.Fatalf("culling disabled must show every entity")
	}

	cfg = DefaultConfig()
	cfg.UseDistanceBasedCulling = false
	c = NewCuller(cfg, r, nil, quiet)
	if !c.ShowEntityToClient(viewer, far) {
		t.Fatalf("no active criteria should show every entity")
	}
}

func TestWholeRegionInsideDrawDistance(t *testing.T) {
	r := testRegion(t, 64)
	c := NewCuller(DefaultConfig(), r, nil, quiet)
	viewer := addPresence(t, r, mgl64.Vec3{}, 64)
	if !c.ShowEntityToClient(viewer, addPresence(t, r, mgl64.Vec3{500, 500, 0}, 0)) {
		t.Fatalf("draw distance covering the region should skip culling")
	}
}

func TestLargeObjectEdgeVisible(t *testing.T) {
	r := testRegion(t, 256)
	c := NewCuller(DefaultConfig(), r, nil, quiet)
	viewer := addPresence(t, r, mgl64.Vec3{}, 32)

	large := addBox(t, r, mgl64.Vec3{40, 0, 0}, mgl64.Vec3{24, 24, 2})
	small := addBox(t, r, mgl64.Vec3{40, 0, 0}, mgl64.Vec3{2, 2, 2})
	if !c.ShowEntityToClient(viewer, large) {
		t.Fatalf("large box whose near face is in range should be visible")
	}
	if c.ShowEntityToClient(viewer, small) {
		t.Fatalf("small box at the same distance should be culled")
	}

	// Far enough that no sample point reaches the sphere.
	beyond := addBox(t, r, mgl64.Vec3{60, 0, 0}, mgl64.Vec3{24, 24, 2})
	if c.ShowEntityToClient(viewer, beyond) {
		t.Fatalf("large box entirely out of range should be culled")
	}
}

func TestApproximateBoxVisibleEdgeSample(t *testing.T) {
	// Only the (-x,-y) edge midpoint lands inside the sphere.
	center := mgl64.Vec3{30, 30, 0}
	half := mgl64.Vec3{12, 12, 1}
	if !approximateBoxVisible(mgl64.Vec3{}, center, half, 32*32) {
		t.Fatalf("edge sample at (18,18,0) should be inside radius 32")
	}
	if approximateBoxVisible(mgl64.Vec3{}, center, half, 20*20) {
		t.Fatalf("no sample point should be inside radius 20")
	}
	if !isLargeBox(mgl64.Vec3{8, 0, 7}) || isLargeBox(mgl64.Vec3{5, 5, 5}) {
		t.Fatalf("large box threshold mismatch")
	}
}

func TestSittingAndAttachedUseAnchorPosition(t *testing.T) {
	r := testRegion(t, 256)
	c := NewCuller(DefaultConfig(), r, nil, quiet)
	viewer := addPresence(t, r, mgl64.Vec3{}, 32)

	seat := addBox(t, r, mgl64.Vec3{100, 0, 0}, mgl64.Vec3{1, 1, 1})
	sitter := addPresence(t, r, mgl64.Vec3{5, 0, 0}, 0)
	if err := r.Sit(sitter.ID(), seat.RootPart().ID()); err != nil {
		t.Fatalf("sit: %v", err)
	}
	if c.ShowEntityToClient(viewer, sitter) {
		t.Fatalf("sitting presence should be culled at its seat position")
	}

	wearer := addPresence(t, r, mgl64.Vec3{10, 0, 0}, 0)
	hat := addBox(t, r, mgl64.Vec3{200, 0, 0}, mgl64.Vec3{1, 1, 1})
	if err := r.Attach(hat.ID(), wearer.ID(), 2); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !c.ShowEntityToClient(viewer, hat) || !c.ShowEntityToClient(viewer, hat.RootPart()) {
		t.Fatalf("attachment should be culled at its wearer position")
	}
}

func TestTranslateChildPosition(t *testing.T) {
	pos := mgl64.Vec3{10, 20, 5}
	cases := []struct {
		name string
		off  scene.RegionOffset
		want mgl64.Vec3
	}{
		{"none", scene.RegionOffset{}, mgl64.Vec3{10, 20, 5}},
		{"west", scene.RegionOffset{X: -256}, mgl64.Vec3{246, 20, 5}},
		{"south", scene.RegionOffset{Y: -256}, mgl64.Vec3{10, 236, 5}},
		{"adjacent east", scene.RegionOffset{X: 256}, mgl64.Vec3{10, 20, 5}},
		{"beyond east", scene.RegionOffset{X: 512}, mgl64.Vec3{522, 20, 5}},
		{"beyond north", scene.RegionOffset{Y: 512}, mgl64.Vec3{10, 532, 5}},
	}
	for _, tc := range cases {
		if got := translateChildPosition(pos, tc.off, 256, 256); !got.ApproxEqual(tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestChildAgentOffsetIsCached(t *testing.T) {
	r := testRegion(t, 256)
	loc := &fakeLocator{off: scene.RegionOffset{X: -256}}
	c := NewCuller(DefaultConfig(), r, loc, quiet)

	child := scene.NewPresence(scene.PresenceSpec{Position: mgl64.Vec3{10, 128, 0}, DrawDistance: 32, ChildAgent: true})
	if err := r.AddPresence(child); err != nil {
		t.Fatalf("add: %v", err)
	}
	target := addPresence(t, r, mgl64.Vec3{240, 128, 0}, 0)

	for i := 0; i < 3; i++ {
		if !c.ShowEntityToClient(child, target) {
			t.Fatalf("call %d: translated child should see the entity near its edge", i)
		}
	}
	if loc.calls != 1 {
		t.Fatalf("locator calls=%d want 1", loc.calls)
	}

	c.Reset(child)
	c.ShowEntityToClient(child, target)
	if loc.calls != 2 {
		t.Fatalf("locator calls after reset=%d want 2", loc.calls)
	}
}

func TestChildAgentLookupFailureRetries(t *testing.T) {
	r := testRegion(t, 256)
	loc := &fakeLocator{err: errors.New("grid down")}
	c := NewCuller(DefaultConfig(), r, loc, quiet)

	child := scene.NewPresence(scene.PresenceSpec{Position: mgl64.Vec3{10, 128, 0}, DrawDistance: 32, ChildAgent: true})
	_ = r.AddPresence(child)
	near := addPresence(t, r, mgl64.Vec3{20, 128, 0}, 0)
	far := addPresence(t, r, mgl64.Vec3{240, 128, 0}, 0)

	if !c.ShowEntityToClient(child, near) {
		t.Fatalf("local coordinates should still see nearby entities")
	}
	if c.ShowEntityToClient(child, far) {
		t.Fatalf("zero offset should not see across the region")
	}
	if _, ok := child.RegionOffset(); ok {
		t.Fatalf("failed lookup should not be cached")
	}
	if loc.calls != 2 {
		t.Fatalf("locator calls=%d want 2", loc.calls)
	}

	// Once the grid answers, the home region lies west and the far edge is close.
	loc.err = nil
	loc.off = scene.RegionOffset{X: -256}
	if !c.ShowEntityToClient(child, far) {
		t.Fatalf("resolved offset should see the far edge")
	}
	off, ok := child.RegionOffset()
	if !ok || off != loc.off {
		t.Fatalf("offset=%v cached=%v want %v cached", off, ok, loc.off)
	}
	calls := loc.calls
	_ = c.ShowEntityToClient(child, near)
	if loc.calls != calls {
		t.Fatalf("cached offset should not hit the locator again")
	}
}

func TestShowEntityIsIdempotent(t *testing.T) {
	r := testRegion(t, 256)
	c := NewCuller(DefaultConfig(), r, nil, quiet)
	viewer := addPresence(t, r, mgl64.Vec3{}, 32)
	g := addBox(t, r, mgl64.Vec3{40, 0, 0}, mgl64.Vec3{24, 24, 2})
	first := c.ShowEntityToClient(viewer, g)
	for i := 0; i < 5; i++ {
		if got := c.ShowEntityToClient(viewer, g); got != first {
			t.Fatalf("call %d: got %v want %v", i, got, first)
		}
	}
	var nilPart *scene.Part
	if c.ShowEntityToClient(viewer, nilPart) {
		t.Fatalf("nil entity should not be shown")
	}
}
