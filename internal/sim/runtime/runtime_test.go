package runtime

import (
	"context"
	"errors"
	"io"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"gridsim.ai/internal/sim/interest"
	"gridsim.ai/internal/sim/scene"
	"gridsim.ai/internal/sim/updates"
	"gridsim.ai/internal/viewerproto"
)

var quiet = log.New(io.Discard, "", 0)

type recorder struct {
	mu          sync.Mutex
	placements  map[uuid.UUID]uuid.UUID
	invalidated []uuid.UUID
	ticks       []updates.TickSummary
}

func newRecorder() *recorder { return &recorder{placements: map[uuid.UUID]uuid.UUID{}} }

func (r *recorder) RecordPlacement(agentID, regionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.placements[agentID] = regionID
}

func (r *recorder) Invalidate(agentID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, agentID)
}

func (r *recorder) WriteTick(s updates.TickSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, s)
	return nil
}

type harness struct {
	rt     *Runtime
	region *scene.Region
	crate  *scene.Group
	rec    *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	region := scene.NewRegion(scene.Info{ID: uuid.New(), Name: "test", SizeX: 256, SizeY: 256})
	crate := scene.NewGroup(scene.GroupSpec{
		Name:     "crate",
		Position: mgl64.Vec3{20, 0, 0},
		Root:     scene.PartSpec{Name: "crate", Scale: mgl64.Vec3{1, 1, 1}},
	})
	if err := region.AddGroup(crate); err != nil {
		t.Fatalf("add group: %v", err)
	}
	cfg := interest.DefaultConfig()
	culler := interest.NewCuller(cfg, region, nil, quiet)
	sched := updates.NewScheduler(region, culler, interest.NewPrioritizer(cfg, quiet), updates.Config{MaxUpdatesPerTick: 50, Workers: 2})
	rec := newRecorder()
	rt := New(Config{TickRateHz: 200, DefaultDrawDistance: 32}, region, sched, culler, Options{
		TickLog:    rec,
		Placements: rec,
		Offsets:    rec,
		Logger:     quiet,
	})
	return &harness{rt: rt, region: region, crate: crate, rec: rec}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.rt.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; !errors.Is(err, context.Canceled) {
			t.Errorf("run: %v", err)
		}
	})
}

// nextUpdate waits for the next UPDATE frame, skipping nothing else.
func nextUpdate(t *testing.T, out <-chan []byte) viewerproto.UpdateMsg {
	t.Helper()
	select {
	case b, ok := <-out:
		if !ok {
			t.Fatalf("out closed")
		}
		var msg viewerproto.UpdateMsg
		if err := json.Unmarshal(b, &msg); err != nil {
			t.Fatalf("decode %s: %v", b, err)
		}
		if msg.Type != viewerproto.TypeUpdate {
			t.Fatalf("frame type=%q: %s", msg.Type, b)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for update")
	}
	return viewerproto.UpdateMsg{}
}

func kinds(msg viewerproto.UpdateMsg) map[string]string {
	out := map[string]string{}
	for _, u := range msg.Updates {
		out[u.ID] = u.Kind
	}
	return out
}

func TestRuntime_JoinMoveLeave(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	out := make(chan []byte, 16)
	agent := uuid.New()
	id, err := h.rt.Join(ctx, JoinRequest{AgentID: agent, Name: "visitor", Out: out})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if id != agent {
		t.Fatalf("presence id=%s want %s", id, agent)
	}

	first := nextUpdate(t, out)
	if len(first.Updates) != 2 {
		t.Fatalf("first frame updates=%d want 2: %+v", len(first.Updates), first.Updates)
	}
	self := first.Updates[0]
	if self.ID != agent.String() || self.Kind != "FULL" || self.Entity != viewerproto.EntityAvatar || self.Name != "visitor" {
		t.Fatalf("first update=%+v want own avatar FULL", self)
	}
	if self.Priority == nil || *self.Priority != 0 {
		t.Fatalf("own priority=%v want 0", self.Priority)
	}
	rootID := h.crate.RootPart().ID().String()
	if k := kinds(first)[rootID]; k != "FULL" {
		t.Fatalf("crate kind=%q want FULL", k)
	}

	h.rt.Control() <- ControlRequest{PresenceID: id, Msg: viewerproto.ControlMsg{
		Type: viewerproto.TypeControl, ProtocolVersion: viewerproto.Version,
		Op: viewerproto.OpMove, Pos: &[3]float64{200, 200, 0},
	}}
	moved := nextUpdate(t, out)
	if k := kinds(moved)[rootID]; k != "KILL" {
		t.Fatalf("crate kind after move=%q want KILL: %+v", k, moved.Updates)
	}
	if k := kinds(moved)[agent.String()]; k != "TERSE" {
		t.Fatalf("self kind after move=%q want TERSE", k)
	}

	h.rec.mu.Lock()
	placed := h.rec.placements[agent]
	nticks := len(h.rec.ticks)
	h.rec.mu.Unlock()
	if placed != h.region.Info().ID {
		t.Fatalf("placement=%s want %s", placed, h.region.Info().ID)
	}
	if nticks == 0 {
		t.Fatalf("no ticks logged")
	}

	h.rt.Leave() <- id
	select {
	case _, ok := <-out:
		for ok {
			_, ok = <-out
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("out not closed after leave")
	}
	if h.rt.Viewers() != 0 {
		t.Fatalf("viewers=%d want 0", h.rt.Viewers())
	}
}

func TestRuntime_JoinDuplicate(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	agent := uuid.New()
	if _, err := h.rt.Join(ctx, JoinRequest{AgentID: agent, Out: make(chan []byte, 4)}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := h.rt.Join(ctx, JoinRequest{AgentID: agent, Out: make(chan []byte, 4)}); !errors.Is(err, scene.ErrDuplicateID) {
		t.Fatalf("err=%v want ErrDuplicateID", err)
	}
}

func TestRuntime_CrossingUpdatesGrid(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	out := make(chan []byte, 16)
	id, err := h.rt.Join(ctx, JoinRequest{Name: "neighbour", ChildAgent: true, Out: out})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	nextUpdate(t, out)

	h.rec.mu.Lock()
	_, placed := h.rec.placements[id]
	h.rec.mu.Unlock()
	if placed {
		t.Fatalf("child agent should not be placed")
	}

	h.rt.Control() <- ControlRequest{PresenceID: id, Msg: viewerproto.ControlMsg{Op: viewerproto.OpMakeRoot}}
	msg := nextUpdate(t, out)
	if k := kinds(msg)[id.String()]; k != "FULL" {
		t.Fatalf("self kind after crossing=%q want FULL", k)
	}
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	if h.rec.placements[id] != h.region.Info().ID {
		t.Fatalf("crossing not recorded")
	}
	if len(h.rec.invalidated) != 1 || h.rec.invalidated[0] != id {
		t.Fatalf("invalidated=%v want [%s]", h.rec.invalidated, id)
	}
}

func TestHandleControl_ErrorFrame(t *testing.T) {
	h := newHarness(t)
	out := make(chan []byte, 4)
	resp := h.rt.handleJoin(context.Background(), JoinRequest{Out: out})
	if resp.Err != nil {
		t.Fatalf("join: %v", resp.Err)
	}
	h.rt.handleControl(ControlRequest{PresenceID: resp.PresenceID, Msg: viewerproto.ControlMsg{
		Op: viewerproto.OpSit, TargetID: uuid.NewString(),
	}})
	var msg viewerproto.ErrorMsg
	if err := json.Unmarshal(<-out, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != viewerproto.TypeError || msg.Code != viewerproto.ErrUnknownEntity {
		t.Fatalf("error frame=%+v", msg)
	}
}

func TestSend_KicksSlowViewer(t *testing.T) {
	h := newHarness(t)
	out := make(chan []byte) // never read
	resp := h.rt.handleJoin(context.Background(), JoinRequest{Out: out})
	if resp.Err != nil {
		t.Fatalf("join: %v", resp.Err)
	}
	if err := h.rt.step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if _, ok := <-out; ok {
		t.Fatalf("out should be closed")
	}
	if h.rt.sched.Viewers() != 0 {
		t.Fatalf("kicked viewer still scheduled")
	}
	// Leave after a kick must not close twice.
	h.rt.handleLeave(context.Background(), resp.PresenceID)
}

func TestEntityUpdate(t *testing.T) {
	h := newHarness(t)
	root := h.crate.RootPart()

	kill := entityUpdate(updates.Update{Kind: scene.ChangeKill, Entity: root, Priority: math.Inf(-1)})
	if kill.Pos != nil || kill.Priority != nil || kill.Name != "" || kill.Entity != viewerproto.EntityPart {
		t.Fatalf("kill=%+v want bare id", kill)
	}

	full := entityUpdate(updates.Update{Kind: scene.ChangeFull, Entity: root, Priority: 398.7})
	if full.GroupID != h.crate.ID().String() || full.Scale == nil || full.Rot == nil || full.Name != "crate" {
		t.Fatalf("full=%+v", full)
	}
	if *full.Pos != [3]float64{20, 0, 0} || *full.Priority != 398.7 {
		t.Fatalf("full pos=%v prio=%v", *full.Pos, *full.Priority)
	}
	if (*full.Rot)[3] != 1 {
		t.Fatalf("rot=%v want identity", *full.Rot)
	}

	terse := entityUpdate(updates.Update{Kind: scene.ChangeTerse, Entity: root, Priority: math.Inf(1)})
	if terse.Scale != nil || terse.Name != "" || terse.Priority != nil || terse.Pos == nil {
		t.Fatalf("terse=%+v", terse)
	}
}
