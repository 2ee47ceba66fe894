// Package runtime owns a region and drives its interest management: it applies
// viewer requests between ticks, steps the update scheduler on a fixed rate and
// hands every viewer its encoded UPDATE frame.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"gridsim.ai/internal/observe"
	"gridsim.ai/internal/sim/interest"
	"gridsim.ai/internal/sim/scene"
	"gridsim.ai/internal/sim/updates"
	"gridsim.ai/internal/viewerproto"
)

var ErrStopped = errors.New("runtime stopped")

type Config struct {
	TickRateHz          int
	DefaultDrawDistance float64
}

// TickWriter persists per-tick summaries.
type TickWriter interface {
	WriteTick(updates.TickSummary) error
}

// PlacementRecorder is told where root agents currently are.
type PlacementRecorder interface {
	RecordPlacement(agentID, regionID uuid.UUID)
}

// OffsetInvalidator drops cached home-region lookups for an agent.
type OffsetInvalidator interface {
	Invalidate(agentID uuid.UUID)
}

// Options are the optional collaborators of a Runtime; nil fields are skipped.
type Options struct {
	Metrics    *observe.Metrics
	TickLog    TickWriter
	Placements PlacementRecorder
	Offsets    OffsetInvalidator
	Logger     *log.Logger
}

type JoinRequest struct {
	AgentID      uuid.UUID // uuid.Nil picks a random id
	Name         string
	Pos          mgl64.Vec3
	Camera       *viewerproto.Camera
	DrawDistance float64
	ChildAgent   bool

	// Out receives encoded frames. The runtime closes it if the viewer falls
	// too far behind to be caught up incrementally.
	Out  chan []byte
	Resp chan JoinResponse
}

type JoinResponse struct {
	PresenceID uuid.UUID
	Err        error
}

type ControlRequest struct {
	PresenceID uuid.UUID
	Msg        viewerproto.ControlMsg
}

type session struct {
	out    chan []byte
	kicked bool
}

type Runtime struct {
	cfg    Config
	region *scene.Region
	sched  *updates.Scheduler
	culler *interest.Culler
	opts   Options
	log    *log.Logger

	join    chan JoinRequest
	leave   chan uuid.UUID
	control chan ControlRequest
	done    chan struct{}

	tick     atomic.Uint64
	viewers  atomic.Int64
	sessions map[uuid.UUID]*session
}

func New(cfg Config, region *scene.Region, sched *updates.Scheduler, culler *interest.Culler, opts Options) *Runtime {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Runtime{
		cfg:      cfg,
		region:   region,
		sched:    sched,
		culler:   culler,
		opts:     opts,
		log:      logger,
		join:     make(chan JoinRequest, 64),
		leave:    make(chan uuid.UUID, 64),
		control:  make(chan ControlRequest, 1024),
		done:     make(chan struct{}),
		sessions: map[uuid.UUID]*session{},
	}
}

func (rt *Runtime) Info() scene.Info               { return rt.region.Info() }
func (rt *Runtime) TickRateHz() int                { return rt.cfg.TickRateHz }
func (rt *Runtime) CurrentTick() uint64            { return rt.tick.Load() }
func (rt *Runtime) Viewers() int                   { return int(rt.viewers.Load()) }
func (rt *Runtime) Leave() chan<- uuid.UUID        { return rt.leave }
func (rt *Runtime) Control() chan<- ControlRequest { return rt.control }

// Join asks the loop to add a viewer and waits for the answer.
func (rt *Runtime) Join(ctx context.Context, req JoinRequest) (uuid.UUID, error) {
	req.Resp = make(chan JoinResponse, 1)
	select {
	case rt.join <- req:
	case <-rt.done:
		return uuid.Nil, ErrStopped
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
	select {
	case resp := <-req.Resp:
		return resp.PresenceID, resp.Err
	case <-rt.done:
		return uuid.Nil, ErrStopped
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

func (rt *Runtime) Run(ctx context.Context) error {
	defer close(rt.done)
	interval := time.Second / time.Duration(rt.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingControls []ControlRequest
	var pendingLeaves []uuid.UUID

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-rt.join:
			req.Resp <- rt.handleJoin(ctx, req)
		case id := <-rt.leave:
			pendingLeaves = append(pendingLeaves, id)
		case req := <-rt.control:
			pendingControls = append(pendingControls, req)
		case <-ticker.C:
			for _, req := range pendingControls {
				rt.handleControl(req)
			}
			for _, id := range pendingLeaves {
				rt.handleLeave(ctx, id)
			}
			pendingControls = pendingControls[:0]
			pendingLeaves = pendingLeaves[:0]
			if err := rt.step(ctx); err != nil {
				return err
			}
		}
	}
}

func (rt *Runtime) handleJoin(ctx context.Context, req JoinRequest) JoinResponse {
	dd := req.DrawDistance
	if dd <= 0 {
		dd = rt.cfg.DefaultDrawDistance
	}
	p := scene.NewPresence(scene.PresenceSpec{
		ID:           req.AgentID,
		Name:         req.Name,
		Position:     req.Pos,
		DrawDistance: dd,
		ChildAgent:   req.ChildAgent,
	})
	if err := rt.region.AddPresence(p); err != nil {
		return JoinResponse{Err: err}
	}
	if req.Camera != nil {
		_ = rt.region.UpdateCamera(p.ID(), vec3(req.Camera.Pos), vec3(req.Camera.At))
	}
	if err := rt.sched.AddViewer(p.ID()); err != nil {
		_ = rt.region.RemovePresence(p.ID())
		return JoinResponse{Err: err}
	}
	rt.sessions[p.ID()] = &session{out: req.Out}
	rt.viewers.Add(1)
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.ViewerJoined(ctx, rt.region.Info().Name)
	}
	if !req.ChildAgent && rt.opts.Placements != nil {
		rt.opts.Placements.RecordPlacement(p.ID(), rt.region.Info().ID)
	}
	rt.log.Printf("viewer joined id=%s name=%q child=%v dd=%.0f", p.ID(), req.Name, req.ChildAgent, dd)
	return JoinResponse{PresenceID: p.ID()}
}

func (rt *Runtime) handleLeave(ctx context.Context, id uuid.UUID) {
	s, ok := rt.sessions[id]
	if !ok {
		return
	}
	delete(rt.sessions, id)
	rt.sched.RemoveViewer(id)
	if err := rt.region.RemovePresence(id); err != nil {
		rt.log.Printf("WARN leave %s: %v", id, err)
	}
	rt.viewers.Add(-1)
	if !s.kicked {
		close(s.out)
	}
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.ViewerLeft(ctx, rt.region.Info().Name)
	}
	rt.log.Printf("viewer left id=%s", id)
}

func (rt *Runtime) handleControl(req ControlRequest) {
	s, ok := rt.sessions[req.PresenceID]
	if !ok || s.kicked {
		return
	}
	if err := rt.applyControl(req.PresenceID, req.Msg); err != nil {
		rt.log.Printf("control %s op=%s: %v", req.PresenceID, req.Msg.Op, err)
		code := viewerproto.ErrBadRequest
		if errors.Is(err, scene.ErrUnknownPart) || errors.Is(err, scene.ErrUnknownPresence) {
			code = viewerproto.ErrUnknownEntity
		}
		rt.send(req.PresenceID, s, viewerproto.EncodeError(code, err.Error()))
	}
}

func (rt *Runtime) applyControl(id uuid.UUID, msg viewerproto.ControlMsg) error {
	switch msg.Op {
	case viewerproto.OpMove:
		if msg.Pos == nil {
			return fmt.Errorf("MOVE without pos")
		}
		return rt.region.MovePresence(id, vec3(*msg.Pos))
	case viewerproto.OpCamera:
		if msg.Camera == nil {
			return fmt.Errorf("CAMERA without camera")
		}
		return rt.region.UpdateCamera(id, vec3(msg.Camera.Pos), vec3(msg.Camera.At))
	case viewerproto.OpDrawDistance:
		if msg.DrawDistance == nil {
			return fmt.Errorf("DRAW_DISTANCE without draw_distance")
		}
		return rt.region.SetDrawDistance(id, *msg.DrawDistance)
	case viewerproto.OpSit:
		part, err := uuid.Parse(msg.TargetID)
		if err != nil {
			return fmt.Errorf("SIT target: %w", err)
		}
		return rt.region.Sit(id, part)
	case viewerproto.OpStand:
		return rt.region.Stand(id)
	case viewerproto.OpMakeRoot:
		if err := rt.region.MakeRoot(id); err != nil {
			return err
		}
		rt.crossed(id, true)
		return nil
	case viewerproto.OpMakeChild:
		if err := rt.region.MakeChild(id); err != nil {
			return err
		}
		rt.crossed(id, false)
		return nil
	default:
		return fmt.Errorf("unknown op %q", msg.Op)
	}
}

// crossed updates the grid after a viewer crossed a region border. Arriving root
// agents are now homed here; either way the cached offset is stale.
func (rt *Runtime) crossed(id uuid.UUID, arrived bool) {
	if p, ok := rt.region.PresenceByID(id); ok {
		rt.culler.Reset(p)
	}
	if arrived && rt.opts.Placements != nil {
		rt.opts.Placements.RecordPlacement(id, rt.region.Info().ID)
	}
	if rt.opts.Offsets != nil {
		rt.opts.Offsets.Invalidate(id)
	}
	rt.sched.Resync(id)
}

func (rt *Runtime) step(ctx context.Context) error {
	tick := rt.tick.Load()
	out, err := rt.sched.Step(ctx, tick)
	if err != nil {
		return err
	}
	sum := rt.sched.LastSummary()
	regionID := rt.region.Info().ID.String()

	for id, us := range out {
		s, ok := rt.sessions[id]
		if !ok || s.kicked || len(us) == 0 {
			continue
		}
		msg := viewerproto.UpdateMsg{
			Type:            viewerproto.TypeUpdate,
			ProtocolVersion: viewerproto.Version,
			Tick:            tick,
			RegionID:        regionID,
			Updates:         make([]viewerproto.EntityUpdate, 0, len(us)),
			Backlog:         rt.sched.Pending(id),
		}
		for _, u := range us {
			msg.Updates = append(msg.Updates, entityUpdate(u))
		}
		b, err := json.Marshal(msg)
		if err != nil {
			rt.log.Printf("WARN encode update viewer=%s tick=%d: %v", id, tick, err)
			continue
		}
		rt.send(id, s, b)
	}

	if rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordTick(ctx, rt.region.Info().Name, sum)
	}
	if rt.opts.TickLog != nil && (sum.Changes > 0 || sum.Sent > 0) {
		if err := rt.opts.TickLog.WriteTick(sum); err != nil {
			rt.log.Printf("WARN tick log: %v", err)
		}
	}
	rt.tick.Add(1)
	return nil
}

// send queues a frame for the viewer. Updates are deltas, so a viewer whose
// queue is full is disconnected rather than silently skipped; it resubscribes
// and is seeded from scratch.
func (rt *Runtime) send(id uuid.UUID, s *session, b []byte) {
	select {
	case s.out <- b:
		return
	default:
	}
	s.kicked = true
	close(s.out)
	rt.sched.RemoveViewer(id)
	rt.log.Printf("WARN viewer %s send queue full; disconnecting", id)
}

func entityUpdate(u updates.Update) viewerproto.EntityUpdate {
	e := u.Entity
	eu := viewerproto.EntityUpdate{
		Kind:    u.Kind.String(),
		ID:      e.ID().String(),
		LocalID: e.LocalID(),
		Entity:  viewerproto.EntityPart,
	}
	if _, ok := e.(*scene.Presence); ok {
		eu.Entity = viewerproto.EntityAvatar
	}
	if u.Kind == scene.ChangeKill {
		return eu
	}
	if !math.IsInf(u.Priority, 0) && !math.IsNaN(u.Priority) {
		prio := u.Priority
		eu.Priority = &prio
	}
	pos := arr3(e.AbsolutePosition())
	eu.Pos = &pos

	switch v := e.(type) {
	case *scene.Presence:
		if u.Kind == scene.ChangeFull {
			eu.Name = v.Name()
		}
	case *scene.Part:
		q := v.Rotation()
		rot := [4]float64{q.V[0], q.V[1], q.V[2], q.W}
		eu.Rot = &rot
		if u.Kind == scene.ChangeFull {
			eu.Name = v.Name()
			if g := v.ParentGroup(); g != nil {
				eu.GroupID = g.ID().String()
			}
			scale := arr3(v.Scale())
			eu.Scale = &scale
		}
	}
	return eu
}

func vec3(v [3]float64) mgl64.Vec3 { return mgl64.Vec3{v[0], v[1], v[2]} }

func arr3(v mgl64.Vec3) [3]float64 { return [3]float64{v[0], v[1], v[2]} }
