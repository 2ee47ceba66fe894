package updates

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gridsim.ai/internal/sim/interest"
	"gridsim.ai/internal/sim/scene"
)

type Config struct {
	MaxUpdatesPerTick int
	Workers           int
}

// TickSummary is what one Step did across all viewers.
type TickSummary struct {
	Tick             uint64  `json:"tick"`
	Viewers          int     `json:"viewers"`
	Changes          int     `json:"changes"`
	Visible          int     `json:"visible"`
	Culled           int     `json:"culled"`
	Sent             int     `json:"sent"`
	Kills            int     `json:"kills"`
	Backlog          int     `json:"backlog"`
	Resorts          int     `json:"resorts"`
	PriorityFailures uint64  `json:"priority_failures"`
	DurationMs       float64 `json:"duration_ms"`
}

// Scheduler turns region changes into ordered, budgeted per-viewer update lists.
//
// Step must be called from the goroutine that owns the region. Viewers are stepped
// in parallel; each worker only reads the region and writes its own queue.
type Scheduler struct {
	region *scene.Region
	culler *interest.Culler
	prio   *interest.Prioritizer
	cfg    Config

	queues       map[uuid.UUID]*viewerQueue
	lastFailures uint64
	last         atomic.Pointer[TickSummary]
}

func NewScheduler(region *scene.Region, culler *interest.Culler, prio *interest.Prioritizer, cfg Config) *Scheduler {
	if cfg.MaxUpdatesPerTick <= 0 {
		cfg.MaxUpdatesPerTick = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scheduler{
		region: region,
		culler: culler,
		prio:   prio,
		cfg:    cfg,
		queues: map[uuid.UUID]*viewerQueue{},
	}
}

// AddViewer starts streaming to the presence. Its first Step sends every visible
// entity.
func (s *Scheduler) AddViewer(id uuid.UUID) error {
	if _, ok := s.region.PresenceByID(id); !ok {
		return fmt.Errorf("add viewer %s: %w", id, scene.ErrUnknownPresence)
	}
	if _, ok := s.queues[id]; !ok {
		s.queues[id] = newViewerQueue(id)
	}
	return nil
}

func (s *Scheduler) RemoveViewer(id uuid.UUID) {
	delete(s.queues, id)
}

// Resync makes the next Step re-cull and re-sort everything for the viewer, e.g.
// after a region crossing.
func (s *Scheduler) Resync(id uuid.UUID) {
	if q, ok := s.queues[id]; ok {
		q.needsRescan = true
	}
}

func (s *Scheduler) Viewers() int { return len(s.queues) }

func (s *Scheduler) Pending(id uuid.UUID) int {
	if q, ok := s.queues[id]; ok {
		return q.Len()
	}
	return 0
}

// LastSummary is safe to call from any goroutine.
func (s *Scheduler) LastSummary() TickSummary {
	if sum := s.last.Load(); sum != nil {
		return *sum
	}
	return TickSummary{}
}

type viewerResult struct {
	viewer  uuid.UUID
	updates []Update
	stats   viewerStats
}

type viewerStats struct {
	visible, culled, kills, backlog int
	resorted                        bool
}

// Step consumes the region's dirty set and returns, for every viewer, the updates to
// send this tick in ascending priority order.
func (s *Scheduler) Step(ctx context.Context, tick uint64) (map[uuid.UUID][]Update, error) {
	start := time.Now()
	changes := s.region.TakeDirty()

	queues := make([]*viewerQueue, 0, len(s.queues))
	rescan := make([]bool, 0, len(s.queues))
	anyRescan := false
	for _, q := range s.queues {
		p, ok := s.region.PresenceByID(q.viewer)
		if !ok {
			continue
		}
		r := s.wantsRescan(q, p)
		anyRescan = anyRescan || r
		queues = append(queues, q)
		rescan = append(rescan, r)
	}
	var all []scene.Entity
	if anyRescan {
		all = s.region.Entities()
	}

	results := make([]viewerResult, len(queues))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, q := range queues {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, _ := s.region.PresenceByID(q.viewer)
			var full []scene.Entity
			if rescan[i] {
				full = all
			}
			results[i] = s.stepViewer(q, p, changes, full, rescan[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("step tick %d: %w", tick, err)
	}

	out := make(map[uuid.UUID][]Update, len(results))
	sum := TickSummary{Tick: tick, Viewers: len(queues), Changes: len(changes)}
	for _, r := range results {
		out[r.viewer] = r.updates
		sum.Visible += r.stats.visible
		sum.Culled += r.stats.culled
		sum.Kills += r.stats.kills
		sum.Backlog += r.stats.backlog
		sum.Sent += len(r.updates)
		if r.stats.resorted {
			sum.Resorts++
		}
	}
	failures := s.prio.Failures()
	sum.PriorityFailures = failures - s.lastFailures
	s.lastFailures = failures
	sum.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	s.last.Store(&sum)
	return out, nil
}

// wantsRescan reports whether the viewer's whole view must be re-culled and its
// queue re-sorted: on join, after moving past the reprioritization distance, or when
// its draw distance or agent kind changed.
func (s *Scheduler) wantsRescan(q *viewerQueue, p *scene.Presence) bool {
	if q.needsRescan || q.lastDraw != p.DrawDistance() || q.lastChild != p.IsChildAgent() {
		return true
	}
	limit := s.prio.RootReprioritizationDistance()
	if p.IsChildAgent() {
		limit = s.prio.ChildReprioritizationDistance()
	}
	d := p.AbsolutePosition().Sub(q.lastSortPos)
	return d.Dot(d) > limit*limit
}

func (s *Scheduler) stepViewer(q *viewerQueue, p *scene.Presence, changes []scene.Change, all []scene.Entity, rescan bool) viewerResult {
	var st viewerStats
	score := func(e scene.Entity) float64 { return s.prio.GetUpdatePriority(p, e) }

	for _, c := range changes {
		s.apply(q, p, c.Entity, c.Kind, &st, score)
	}

	if rescan {
		if q.lastChild != p.IsChildAgent() {
			s.culler.Reset(p)
		}
		for id := range q.sent {
			if e, ok := s.lookupID(id); ok && !s.culler.ShowEntityToClient(p, cullTarget(e)) {
				s.hide(q, e, &st)
			}
		}
		for _, e := range all {
			if !q.sent[e.ID()] {
				s.apply(q, p, e, scene.ChangeFull, &st, score)
			}
		}
		q.rescore(score)
		q.needsRescan = false
		q.lastSortPos = p.AbsolutePosition()
		q.lastDraw = p.DrawDistance()
		q.lastChild = p.IsChildAgent()
		st.resorted = true
	}

	n := min(s.cfg.MaxUpdatesPerTick, q.Len())
	out := make([]Update, 0, n)
	for i := 0; i < n; i++ {
		u := q.pop()
		if u.Kind == scene.ChangeKill {
			delete(q.sent, u.Entity.ID())
		} else {
			q.sent[u.Entity.ID()] = true
		}
		out = append(out, u)
	}
	st.backlog = q.Len()
	return viewerResult{viewer: q.viewer, updates: out, stats: st}
}

// apply routes one change for one viewer through culling and prioritization.
func (s *Scheduler) apply(q *viewerQueue, p *scene.Presence, e scene.Entity, kind scene.ChangeKind, st *viewerStats, score func(scene.Entity) float64) {
	id := e.ID()
	if kind == scene.ChangeKill {
		q.drop(id)
		if q.sent[id] {
			q.push(Update{Kind: scene.ChangeKill, Entity: e, Priority: math.Inf(-1)})
			st.kills++
		}
		return
	}
	if !s.culler.ShowEntityToClient(p, cullTarget(e)) {
		st.culled++
		s.hide(q, e, st)
		return
	}
	st.visible++
	if !q.sent[id] {
		kind = scene.ChangeFull
	}
	if pk, ok := q.pendingKind(id); ok && pk == scene.ChangeKill {
		// Re-entered view before its kill went out; the client still has it.
		kind = scene.ChangeFull
		q.drop(id)
	}
	q.push(Update{Kind: kind, Entity: e, Priority: score(e)})
}

func (s *Scheduler) hide(q *viewerQueue, e scene.Entity, st *viewerStats) {
	id := e.ID()
	if pk, ok := q.pendingKind(id); ok && pk == scene.ChangeKill {
		return
	}
	q.drop(id)
	if q.sent[id] {
		q.push(Update{Kind: scene.ChangeKill, Entity: e, Priority: math.Inf(-1)})
		st.kills++
	}
}

func (s *Scheduler) lookupID(id uuid.UUID) (scene.Entity, bool) {
	if p, ok := s.region.PresenceByID(id); ok {
		return p, true
	}
	if part, ok := s.region.PartByID(id); ok {
		return part, true
	}
	return nil, false
}

// cullTarget culls parts as their whole group so large objects are tested by their
// bounding box.
func cullTarget(e scene.Entity) scene.Entity {
	if part, ok := e.(*scene.Part); ok && part.ParentGroup() != nil {
		return part.ParentGroup()
	}
	return e
}
