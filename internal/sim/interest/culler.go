package interest

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"gridsim.ai/internal/sim/scene"
)

// Region is the read-only view of a region the interest code needs.
type Region interface {
	Size() (x, y float64)
	Location() (x, y int)
}

// RegionLocator resolves the signed grid offset between the region an agent is
// rooted in and the region at (locX, locY).
type RegionLocator interface {
	RegionOffset(ctx context.Context, agentID uuid.UUID, locX, locY int) (scene.RegionOffset, error)
}

const defaultLookupTimeout = 250 * time.Millisecond

// Culler decides whether an entity is relevant to a viewer.
type Culler struct {
	useCulling         bool
	useDistanceCulling bool

	region  Region
	locator RegionLocator
	timeout time.Duration
	log     *log.Logger
}

// NewCuller builds a Culler over region. locator may be nil, in which case child
// agents are culled in unmodified local coordinates.
func NewCuller(cfg Config, region Region, locator RegionLocator, logger *log.Logger) *Culler {
	if logger == nil {
		logger = log.Default()
	}
	return &Culler{
		useCulling:         cfg.UseCulling,
		useDistanceCulling: cfg.UseDistanceBasedCulling,
		region:             region,
		locator:            locator,
		timeout:            defaultLookupTimeout,
		log:                logger,
	}
}

func (c *Culler) UseCulling() bool { return c.useCulling }

// EffectiveDrawDistance applies the MinDrawDistance floor.
func EffectiveDrawDistance(p *scene.Presence) float64 {
	return math.Max(p.DrawDistance(), MinDrawDistance)
}

// ShowEntityToClient reports whether updates for e should be sent to p.
func (c *Culler) ShowEntityToClient(p *scene.Presence, e scene.Entity) bool {
	if !c.useCulling {
		return true
	}
	if p == nil || isNilEntity(e) {
		return false
	}
	if c.useDistanceCulling && !c.DistanceCulling(p, e) {
		return false
	}
	return true
}

// DistanceCulling reports whether e lies within p's draw distance. Large groups whose
// centre is out of range are still visible when part of their box is in range.
func (c *Culler) DistanceCulling(p *scene.Presence, e scene.Entity) bool {
	dd := EffectiveDrawDistance(p)
	sx, sy := c.region.Size()
	if dd >= sx && dd >= sy {
		return true
	}
	ddSq := dd * dd

	viewer := p.AbsolutePosition()
	if p.IsChildAgent() {
		viewer = translateChildPosition(viewer, c.offsetFor(p), sx, sy)
	}
	target := e.AbsolutePosition()
	if distSq(viewer, target) <= ddSq {
		return true
	}

	g, ok := e.(*scene.Group)
	if !ok || !isLargeBox(g.OOBSize()) {
		return false
	}
	return approximateBoxVisible(viewer, target, g.OOBSize(), ddSq)
}

// Reset drops p's cached region offset so the next cull looks it up again.
func (c *Culler) Reset(p *scene.Presence) {
	if p != nil {
		p.ResetRegionOffset()
	}
}

// offsetFor returns p's home-region offset, resolving and caching it on first use.
// A failed lookup falls back to local coordinates and is retried on the next call.
func (c *Culler) offsetFor(p *scene.Presence) scene.RegionOffset {
	if off, ok := p.RegionOffset(); ok {
		return off
	}
	var off scene.RegionOffset
	if c.locator != nil {
		lx, ly := c.region.Location()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		got, err := c.locator.RegionOffset(ctx, p.ID(), lx, ly)
		cancel()
		if err != nil {
			c.log.Printf("WARN region offset for %s unavailable, using local coordinates: %v", p.ID(), err)
			return off
		}
		off = got
	}
	p.SetRegionOffset(off)
	return off
}

func isNilEntity(e scene.Entity) bool {
	switch v := e.(type) {
	case nil:
		return true
	case *scene.Presence:
		return v == nil
	case *scene.Group:
		return v == nil
	case *scene.Part:
		return v == nil
	}
	return false
}
