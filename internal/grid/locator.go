package grid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	"github.com/google/uuid"

	"gridsim.ai/internal/sim/scene"
)

type LocatorOptions struct {
	TTL         time.Duration // positive results
	NegativeTTL time.Duration // not-found results
	MaxKeys     int
}

func DefaultLocatorOptions() LocatorOptions {
	return LocatorOptions{
		TTL:         5 * time.Minute,
		NegativeTTL: 10 * time.Second,
		MaxKeys:     10000,
	}
}

type agentEntry struct {
	regionID uuid.UUID
	missing  bool
}

type regionEntry struct {
	region  Region
	missing bool
}

// Locator answers "where is this agent rooted" from the store, caching both hits
// and not-found results so a missing agent does not hit sqlite on every cull.
type Locator struct {
	store *Store
	opts  LocatorOptions

	agents  cache.Cache[uuid.UUID, agentEntry]
	regions cache.Cache[uuid.UUID, regionEntry]
	log     *log.Logger
}

func NewLocator(store *Store, opts LocatorOptions, logger *log.Logger) *Locator {
	if logger == nil {
		logger = log.Default()
	}
	def := DefaultLocatorOptions()
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = def.NegativeTTL
	}
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = def.MaxKeys
	}
	return &Locator{
		store:   store,
		opts:    opts,
		agents:  cache.NewCache[uuid.UUID, agentEntry]().WithTTL(opts.TTL).WithMaxKeys(opts.MaxKeys).WithLRU(),
		regions: cache.NewCache[uuid.UUID, regionEntry]().WithTTL(opts.TTL).WithMaxKeys(opts.MaxKeys).WithLRU(),
		log:     logger,
	}
}

// HomeRegion returns the region the agent is currently root in.
func (l *Locator) HomeRegion(ctx context.Context, agentID uuid.UUID) (Region, error) {
	regionID, err := l.agentRegion(ctx, agentID)
	if err != nil {
		return Region{}, err
	}
	return l.region(ctx, regionID)
}

// RegionOffset is the signed distance from the agent's home region to the region at
// (locX, locY).
func (l *Locator) RegionOffset(ctx context.Context, agentID uuid.UUID, locX, locY int) (scene.RegionOffset, error) {
	home, err := l.HomeRegion(ctx, agentID)
	if err != nil {
		return scene.RegionOffset{}, fmt.Errorf("region offset for %s: %w", agentID, err)
	}
	return scene.RegionOffset{X: locX - home.LocX, Y: locY - home.LocY}, nil
}

// Invalidate forgets the cached placement of an agent, e.g. after it crossed.
func (l *Locator) Invalidate(agentID uuid.UUID) {
	l.agents.Invalidate(agentID)
}

// InvalidateRegion forgets a cached region record.
func (l *Locator) InvalidateRegion(regionID uuid.UUID) {
	l.regions.Invalidate(regionID)
}

func (l *Locator) Stats() (agents, regions cache.Stats) {
	return l.agents.Stat(), l.regions.Stat()
}

func (l *Locator) agentRegion(ctx context.Context, agentID uuid.UUID) (uuid.UUID, error) {
	if e, ok := l.agents.Get(agentID); ok {
		if e.missing {
			return uuid.Nil, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
		}
		return e.regionID, nil
	}
	id, err := l.store.AgentRegion(ctx, agentID)
	switch {
	case errors.Is(err, ErrAgentNotFound):
		l.agents.Set(agentID, agentEntry{missing: true}, l.opts.NegativeTTL)
		return uuid.Nil, err
	case err != nil:
		// Transient store errors are not cached.
		l.log.Printf("agent lookup %s: %v", agentID, err)
		return uuid.Nil, err
	}
	l.agents.Set(agentID, agentEntry{regionID: id}, l.opts.TTL)
	return id, nil
}

func (l *Locator) region(ctx context.Context, regionID uuid.UUID) (Region, error) {
	if e, ok := l.regions.Get(regionID); ok {
		if e.missing {
			return Region{}, fmt.Errorf("region %s: %w", regionID, ErrRegionNotFound)
		}
		return e.region, nil
	}
	r, err := l.store.RegionByID(ctx, regionID)
	switch {
	case errors.Is(err, ErrRegionNotFound):
		l.regions.Set(regionID, regionEntry{missing: true}, l.opts.NegativeTTL)
		return Region{}, err
	case err != nil:
		l.log.Printf("region lookup %s: %v", regionID, err)
		return Region{}, err
	}
	l.regions.Set(regionID, regionEntry{region: r}, l.opts.TTL)
	return r, nil
}
