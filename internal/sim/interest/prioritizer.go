package interest

import (
	"log"
	"math"
	"sync/atomic"
	"time"

	"gridsim.ai/internal/sim/scene"
)

const (
	rootBias = 0.5
	tieBias  = 0.05
)

// Prioritizer produces the send order of visible entities for a viewer.
type Prioritizer struct {
	scheme Scheme
	policy PriorityPolicy

	childReprioritizationDistance float64
	rootReprioritizationDistance  float64

	failures atomic.Uint64
	log      *log.Logger
}

// NewPrioritizer selects the policy named by cfg.UpdatePrioritizationScheme. Empty or
// unknown names fall back to OOB.
func NewPrioritizer(cfg Config, logger *log.Logger) *Prioritizer {
	if logger == nil {
		logger = log.Default()
	}
	scheme := SchemeOOB
	if cfg.UpdatePrioritizationScheme != "" {
		s, err := ParseScheme(cfg.UpdatePrioritizationScheme)
		if err != nil {
			logger.Printf("WARN %v, using %s", err, SchemeOOB)
		}
		scheme = s
	}
	return &Prioritizer{
		scheme:                        scheme,
		policy:                        NewPolicy(scheme, time.Now),
		childReprioritizationDistance: cfg.ChildReprioritizationDistance,
		rootReprioritizationDistance:  cfg.RootReprioritizationDistance,
		log:                           logger,
	}
}

// NewPrioritizerWithPolicy uses policy directly, bypassing scheme selection.
func NewPrioritizerWithPolicy(cfg Config, policy PriorityPolicy, logger *log.Logger) *Prioritizer {
	pr := NewPrioritizer(cfg, logger)
	if policy != nil {
		pr.policy = policy
	}
	return pr
}

func (pr *Prioritizer) Scheme() Scheme { return pr.scheme }

// ChildReprioritizationDistance is how far a child agent moves before its queue is
// re-sorted. The Prioritizer itself does not act on it.
func (pr *Prioritizer) ChildReprioritizationDistance() float64 {
	return pr.childReprioritizationDistance
}

func (pr *Prioritizer) RootReprioritizationDistance() float64 {
	return pr.rootReprioritizationDistance
}

// Failures counts scoring attempts that errored or panicked.
func (pr *Prioritizer) Failures() uint64 { return pr.failures.Load() }

// GetUpdatePriority returns the sort key of e for p. A viewer's own avatar is 0 and
// a missing entity is +Inf. Scoring failures are logged and rank last.
func (pr *Prioritizer) GetUpdatePriority(p *scene.Presence, e scene.Entity) (priority float64) {
	if isNilEntity(e) || p == nil {
		return math.Inf(1)
	}
	if e.ID() == p.ID() {
		return 0
	}

	defer func() {
		if r := recover(); r != nil {
			pr.failures.Add(1)
			pr.log.Printf("WARN priority presence=%s entity=%s panicked: %v", p.ID(), e.ID(), r)
			priority = math.Inf(1)
		}
	}()

	priority, err := pr.policy.Priority(p, e)
	if err != nil {
		pr.failures.Add(1)
		pr.log.Printf("WARN priority presence=%s entity=%s: %v", p.ID(), e.ID(), err)
		return math.Inf(1)
	}
	if part, ok := e.(*scene.Part); ok {
		priority = adjustRootPriority(priority, part)
	}
	return priority
}

// adjustRootPriority sorts a group's root part ahead of its children without
// overturning larger distance differences.
func adjustRootPriority(priority float64, part *scene.Part) float64 {
	if part.IsRoot() {
		priority -= part.ParentGroup().BSphereRadiusSQ() + rootBias
		if priority >= -math.MaxFloat64+tieBias {
			priority -= tieBias
		}
		return priority
	}
	if priority <= math.MaxFloat64-tieBias {
		priority += tieBias
	}
	return priority
}
