package interest

import (
	"errors"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"gridsim.ai/internal/sim/scene"
)

// PriorityPolicy scores an entity for a viewer. Lower scores are sent sooner.
type PriorityPolicy interface {
	Priority(p *scene.Presence, e scene.Entity) (float64, error)
}

var errOrphanPart = errors.New("part has no parent group")

// NewPolicy returns the policy for scheme. now is used by the Time policy and may
// be nil.
func NewPolicy(scheme Scheme, now func() time.Time) PriorityPolicy {
	switch scheme {
	case SchemeTime:
		return TimePolicy{Now: now}
	case SchemeDistance, SchemeSimpleAngularDistance:
		return DistancePolicy{}
	case SchemeFrontBack:
		return FrontBackPolicy{}
	case SchemeBestAvatarResponsiveness:
		return BestAvatarResponsivenessPolicy{}
	default:
		return OOBDistancePolicy{}
	}
}

// viewerPoint is the avatar position for child agents and the camera otherwise.
func viewerPoint(p *scene.Presence) mgl64.Vec3 {
	if p.IsChildAgent() {
		return p.AbsolutePosition()
	}
	return p.CameraPosition()
}

// behindCamera reports whether pos lies behind the plane through the camera
// perpendicular to its at-axis.
func behindCamera(p *scene.Presence, pos mgl64.Vec3) bool {
	at := p.CameraAtAxis()
	d := -p.CameraPosition().Dot(at)
	return at.Dot(pos)+d < 0
}

// OOBDistancePolicy ranks by squared distance to the bounding sphere of whole groups.
type OOBDistancePolicy struct{}

func (OOBDistancePolicy) Priority(p *scene.Presence, e scene.Entity) (float64, error) {
	pos := e.AbsolutePosition()
	oobSQ := 0.0
	if g, ok := e.(*scene.Group); ok {
		pos = pos.Add(g.GroupRotation().Rotate(g.OOBOffset()))
		oobSQ = g.BSphereRadiusSQ()
	}
	return math.Max(0, distSq(viewerPoint(p), pos)-oobSQ), nil
}

// TimePolicy orders updates by when they were scored, oldest first.
type TimePolicy struct {
	Now func() time.Time
}

func (t TimePolicy) Priority(*scene.Presence, scene.Entity) (float64, error) {
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	return float64(now().UnixNano()) / float64(time.Second), nil
}

// DistancePolicy ranks by squared distance from the viewer point.
type DistancePolicy struct{}

func (DistancePolicy) Priority(p *scene.Presence, e scene.Entity) (float64, error) {
	return distSq(viewerPoint(p), e.AbsolutePosition()), nil
}

// FrontBackPolicy is DistancePolicy with entities behind the camera pushed back.
// Parts are ranked by their group's position.
type FrontBackPolicy struct{}

func (FrontBackPolicy) Priority(p *scene.Presence, e scene.Entity) (float64, error) {
	pos := e.AbsolutePosition()
	if part, ok := e.(*scene.Part); ok {
		g := part.ParentGroup()
		if g == nil {
			return 0, errOrphanPart
		}
		pos = g.AbsolutePosition()
	}
	if p.IsChildAgent() {
		return distSq(p.AbsolutePosition(), pos), nil
	}
	priority := distSq(p.CameraPosition(), pos)
	if behindCamera(p, pos) {
		priority *= 2
	}
	return priority, nil
}

const (
	maxResponsivenessSize = 200.0
	satUponPhysical       = 0.0
	satUponStatic         = 1.2
	attachmentPriority    = 0.5
	presencePriority      = 1.0
)

// BestAvatarResponsivenessPolicy favours avatars, the object the viewer sits on,
// attachments, and large or physical objects.
type BestAvatarResponsivenessPolicy struct{}

func (BestAvatarResponsivenessPolicy) Priority(p *scene.Presence, e scene.Entity) (float64, error) {
	if _, ok := e.(*scene.Presence); ok {
		return presencePriority, nil
	}
	pos := e.AbsolutePosition()
	if p.IsChildAgent() {
		return distSq(p.AbsolutePosition(), pos), nil
	}

	priority := distSq(p.CameraPosition(), pos)
	if behindCamera(p, pos) {
		priority *= 2
	}
	avatarDistSq := distSq(p.AbsolutePosition(), pos)
	priority += avatarDistSq
	if math.Sqrt(avatarDistSq)/2 > p.DrawDistance() {
		priority *= 2
	}

	var g *scene.Group
	switch v := e.(type) {
	case *scene.Group:
		g = v
	case *scene.Part:
		g = v.ParentGroup()
		if g == nil {
			return 0, errOrphanPart
		}
	}
	if g == nil {
		return priority, nil
	}

	if p.IsSitting() && g.HasPart(p.SittingOn()) {
		if g.IsPhysical() {
			return satUponPhysical, nil
		}
		return satUponStatic, nil
	}
	if g.IsPhysical() {
		priority /= 2
	}
	size := math.Min(g.GroupScale().Len(), maxResponsivenessSize)
	switch {
	case size > 40:
		priority /= size / 35
	case size > 20:
		priority /= size / 17
	}
	if g.IsAttachment() {
		priority = attachmentPriority
	}
	return priority, nil
}
