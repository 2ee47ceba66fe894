package scene

import (
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// Presence is a connected viewer's avatar in this region (root agent) or its
// placeholder for a neighbouring region (child agent).
type Presence struct {
	id      uuid.UUID
	localID uint32
	name    string

	pos          mgl64.Vec3
	cameraPos    mgl64.Vec3
	cameraAt     mgl64.Vec3
	drawDistance float64
	child        bool
	sittingOn    uuid.UUID
	seat         *Part
	worn         []*Group

	// Written by whichever worker culls for this presence; readers tolerate a stale nil.
	offset atomic.Pointer[RegionOffset]
}

type PresenceSpec struct {
	ID           uuid.UUID
	Name         string
	Position     mgl64.Vec3
	DrawDistance float64
	ChildAgent   bool
}

func NewPresence(spec PresenceSpec) *Presence {
	return &Presence{
		id:           newIDIfNil(spec.ID),
		name:         spec.Name,
		pos:          spec.Position,
		cameraPos:    spec.Position,
		cameraAt:     mgl64.Vec3{1, 0, 0},
		drawDistance: spec.DrawDistance,
		child:        spec.ChildAgent,
	}
}

func (p *Presence) ID() uuid.UUID              { return p.id }
func (p *Presence) LocalID() uint32            { return p.localID }
func (p *Presence) Name() string               { return p.name }
func (p *Presence) CameraPosition() mgl64.Vec3 { return p.cameraPos }
func (p *Presence) CameraAtAxis() mgl64.Vec3   { return p.cameraAt }
func (p *Presence) DrawDistance() float64      { return p.drawDistance }
func (p *Presence) IsChildAgent() bool         { return p.child }

// AbsolutePosition is the avatar position, or the seat's position while sitting.
func (p *Presence) AbsolutePosition() mgl64.Vec3 {
	if p.seat != nil {
		return p.seat.AbsolutePosition()
	}
	return p.pos
}

// SittingOn returns the id of the part this presence sits on, or uuid.Nil.
func (p *Presence) SittingOn() uuid.UUID { return p.sittingOn }
func (p *Presence) IsSitting() bool      { return p.sittingOn != uuid.Nil }

// RegionOffset returns the cached home-region offset, if one was resolved.
func (p *Presence) RegionOffset() (RegionOffset, bool) {
	o := p.offset.Load()
	if o == nil {
		return RegionOffset{}, false
	}
	return *o, true
}

func (p *Presence) SetRegionOffset(o RegionOffset) {
	p.offset.Store(&o)
}

func (p *Presence) ResetRegionOffset() {
	p.offset.Store(nil)
}

func (p *Presence) dropWorn(g *Group) {
	for i, w := range p.worn {
		if w == g {
			p.worn = append(p.worn[:i], p.worn[i+1:]...)
			return
		}
	}
}
