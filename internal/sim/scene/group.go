package scene

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// Group is a composite object: one root part plus zero or more children sharing a
// single transform. Parts()[0] is always the root.
type Group struct {
	id      uuid.UUID
	localID uint32
	name    string

	pos   mgl64.Vec3
	rot   mgl64.Quat
	parts []*Part

	attachedTo  uuid.UUID
	attachPoint int
	wearer      *Presence

	// Derived from the parts by recomputeBounds.
	oobSize         mgl64.Vec3
	oobOffset       mgl64.Vec3
	scale           mgl64.Vec3
	bsphereRadiusSQ float64
}

// Part is one sub-part of a Group.
type Part struct {
	id      uuid.UUID
	localID uint32
	name    string
	group   *Group

	offset   mgl64.Vec3
	rot      mgl64.Quat
	size     mgl64.Vec3
	physical bool
}

type PartSpec struct {
	ID       uuid.UUID
	Name     string
	Offset   mgl64.Vec3 // relative to the group position; ignored for the root
	Rotation mgl64.Quat // relative to the group rotation
	Scale    mgl64.Vec3 // full box size
	Physical bool
}

type GroupSpec struct {
	ID       uuid.UUID
	Name     string
	Position mgl64.Vec3
	Rotation mgl64.Quat
	Root     PartSpec
	Children []PartSpec
}

func NewGroup(spec GroupSpec) *Group {
	g := &Group{
		id:   newIDIfNil(spec.ID),
		name: spec.Name,
		pos:  spec.Position,
		rot:  identityIfZero(spec.Rotation),
	}
	root := newPart(g, spec.Root)
	root.offset = mgl64.Vec3{}
	g.parts = append(g.parts, root)
	for _, c := range spec.Children {
		g.parts = append(g.parts, newPart(g, c))
	}
	g.recomputeBounds()
	return g
}

func newPart(g *Group, spec PartSpec) *Part {
	return &Part{
		id:       newIDIfNil(spec.ID),
		name:     spec.Name,
		group:    g,
		offset:   spec.Offset,
		rot:      identityIfZero(spec.Rotation),
		size:     spec.Scale,
		physical: spec.Physical,
	}
}

func (g *Group) ID() uuid.UUID             { return g.id }
func (g *Group) LocalID() uint32           { return g.localID }
func (g *Group) Name() string              { return g.name }
func (g *Group) GroupRotation() mgl64.Quat { return g.rot }
func (g *Group) RootPart() *Part           { return g.parts[0] }

// AbsolutePosition is the group position, or the wearer's position while the
// group is worn.
func (g *Group) AbsolutePosition() mgl64.Vec3 {
	if g.wearer != nil {
		return g.wearer.AbsolutePosition()
	}
	return g.pos
}

// Parts returns the parts, root first. The slice must not be modified.
func (g *Group) Parts() []*Part { return g.parts }

// OOBSize is the half-extent of the group's axis-aligned bounding box.
func (g *Group) OOBSize() mgl64.Vec3 { return g.oobSize }

// OOBOffset is the bounding box centre relative to the group position, in group space.
func (g *Group) OOBOffset() mgl64.Vec3 { return g.oobOffset }

// GroupScale is the full size of the bounding box.
func (g *Group) GroupScale() mgl64.Vec3 { return g.scale }

func (g *Group) BSphereRadiusSQ() float64 { return g.bsphereRadiusSQ }

func (g *Group) IsAttachment() bool { return g.attachedTo != uuid.Nil }

// AttachedAvatar returns the wearer's presence id, or uuid.Nil.
func (g *Group) AttachedAvatar() uuid.UUID { return g.attachedTo }
func (g *Group) AttachmentPoint() int      { return g.attachPoint }

func (g *Group) HasPart(id uuid.UUID) bool {
	for _, p := range g.parts {
		if p.id == id {
			return true
		}
	}
	return false
}

// IsPhysical reports whether the root part is driven by the physics engine.
func (g *Group) IsPhysical() bool { return g.parts[0].physical }

func (g *Group) recomputeBounds() {
	lo := mgl64.Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := mgl64.Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, p := range g.parts {
		half := p.size.Mul(0.5)
		for i := 0; i < 8; i++ {
			corner := mgl64.Vec3{half[0], half[1], half[2]}
			if i&1 != 0 {
				corner[0] = -corner[0]
			}
			if i&2 != 0 {
				corner[1] = -corner[1]
			}
			if i&4 != 0 {
				corner[2] = -corner[2]
			}
			c := p.offset.Add(p.rot.Rotate(corner))
			for a := 0; a < 3; a++ {
				lo[a] = math.Min(lo[a], c[a])
				hi[a] = math.Max(hi[a], c[a])
			}
		}
	}
	g.scale = hi.Sub(lo)
	g.oobSize = g.scale.Mul(0.5)
	g.oobOffset = hi.Add(lo).Mul(0.5)
	g.bsphereRadiusSQ = g.oobSize.Dot(g.oobSize)
}

func (p *Part) ID() uuid.UUID              { return p.id }
func (p *Part) LocalID() uint32            { return p.localID }
func (p *Part) Name() string               { return p.name }
func (p *Part) ParentGroup() *Group        { return p.group }
func (p *Part) IsRoot() bool               { return p.group != nil && p.group.parts[0] == p }
func (p *Part) OffsetPosition() mgl64.Vec3 { return p.offset }
func (p *Part) Scale() mgl64.Vec3          { return p.size }
func (p *Part) IsPhysical() bool           { return p.physical }

// Rotation is the part's world rotation.
func (p *Part) Rotation() mgl64.Quat {
	if p.group == nil {
		return p.rot
	}
	return p.group.rot.Mul(p.rot)
}

// AbsolutePosition resolves to the group position plus the rotated offset. Parts
// of a worn group resolve to the wearer's position.
func (p *Part) AbsolutePosition() mgl64.Vec3 {
	if p.group == nil {
		return p.offset
	}
	if p.group.wearer != nil {
		return p.group.wearer.AbsolutePosition()
	}
	return p.group.pos.Add(p.group.rot.Rotate(p.offset))
}
