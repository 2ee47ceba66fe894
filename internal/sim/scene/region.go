package scene

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// Info describes a region's identity and its place on the grid.
type Info struct {
	ID    uuid.UUID
	Name  string
	LocX  int // grid location, meters
	LocY  int
	SizeX float64
	SizeY float64
}

type ChangeKind uint8

const (
	ChangeTerse ChangeKind = iota + 1 // position/rotation only
	ChangeFull                        // shape, parentage or attachment changed
	ChangeKill                        // removed from the region
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeTerse:
		return "TERSE"
	case ChangeFull:
		return "FULL"
	case ChangeKill:
		return "KILL"
	default:
		return "UNKNOWN"
	}
}

// Change is a pending update for one presence or part.
type Change struct {
	Kind   ChangeKind
	Entity Entity
}

// Region holds the live presences and objects of one region.
//
// A Region is owned by a single goroutine (the runtime loop). Mutations must not
// run concurrently with readers; concurrent read-only access, as done by update
// workers between mutations, is safe.
type Region struct {
	info Info

	presences map[uuid.UUID]*Presence
	groups    map[uuid.UUID]*Group
	parts     map[uuid.UUID]*Part

	nextLocalID uint32
	dirty       map[uuid.UUID]Change
}

func NewRegion(info Info) *Region {
	if info.SizeX <= 0 {
		info.SizeX = 256
	}
	if info.SizeY <= 0 {
		info.SizeY = 256
	}
	return &Region{
		info:      info,
		presences: map[uuid.UUID]*Presence{},
		groups:    map[uuid.UUID]*Group{},
		parts:     map[uuid.UUID]*Part{},
		dirty:     map[uuid.UUID]Change{},
	}
}

func (r *Region) Info() Info { return r.info }

func (r *Region) Size() (x, y float64) { return r.info.SizeX, r.info.SizeY }

func (r *Region) Location() (x, y int) { return r.info.LocX, r.info.LocY }

func (r *Region) PresenceByID(id uuid.UUID) (*Presence, bool) {
	p, ok := r.presences[id]
	return p, ok
}

func (r *Region) GroupByID(id uuid.UUID) (*Group, bool) {
	g, ok := r.groups[id]
	return g, ok
}

func (r *Region) PartByID(id uuid.UUID) (*Part, bool) {
	p, ok := r.parts[id]
	return p, ok
}

// Presences returns all presences ordered by id.
func (r *Region) Presences() []*Presence {
	out := make([]*Presence, 0, len(r.presences))
	for _, p := range r.presences {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].id[:], out[j].id[:]) < 0 })
	return out
}

// Groups returns all groups ordered by id.
func (r *Region) Groups() []*Group {
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].id[:], out[j].id[:]) < 0 })
	return out
}

// Entities returns every updatable entity: presences followed by parts, root first
// within each group.
func (r *Region) Entities() []Entity {
	out := make([]Entity, 0, len(r.presences)+len(r.parts))
	for _, p := range r.Presences() {
		out = append(out, p)
	}
	for _, g := range r.Groups() {
		for _, p := range g.parts {
			out = append(out, p)
		}
	}
	return out
}

func (r *Region) allocLocalID() uint32 {
	r.nextLocalID++
	return r.nextLocalID
}

func (r *Region) markDirty(e Entity, kind ChangeKind) {
	id := e.ID()
	if prev, ok := r.dirty[id]; ok && prev.Kind >= kind {
		return
	}
	r.dirty[id] = Change{Kind: kind, Entity: e}
}

func (r *Region) markGroupDirty(g *Group, kind ChangeKind) {
	for _, p := range g.parts {
		r.markDirty(p, kind)
	}
}

// markPresenceMoved marks p and the attachments it wears, whose position follows it.
func (r *Region) markPresenceMoved(p *Presence, kind ChangeKind) {
	r.markDirty(p, kind)
	for _, g := range p.worn {
		r.markGroupDirty(g, ChangeTerse)
	}
}

// unseat stands every presence sitting on g where its seat was.
func (r *Region) unseat(g *Group) {
	for _, p := range r.presences {
		if p.seat == nil || p.seat.group != g {
			continue
		}
		p.pos = p.seat.AbsolutePosition()
		p.seat = nil
		p.sittingOn = uuid.Nil
		r.markPresenceMoved(p, ChangeFull)
	}
}

// TakeDirty returns the changes accumulated since the previous call, ordered by id.
func (r *Region) TakeDirty() []Change {
	if len(r.dirty) == 0 {
		return nil
	}
	out := make([]Change, 0, len(r.dirty))
	for _, c := range r.dirty {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Entity.ID(), out[j].Entity.ID()
		return bytes.Compare(a[:], b[:]) < 0
	})
	r.dirty = map[uuid.UUID]Change{}
	return out
}

func (r *Region) AddPresence(p *Presence) error {
	if p == nil {
		return fmt.Errorf("add presence: nil")
	}
	if r.idInUse(p.id) {
		return fmt.Errorf("add presence %s: %w", p.id, ErrDuplicateID)
	}
	p.localID = r.allocLocalID()
	r.presences[p.id] = p
	r.markDirty(p, ChangeFull)
	return nil
}

// RemovePresence removes a presence together with the attachments it wears.
func (r *Region) RemovePresence(id uuid.UUID) error {
	p, ok := r.presences[id]
	if !ok {
		return fmt.Errorf("remove presence %s: %w", id, ErrUnknownPresence)
	}
	for _, g := range append([]*Group(nil), p.worn...) {
		r.removeGroup(g)
	}
	delete(r.presences, id)
	r.markDirty(p, ChangeKill)
	return nil
}

func (r *Region) AddGroup(g *Group) error {
	if g == nil {
		return fmt.Errorf("add group: nil")
	}
	if r.idInUse(g.id) {
		return fmt.Errorf("add group %s: %w", g.id, ErrDuplicateID)
	}
	for _, p := range g.parts {
		if r.idInUse(p.id) {
			return fmt.Errorf("add group %s part %s: %w", g.id, p.id, ErrDuplicateID)
		}
	}
	g.localID = r.allocLocalID()
	r.groups[g.id] = g
	for _, p := range g.parts {
		p.localID = r.allocLocalID()
		r.parts[p.id] = p
	}
	r.markGroupDirty(g, ChangeFull)
	return nil
}

func (r *Region) RemoveGroup(id uuid.UUID) error {
	g, ok := r.groups[id]
	if !ok {
		return fmt.Errorf("remove group %s: %w", id, ErrUnknownGroup)
	}
	r.removeGroup(g)
	return nil
}

func (r *Region) removeGroup(g *Group) {
	r.unseat(g)
	if g.wearer != nil {
		g.wearer.dropWorn(g)
		g.wearer = nil
	}
	for _, p := range g.parts {
		delete(r.parts, p.id)
	}
	delete(r.groups, g.id)
	r.markGroupDirty(g, ChangeKill)
}

func (r *Region) MovePresence(id uuid.UUID, pos mgl64.Vec3) error {
	p, ok := r.presences[id]
	if !ok {
		return fmt.Errorf("move presence %s: %w", id, ErrUnknownPresence)
	}
	p.pos = pos
	r.markPresenceMoved(p, ChangeTerse)
	return nil
}

func (r *Region) UpdateCamera(id uuid.UUID, pos, at mgl64.Vec3) error {
	p, ok := r.presences[id]
	if !ok {
		return fmt.Errorf("update camera %s: %w", id, ErrUnknownPresence)
	}
	p.cameraPos = pos
	if at.Dot(at) > 0 {
		p.cameraAt = at.Normalize()
	}
	return nil
}

func (r *Region) SetDrawDistance(id uuid.UUID, dd float64) error {
	p, ok := r.presences[id]
	if !ok {
		return fmt.Errorf("set draw distance %s: %w", id, ErrUnknownPresence)
	}
	if dd < 0 {
		dd = 0
	}
	p.drawDistance = dd
	return nil
}

// MakeRoot upgrades a child agent to a root agent (the viewer crossed into this
// region). The cached home-region offset no longer applies.
func (r *Region) MakeRoot(id uuid.UUID) error {
	p, ok := r.presences[id]
	if !ok {
		return fmt.Errorf("make root %s: %w", id, ErrUnknownPresence)
	}
	p.child = false
	p.ResetRegionOffset()
	r.markDirty(p, ChangeFull)
	return nil
}

// MakeChild downgrades a root agent to a child agent (the viewer left for a
// neighbour but still sees this region).
func (r *Region) MakeChild(id uuid.UUID) error {
	p, ok := r.presences[id]
	if !ok {
		return fmt.Errorf("make child %s: %w", id, ErrUnknownPresence)
	}
	p.child = true
	p.ResetRegionOffset()
	r.markDirty(p, ChangeFull)
	return nil
}

func (r *Region) MoveGroup(id uuid.UUID, pos mgl64.Vec3, rot mgl64.Quat) error {
	g, ok := r.groups[id]
	if !ok {
		return fmt.Errorf("move group %s: %w", id, ErrUnknownGroup)
	}
	g.pos = pos
	g.rot = identityIfZero(rot)
	r.markGroupDirty(g, ChangeTerse)
	for _, p := range r.presences {
		if p.seat != nil && p.seat.group == g {
			r.markPresenceMoved(p, ChangeTerse)
		}
	}
	return nil
}

// Attach makes the group an attachment worn by the given presence. Anyone
// sitting on it stands up first.
func (r *Region) Attach(groupID, avatarID uuid.UUID, point int) error {
	g, ok := r.groups[groupID]
	if !ok {
		return fmt.Errorf("attach %s: %w", groupID, ErrUnknownGroup)
	}
	wearer, ok := r.presences[avatarID]
	if !ok {
		return fmt.Errorf("attach %s to %s: %w", groupID, avatarID, ErrUnknownPresence)
	}
	r.unseat(g)
	if g.wearer != nil {
		g.wearer.dropWorn(g)
	}
	g.attachedTo = avatarID
	g.attachPoint = point
	g.wearer = wearer
	wearer.worn = append(wearer.worn, g)
	r.markGroupDirty(g, ChangeFull)
	return nil
}

// Detach drops an attachment where its wearer stands.
func (r *Region) Detach(groupID uuid.UUID) error {
	g, ok := r.groups[groupID]
	if !ok {
		return fmt.Errorf("detach %s: %w", groupID, ErrUnknownGroup)
	}
	if g.wearer == nil {
		return nil
	}
	g.pos = g.wearer.AbsolutePosition()
	g.wearer.dropWorn(g)
	g.wearer = nil
	g.attachedTo = uuid.Nil
	g.attachPoint = 0
	r.markGroupDirty(g, ChangeFull)
	return nil
}

func (r *Region) Sit(avatarID, partID uuid.UUID) error {
	p, ok := r.presences[avatarID]
	if !ok {
		return fmt.Errorf("sit %s: %w", avatarID, ErrUnknownPresence)
	}
	seat, ok := r.parts[partID]
	if !ok {
		return fmt.Errorf("sit %s on %s: %w", avatarID, partID, ErrUnknownPart)
	}
	if seat.group.wearer != nil {
		return fmt.Errorf("sit %s on %s: %w", avatarID, partID, ErrInvalidSeat)
	}
	p.seat = seat
	p.sittingOn = partID
	r.markPresenceMoved(p, ChangeFull)
	return nil
}

func (r *Region) Stand(avatarID uuid.UUID) error {
	p, ok := r.presences[avatarID]
	if !ok {
		return fmt.Errorf("stand %s: %w", avatarID, ErrUnknownPresence)
	}
	if p.seat == nil {
		return nil
	}
	p.pos = p.seat.AbsolutePosition()
	p.seat = nil
	p.sittingOn = uuid.Nil
	r.markPresenceMoved(p, ChangeFull)
	return nil
}

func (r *Region) idInUse(id uuid.UUID) bool {
	if _, ok := r.presences[id]; ok {
		return true
	}
	if _, ok := r.groups[id]; ok {
		return true
	}
	_, ok := r.parts[id]
	return ok
}
