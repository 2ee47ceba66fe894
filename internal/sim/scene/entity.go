package scene

import (
	"errors"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// Entity is anything that can be rendered and updated to viewers: presences and
// object parts. Groups also satisfy it so whole objects can be culled at once.
type Entity interface {
	ID() uuid.UUID
	LocalID() uint32
	AbsolutePosition() mgl64.Vec3
}

var (
	ErrUnknownPresence = errors.New("unknown presence")
	ErrUnknownGroup    = errors.New("unknown group")
	ErrUnknownPart     = errors.New("unknown part")
	ErrDuplicateID     = errors.New("duplicate entity id")
	ErrInvalidSeat     = errors.New("cannot sit on an attachment")
)

// RegionOffset is the signed grid distance (meters) from a child agent's home
// region to the region it is being culled in.
type RegionOffset struct {
	X int
	Y int
}

func (o RegionOffset) IsZero() bool { return o.X == 0 && o.Y == 0 }

func identityIfZero(q mgl64.Quat) mgl64.Quat {
	if q.W == 0 && q.V == (mgl64.Vec3{}) {
		return mgl64.QuatIdent()
	}
	return q
}

func newIDIfNil(id uuid.UUID) uuid.UUID {
	if id == uuid.Nil {
		return uuid.New()
	}
	return id
}
