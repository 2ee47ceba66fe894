package viewerproto

import "github.com/goccy/go-json"

// Version is the viewer stream protocol version.
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeControl   = "CONTROL"
	TypeUpdate    = "UPDATE"
	TypeError     = "ERROR"
)

// Client -> Server. First message on the viewer WS connection.
type SubscribeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	AgentID         string     `json:"agent_id,omitempty"`
	Name            string     `json:"name,omitempty"`
	Pos             [3]float64 `json:"pos"`
	DrawDistance    float64    `json:"draw_distance,omitempty"`
	Camera          *Camera    `json:"camera,omitempty"`

	// ChildAgent subscribes as a neighbour-region agent whose avatar lives in
	// another region.
	ChildAgent bool `json:"child_agent,omitempty"`
}

type Camera struct {
	Pos [3]float64 `json:"pos"`
	At  [3]float64 `json:"at"`
}

// Control ops.
const (
	OpMove         = "MOVE"
	OpCamera       = "CAMERA"
	OpDrawDistance = "DRAW_DISTANCE"
	OpSit          = "SIT"
	OpStand        = "STAND"
	OpMakeRoot     = "MAKE_ROOT"
	OpMakeChild    = "MAKE_CHILD"
)

// Client -> Server. Changes the subscribed presence.
type ControlMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Op              string      `json:"op"`
	Pos             *[3]float64 `json:"pos,omitempty"`
	Camera          *Camera     `json:"camera,omitempty"`
	DrawDistance    *float64    `json:"draw_distance,omitempty"`
	TargetID        string      `json:"target_id,omitempty"`
}

// Server -> Client. The updates scheduled for this viewer in one tick, most
// important first.
type UpdateMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	Tick            uint64         `json:"tick"`
	RegionID        string         `json:"region_id"`
	Updates         []EntityUpdate `json:"updates"`
	Backlog         int            `json:"backlog,omitempty"`
}

// Entity kinds.
const (
	EntityAvatar = "AVATAR"
	EntityPart   = "PART"
)

type EntityUpdate struct {
	Kind    string `json:"kind"` // FULL, TERSE or KILL
	ID      string `json:"id"`
	LocalID uint32 `json:"local_id"`
	Entity  string `json:"entity"`

	Name    string      `json:"name,omitempty"`
	GroupID string      `json:"group_id,omitempty"`
	Pos     *[3]float64 `json:"pos,omitempty"`
	Rot     *[4]float64 `json:"rot,omitempty"`
	Scale   *[3]float64 `json:"scale,omitempty"`

	// Priority is omitted for kills and for entities that could not be scored.
	Priority *float64 `json:"priority,omitempty"`
}

const (
	ErrBadRequest       = "E_BAD_REQUEST"
	ErrVersion          = "E_PROTOCOL_VERSION"
	ErrUnknownEntity    = "E_UNKNOWN_ENTITY"
	ErrRegionBusy       = "E_REGION_BUSY"
	ErrHandshakeTimeout = "E_HANDSHAKE_TIMEOUT"
)

// Server -> Client. Sent before the server closes a connection it rejects, or
// in reply to a control message that failed.
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}

// EncodeError returns an ERROR frame ready to write.
func EncodeError(code, message string) []byte {
	b, _ := json.Marshal(ErrorMsg{
		Type:            TypeError,
		ProtocolVersion: Version,
		Code:            code,
		Message:         message,
	})
	return b
}

// HTTP response for GET /v1/viewer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string       `json:"protocol_version"`
	RegionID        string       `json:"region_id"`
	RegionName      string       `json:"region_name"`
	Tick            uint64       `json:"tick"`
	RegionParams    RegionParams `json:"region_params"`
}

type RegionParams struct {
	TickRateHz        int        `json:"tick_rate_hz"`
	Size              [2]float64 `json:"size"`
	Location          [2]int     `json:"location"`
	MinDrawDistance   float64    `json:"min_draw_distance"`
	Scheme            string     `json:"scheme"`
	UseCulling        bool       `json:"use_culling"`
	MaxUpdatesPerTick int        `json:"max_updates_per_tick"`
}
