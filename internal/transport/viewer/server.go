package viewer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gridsim.ai/internal/sim/interest"
	"gridsim.ai/internal/sim/runtime"
	"gridsim.ai/internal/sim/scene"
	"gridsim.ai/internal/viewerproto"
)

// Region is the runtime surface the server talks to.
type Region interface {
	Info() scene.Info
	TickRateHz() int
	CurrentTick() uint64
	Join(ctx context.Context, req runtime.JoinRequest) (uuid.UUID, error)
	Leave() chan<- uuid.UUID
	Control() chan<- runtime.ControlRequest
}

type Options struct {
	// AllowRemote accepts non-loopback clients.
	AllowRemote bool
	// SendQueue is the per-viewer frame buffer.
	SendQueue int

	Scheme            string
	UseCulling        bool
	MaxUpdatesPerTick int
}

type Server struct {
	region Region
	opts   Options
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(region Region, opts Options, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	return &Server{
		region: region,
		opts:   opts,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		info := s.region.Info()
		resp := viewerproto.BootstrapResponse{
			ProtocolVersion: viewerproto.Version,
			RegionID:        info.ID.String(),
			RegionName:      info.Name,
			Tick:            s.region.CurrentTick(),
			RegionParams: viewerproto.RegionParams{
				TickRateHz:        s.region.TickRateHz(),
				Size:              [2]float64{info.SizeX, info.SizeY},
				Location:          [2]int{info.LocX, info.LocY},
				MinDrawDistance:   interest.MinDrawDistance,
				Scheme:            s.opts.Scheme,
				UseCulling:        s.opts.UseCulling,
				MaxUpdatesPerTick: s.opts.MaxUpdatesPerTick,
			},
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		out := make(chan []byte, s.opts.SendQueue)
		id, ok := s.handshake(ctx, conn, out)
		if !ok {
			return
		}
		defer func() {
			select {
			case s.region.Leave() <- id:
			case <-time.After(time.Second):
				s.log.Printf("WARN leave for %s dropped; region loop not accepting", id)
			}
		}()

		// Writer goroutine, the only one writing to conn after the handshake. A
		// closed out channel means the region dropped us. notices carries frames
		// from the reader loop; the region owns out and may close it.
		notices := make(chan []byte, 4)
		writeErr := make(chan error, 1)
		go func() {
			for {
				var b []byte
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b = <-notices:
				case next, ok := <-out:
					if !ok {
						_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resubscribe"), time.Now().Add(time.Second))
						_ = conn.Close()
						writeErr <- nil
						return
					}
					b = next
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					_ = conn.Close()
					writeErr <- err
					return
				}
			}
		}()

		// Reader loop: CONTROL messages only.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var ctl viewerproto.ControlMsg
			if err := json.Unmarshal(msg, &ctl); err != nil {
				continue
			}
			if ctl.Type != viewerproto.TypeControl || ctl.ProtocolVersion != viewerproto.Version {
				continue
			}
			select {
			case s.region.Control() <- runtime.ControlRequest{PresenceID: id, Msg: ctl}:
			default:
				// Dropped under load; tell the client so it can resend.
				select {
				case notices <- viewerproto.EncodeError(viewerproto.ErrRegionBusy, "control "+ctl.Op+" dropped: region busy"):
				default:
				}
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// handshake reads SUBSCRIBE and joins the region. On failure it tells the client
// why and returns false.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, out chan []byte) (uuid.UUID, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			reject(conn, viewerproto.ErrHandshakeTimeout, "no SUBSCRIBE within 5s")
		}
		return uuid.Nil, false
	}
	var sub viewerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != viewerproto.TypeSubscribe {
		reject(conn, viewerproto.ErrBadRequest, "expected SUBSCRIBE")
		return uuid.Nil, false
	}
	if sub.ProtocolVersion != viewerproto.Version {
		reject(conn, viewerproto.ErrVersion, fmt.Sprintf("protocol_version %q unsupported; want %q", sub.ProtocolVersion, viewerproto.Version))
		return uuid.Nil, false
	}
	agentID := uuid.Nil
	if sub.AgentID != "" {
		agentID, err = uuid.Parse(sub.AgentID)
		if err != nil {
			reject(conn, viewerproto.ErrBadRequest, "agent_id: "+err.Error())
			return uuid.Nil, false
		}
	}
	normalizeSubscribe(&sub)

	joinCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	id, err := s.region.Join(joinCtx, runtime.JoinRequest{
		AgentID:      agentID,
		Name:         sub.Name,
		Pos:          mgl64.Vec3(sub.Pos),
		Camera:       sub.Camera,
		DrawDistance: sub.DrawDistance,
		ChildAgent:   sub.ChildAgent,
		Out:          out,
	})
	if err != nil {
		code := viewerproto.ErrRegionBusy
		if errors.Is(err, scene.ErrDuplicateID) {
			code = viewerproto.ErrBadRequest
		}
		reject(conn, code, err.Error())
		return uuid.Nil, false
	}
	s.log.Printf("viewer subscribed id=%s remote=%s", id, conn.RemoteAddr())
	return id, true
}

func normalizeSubscribe(sub *viewerproto.SubscribeMsg) {
	sub.Name = strings.TrimSpace(sub.Name)
	if sub.Name == "" {
		sub.Name = "viewer"
	}
	if sub.DrawDistance < 0 {
		sub.DrawDistance = 0
	}
	if sub.DrawDistance > 1024 {
		sub.DrawDistance = 1024
	}
}

func reject(conn *websocket.Conn, code, message string) {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, viewerproto.EncodeError(code, message))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), time.Now().Add(time.Second))
}

func (s *Server) allowed(r *http.Request) bool {
	return s.opts.AllowRemote || isLoopbackRemote(r.RemoteAddr)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
