package wsrelay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/BearBump/LiveTrack/internal/broker/messages"
	applog "github.com/BearBump/LiveTrack/internal/log"
	"github.com/BearBump/LiveTrack/internal/metrics"
	"github.com/BearBump/LiveTrack/internal/realtime"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Backplane shares accepted frames with relay instances behind the same
// load balancer.
type Backplane interface {
	Publish(ctx context.Context, room string, frame []byte) error
}

// Mirror receives every accepted sample; Enqueue must not block.
type Mirror interface {
	Enqueue(m messages.LocationSample) bool
}

type Server struct {
	hub      *hub
	upgrader websocket.Upgrader
	log      zerolog.Logger

	backplane Backplane
	mirror    Mirror

	sendBuffer int
	ratePerSec float64
	rateBurst  int
	startedAt  time.Time
}

func NewServer() *Server {
	return &Server{
		hub: newHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			// Viewers are served from other origins (mobile webviews, dashboards).
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:        applog.WithComponent("wsrelay"),
		sendBuffer: 64,
		ratePerSec: 20,
		rateBurst:  40,
		startedAt:  time.Now().UTC(),
	}
}

func (s *Server) WithLogger(l zerolog.Logger) *Server {
	s.log = l
	return s
}

func (s *Server) WithBackplane(b Backplane) *Server {
	s.backplane = b
	return s
}

func (s *Server) WithMirror(m Mirror) *Server {
	s.mirror = m
	return s
}

// WithPeerLimits sets the per-peer send buffer and inbound message rate.
// Zero values keep the defaults.
func (s *Server) WithPeerLimits(sendBuffer int, ratePerSec float64, burst int) *Server {
	if sendBuffer > 0 {
		s.sendBuffer = sendBuffer
	}
	if ratePerSec > 0 {
		s.ratePerSec = ratePerSec
	}
	if burst > 0 {
		s.rateBurst = burst
	}
	return s
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug().Err(err).Msg("websocket upgrade")
		return
	}

	p := newPeer(uuid.NewString(), conn, s.sendBuffer, rate.NewLimiter(rate.Limit(s.ratePerSec), s.rateBurst))
	s.hub.add(p)
	s.log.Debug().Str("peer_id", p.id).Str("remote", r.RemoteAddr).Msg("peer connected")

	go p.writePump()
	s.readPump(r.Context(), p)

	s.hub.remove(p)
	p.close()
	s.log.Debug().Str("peer_id", p.id).Msg("peer disconnected")
}

func (s *Server) readPump(ctx context.Context, p *peer) {
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Debug().Err(err).Str("peer_id", p.id).Msg("read")
			}
			return
		}
		// Any inbound frame proves liveness.
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.handleFrame(ctx, p, data)
	}
}

func (s *Server) handleFrame(ctx context.Context, p *peer, data []byte) {
	var f realtime.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		metrics.IncRelayMessage("", "invalid")
		return
	}
	if !p.limiter.Allow() {
		metrics.IncRelayMessage(f.Event, "rate_limited")
		metrics.IncRelayDrop("rate_limited")
		return
	}

	switch f.Event {
	case realtime.EventJoinRoom:
		var room string
		if err := json.Unmarshal(f.Data, &room); err != nil || room == "" {
			metrics.IncRelayMessage(f.Event, "invalid")
			return
		}
		s.hub.join(p, room)
		metrics.IncRelayMessage(f.Event, "accepted")
		s.log.Debug().Str("peer_id", p.id).Str("shipment_id", room).Msg("joined room")

	case realtime.EventLocationUpdate:
		var m messages.LocationSample
		if err := json.Unmarshal(f.Data, &m); err != nil {
			metrics.IncRelayMessage(f.Event, "invalid")
			return
		}
		if err := m.Validate(); err != nil {
			metrics.IncRelayMessage(f.Event, "invalid")
			s.log.Debug().Err(err).Str("peer_id", p.id).Msg("reject sample")
			return
		}
		// Re-encode so peers only ever see the validated shape.
		frame, err := realtime.EncodeFrame(realtime.EventLocationUpdate, m)
		if err != nil {
			metrics.IncRelayMessage(f.Event, "invalid")
			return
		}
		s.hub.broadcast(m.ShipmentID, frame, p)
		metrics.IncRelayMessage(f.Event, "accepted")

		if s.backplane != nil {
			if err := s.backplane.Publish(ctx, m.ShipmentID, frame); err != nil {
				s.log.Warn().Err(err).Str("shipment_id", m.ShipmentID).Msg("backplane publish")
			}
		}
		if s.mirror != nil && !s.mirror.Enqueue(m) {
			metrics.IncRelayDrop("mirror_full")
		}

	default:
		metrics.IncRelayMessage(f.Event, "unsupported")
	}
}

// DeliverRemote fans a frame received from another instance out to the
// local members of room.
func (s *Server) DeliverRemote(room string, frame []byte) {
	s.hub.broadcast(room, frame, nil)
}

// Shutdown disconnects every peer. Clients reconnect to another instance.
func (s *Server) Shutdown() {
	for _, p := range s.hub.all() {
		p.close()
	}
}

type Stats struct {
	StartedAt time.Time  `json:"startedAt"`
	Peers     int        `json:"peers"`
	Rooms     []RoomInfo `json:"rooms"`
}

func (s *Server) Stats() Stats {
	peers, rooms := s.hub.snapshot()
	return Stats{StartedAt: s.startedAt, Peers: peers, Rooms: rooms}
}
