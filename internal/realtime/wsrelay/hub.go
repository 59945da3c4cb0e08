// Package wsrelay is the websocket transport of the realtime channel: a
// room-scoped relay server and a reconnecting client.
package wsrelay

import (
	"sort"
	"sync"

	"github.com/BearBump/LiveTrack/internal/metrics"
)

// hub tracks room membership of the peers connected to this instance.
type hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*peer]struct{}
	peers map[*peer]struct{}
}

func newHub() *hub {
	return &hub{
		rooms: make(map[string]map[*peer]struct{}),
		peers: make(map[*peer]struct{}),
	}
}

func (h *hub) add(p *peer) {
	h.mu.Lock()
	h.peers[p] = struct{}{}
	n := len(h.peers)
	h.mu.Unlock()
	metrics.RelayPeers.Set(float64(n))
}

// remove drops the peer from the hub and from every room it joined.
func (h *hub) remove(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	for room, m := range h.rooms {
		delete(m, p)
		if len(m) == 0 {
			delete(h.rooms, room)
		}
	}
	n := len(h.peers)
	h.mu.Unlock()
	metrics.RelayPeers.Set(float64(n))
}

func (h *hub) join(p *peer, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p]; !ok {
		return
	}
	m, ok := h.rooms[room]
	if !ok {
		m = make(map[*peer]struct{})
		h.rooms[room] = m
	}
	m[p] = struct{}{}
}

// broadcast queues frame to every member of room except the sender. Slow
// peers lose the frame.
func (h *hub) broadcast(room string, frame []byte, except *peer) int {
	h.mu.RLock()
	targets := make([]*peer, 0, len(h.rooms[room]))
	for p := range h.rooms[room] {
		if p != except {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, p := range targets {
		if p.enqueue(frame) {
			sent++
		} else {
			metrics.IncRelayDrop("slow_peer")
		}
	}
	return sent
}

func (h *hub) all() []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		out = append(out, p)
	}
	return out
}

type RoomInfo struct {
	Room    string `json:"room"`
	Members int    `json:"members"`
}

func (h *hub) snapshot() (peers int, rooms []RoomInfo) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms = make([]RoomInfo, 0, len(h.rooms))
	for room, m := range h.rooms {
		rooms = append(rooms, RoomInfo{Room: room, Members: len(m)})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Room < rooms[j].Room })
	return len(h.peers), rooms
}
