package realtime

import "sync"

// Presence counts live customer sockets per room. Snapshot returns a copy
// taken under the lock, so callers never observe a half-applied update.
type Presence struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

func NewPresence() *Presence {
	return &Presence{rooms: make(map[string]map[string]struct{})}
}

// Join registers connID in roomID and returns the room's new count.
func (p *Presence) Join(roomID, connID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.rooms[roomID]
	if conns == nil {
		conns = make(map[string]struct{})
		p.rooms[roomID] = conns
	}
	conns[connID] = struct{}{}
	return len(conns)
}

// Leave removes connID and returns the room's remaining count.
func (p *Presence) Leave(roomID, connID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.rooms[roomID]
	if conns == nil {
		return 0
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(p.rooms, roomID)
		return 0
	}
	return len(conns)
}

func (p *Presence) Online(roomID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rooms[roomID])
}

func (p *Presence) Snapshot() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.rooms))
	for room, conns := range p.rooms {
		out[room] = len(conns)
	}
	return out
}
