package room

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cory-johannsen/chessroom/internal/game/rules"
)

// Summary describes a live room for listings.
type Summary struct {
	ID        string    `json:"id"`
	Engine    string    `json:"engine"`
	Occupancy Occupancy `json:"occupancy"`
	Moves     int       `json:"moves"`
	Broken    bool      `json:"broken"`
}

// Registry maps room ids to live Rooms. Its own lock only guards the map;
// it is never held while waiting for a Room lock that another goroutine may
// hold.
type Registry struct {
	engine rules.Engine

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates an empty Registry whose rooms all use engine.
//
// Precondition: engine must be non-nil.
func NewRegistry(engine rules.Engine) *Registry {
	return &Registry{
		engine: engine,
		rooms:  make(map[string]*Room),
	}
}

// Engine returns the rules engine new rooms are created with.
func (g *Registry) Engine() rules.Engine { return g.engine }

// Get returns the room registered under id without creating one.
func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	return r, ok
}

// GetOrCreate returns the room registered under id, creating and registering
// an empty one if absent. Concurrent callers for the same id receive the same
// Room.
func (g *Registry) GetOrCreate(id string) (*Room, error) {
	r, _, err := g.getOrCreate(id, false)
	return r, err
}

// getOrCreate returns the room for id. The engine builds the initial state
// outside the registry lock. When the room is created by this call and
// lockNew is set, it is returned already locked so the creator's first
// mutation shares the critical section of the creation. Locking cannot block:
// the Room is not yet reachable by anyone else.
func (g *Registry) getOrCreate(id string, lockNew bool) (*Room, bool, error) {
	if r, ok := g.Get(id); ok {
		return r, false, nil
	}

	fresh, err := New(id, g.engine)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrRoomNotFound, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[id]; ok {
		return r, false, nil
	}
	if lockNew {
		fresh.mu.Lock()
	}
	g.rooms[id] = fresh
	return fresh, true, nil
}

// Join finds or creates room id and assigns connID a role in it. A join that
// loses a race with the room's eviction retries against a fresh room, so the
// joining connection is never dropped.
func (g *Registry) Join(id, connID string, preferred *rules.Seat, commit CommitFunc) (*Room, JoinResult, error) {
	for {
		r, created, err := g.getOrCreate(id, true)
		if err != nil {
			return nil, JoinResult{}, err
		}

		var res JoinResult
		if created {
			res, err = r.assignLocked(connID, preferred, commit)
			r.mu.Unlock()
		} else {
			res, err = r.AssignRole(connID, preferred, commit)
		}
		if errors.Is(err, errEvicted) {
			continue
		}
		if err != nil {
			return nil, JoinResult{}, err
		}
		return r, res, nil
	}
}

// Remove evicts room id if it is empty. The emptiness check and the delete
// happen under the room's lock, so a join that reaches the room first keeps
// it alive, and a join that reaches it afterwards retries on a new room.
// It reports whether the room was evicted.
func (g *Registry) Remove(id string) bool {
	r, ok := g.Get(id)
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.evicted || !r.occupancyLocked().Empty() {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[id] != r {
		return false
	}
	delete(g.rooms, id)
	r.evicted = true
	return true
}

// Len returns the number of live rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// List returns summaries of all live rooms ordered by id.
func (g *Registry) List() []Summary {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	out := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		out = append(out, Summary{
			ID:        r.id,
			Engine:    r.engine.Name(),
			Occupancy: r.occupancyLocked(),
			Moves:     len(r.log),
			Broken:    r.broken != nil,
		})
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
