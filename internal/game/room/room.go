// Package room holds the authoritative state of every live game: seats,
// observers, the move log, and the registry that creates and evicts rooms.
//
// Every read and write of a Room happens under that Room's own lock. Rooms
// never share a lock with each other.
package room

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cory-johannsen/chessroom/internal/game/rules"
)

var (
	// ErrRoomNotFound is returned for unknown, evicted, or broken rooms.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNotAPlayer is returned when an observer or stranger tries to act as a seat.
	ErrNotAPlayer = errors.New("not a player")
	// ErrNotYourTurn is returned when a seated player moves out of turn.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrIllegalMove is returned when the rules engine refuses a move.
	ErrIllegalMove = rules.ErrIllegalMove

	// errEvicted tells Registry.Join that it raced with eviction and must retry.
	errEvicted = errors.New("room evicted")
)

// Role is what a connection is allowed to do in a room.
type Role string

const (
	RoleWhite    Role = "white"
	RoleBlack    Role = "black"
	RoleObserver Role = "observer"
)

// RoleOf maps a seat to its role.
func RoleOf(s rules.Seat) Role {
	if s == rules.Black {
		return RoleBlack
	}
	return RoleWhite
}

// Seat returns the seat of a seated role. ok is false for observers.
func (r Role) Seat() (seat rules.Seat, ok bool) {
	switch r {
	case RoleWhite:
		return rules.White, true
	case RoleBlack:
		return rules.Black, true
	default:
		return 0, false
	}
}

// MoveRecord summarizes one applied move. Records are never modified after
// they are appended to a room's log.
type MoveRecord struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	Notation  string `json:"notation"`
}

// Occupancy is who holds each seat and how many observers are present.
// An empty string means the seat is free.
type Occupancy struct {
	White     string `json:"white"`
	Black     string `json:"black"`
	Observers int    `json:"observers"`
}

// Empty reports whether nobody is in the room.
func (o Occupancy) Empty() bool {
	return o.White == "" && o.Black == "" && o.Observers == 0
}

// Snapshot is a consistent copy of a room's public state.
type Snapshot struct {
	RoomID    string       `json:"roomId"`
	Engine    string       `json:"engine"`
	State     string       `json:"state"`
	MoveLog   []MoveRecord `json:"moveLog"`
	Occupancy Occupancy    `json:"occupancy"`
}

// JoinResult is returned by a successful role assignment.
type JoinResult struct {
	Role     Role
	Snapshot Snapshot
}

// MoveResult is returned by a successful move.
type MoveResult struct {
	Record   MoveRecord
	State    string
	NextTurn rules.Seat
	Status   rules.Status
}

// Commit carries what a caller needs to announce a mutation. It is handed to
// the caller's commit hook while the room is still locked, so announcements
// made from the hook are ordered exactly like the mutations themselves.
type Commit struct {
	RoomID    string
	Members   []string
	Occupancy Occupancy

	// Exactly one of these is set, matching the operation that committed.
	// Leave sets none.
	Joined *JoinResult
	Moved  *MoveResult
	Winner *rules.Seat
}

// CommitFunc is invoked inside the room's critical section after a successful
// mutation. It must not block and must not call back into the Room.
type CommitFunc func(Commit)

// Room is one game's authoritative state and membership.
type Room struct {
	id     string
	engine rules.Engine

	mu        sync.Mutex
	state     rules.State
	seats     [2]string
	observers map[string]struct{}
	log       []MoveRecord
	broken    error
	evicted   bool
}

// New creates an empty Room with a fresh game from engine.
//
// Precondition: id must be non-empty; engine must be non-nil.
// Postcondition: Returns an error if the engine cannot produce an initial state.
func New(id string, engine rules.Engine) (*Room, error) {
	state, err := engine.NewGame()
	if err != nil {
		return nil, fmt.Errorf("room %s: creating game: %w", id, err)
	}
	return &Room{
		id:        id,
		engine:    engine,
		state:     state,
		observers: make(map[string]struct{}),
	}, nil
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// AssignRole seats connID according to the two-seat filling rules: observer
// when both seats are taken, else the preferred seat when free, else the
// first free seat in white-then-black order. A connection already in the room
// gets its current role back. commit, if non-nil, runs before the lock is
// released.
func (r *Room) AssignRole(connID string, preferred *rules.Seat, commit CommitFunc) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assignLocked(connID, preferred, commit)
}

func (r *Room) assignLocked(connID string, preferred *rules.Seat, commit CommitFunc) (JoinResult, error) {
	if r.evicted {
		return JoinResult{}, errEvicted
	}
	if r.broken != nil {
		return JoinResult{}, fmt.Errorf("%w: %s", ErrRoomNotFound, r.id)
	}

	role, present := r.roleLocked(connID)
	if !present {
		role = r.chooseLocked(preferred)
		if seat, ok := role.Seat(); ok {
			r.seats[seat] = connID
		} else {
			r.observers[connID] = struct{}{}
		}
	}

	res := JoinResult{Role: role, Snapshot: r.snapshotLocked()}
	if commit != nil {
		c := r.commitLocked()
		c.Joined = &res
		commit(c)
	}
	return res, nil
}

func (r *Room) chooseLocked(preferred *rules.Seat) Role {
	if r.seats[rules.White] != "" && r.seats[rules.Black] != "" {
		return RoleObserver
	}
	if preferred != nil && preferred.Valid() && r.seats[*preferred] == "" {
		return RoleOf(*preferred)
	}
	for _, seat := range rules.Seats {
		if r.seats[seat] == "" {
			return RoleOf(seat)
		}
	}
	return RoleObserver
}

// ApplyMove validates and plays a move for connID. The turn check, the
// engine call, the state replacement and the log append happen as one unit.
// commit, if non-nil, runs after the mutation and before the lock is released.
//
// An unexpected engine failure marks the room broken; that call and every
// later one report ErrRoomNotFound.
func (r *Room) ApplyMove(connID string, mv rules.Move, commit CommitFunc) (res MoveResult, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.usableLocked(); err != nil {
		return MoveResult{}, err
	}

	role, present := r.roleLocked(connID)
	seat, seated := role.Seat()
	if !present || !seated {
		return MoveResult{}, ErrNotAPlayer
	}

	defer r.recoverEngine(&err)

	turn, err := r.engine.TurnOwner(r.state)
	if err != nil {
		return MoveResult{}, r.breakLocked(err)
	}
	if turn != seat {
		return MoveResult{}, ErrNotYourTurn
	}

	next, notation, err := r.engine.Apply(r.state, mv)
	if err != nil {
		if errors.Is(err, rules.ErrIllegalMove) {
			return MoveResult{}, err
		}
		return MoveResult{}, r.breakLocked(err)
	}
	nextTurn, err := r.engine.TurnOwner(next)
	if err != nil {
		return MoveResult{}, r.breakLocked(err)
	}
	status, err := r.engine.Status(next)
	if err != nil {
		return MoveResult{}, r.breakLocked(err)
	}

	record := MoveRecord{From: mv.From, To: mv.To, Promotion: mv.Promotion, Notation: notation}
	r.state = next
	r.log = append(r.log, record)

	res = MoveResult{Record: record, State: next.Encode(), NextTurn: nextTurn, Status: status}
	if commit != nil {
		c := r.commitLocked()
		c.Moved = &res
		commit(c)
	}
	return res, nil
}

// Resign checks that connID holds a seat and returns the winning seat. The
// game state is not modified. commit, if non-nil, runs before the lock is
// released.
func (r *Room) Resign(connID string, commit CommitFunc) (rules.Seat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.usableLocked(); err != nil {
		return 0, err
	}
	role, present := r.roleLocked(connID)
	seat, seated := role.Seat()
	if !present || !seated {
		return 0, ErrNotAPlayer
	}
	winner := seat.Opponent()
	if commit != nil {
		c := r.commitLocked()
		c.Winner = &winner
		commit(c)
	}
	return winner, nil
}

// LegalMoves lists the moves available to the side to move. Only room
// members may ask.
func (r *Room) LegalMoves(connID string) (moves []string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.usableLocked(); err != nil {
		return nil, err
	}
	if _, present := r.roleLocked(connID); !present {
		return nil, ErrNotAPlayer
	}
	defer r.recoverEngine(&err)
	moves, err = r.engine.LegalMoves(r.state)
	if err != nil {
		return nil, r.breakLocked(err)
	}
	return moves, nil
}

// Leave removes connID from whichever slot holds it. Leaving twice is a
// no-op. removed reports whether connID was present; commit, if non-nil, runs
// only when it was, before the lock is released.
func (r *Room) Leave(connID string, commit CommitFunc) (occ Occupancy, empty, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.seats[rules.White] == connID && connID != "":
		r.seats[rules.White] = ""
		removed = true
	case r.seats[rules.Black] == connID && connID != "":
		r.seats[rules.Black] = ""
		removed = true
	default:
		if _, ok := r.observers[connID]; ok {
			delete(r.observers, connID)
			removed = true
		}
	}

	occ = r.occupancyLocked()
	if removed && commit != nil {
		commit(r.commitLocked())
	}
	return occ, occ.Empty(), removed
}

// Snapshot returns a consistent copy of the room's public state.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Broken reports the engine failure that made the room unusable, if any.
func (r *Room) Broken() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broken
}

func (r *Room) usableLocked() error {
	if r.evicted || r.broken != nil {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, r.id)
	}
	return nil
}

func (r *Room) roleLocked(connID string) (Role, bool) {
	if connID == "" {
		return "", false
	}
	switch connID {
	case r.seats[rules.White]:
		return RoleWhite, true
	case r.seats[rules.Black]:
		return RoleBlack, true
	}
	if _, ok := r.observers[connID]; ok {
		return RoleObserver, true
	}
	return "", false
}

func (r *Room) breakLocked(cause error) error {
	if r.broken == nil {
		r.broken = cause
	}
	return fmt.Errorf("%w: %s: rules engine failed: %w", ErrRoomNotFound, r.id, cause)
}

// recoverEngine turns a panic inside the rules engine into a broken room.
// It must be deferred while r.mu is held.
func (r *Room) recoverEngine(err *error) {
	if p := recover(); p != nil {
		*err = r.breakLocked(fmt.Errorf("panic: %v", p))
	}
}

func (r *Room) occupancyLocked() Occupancy {
	return Occupancy{
		White:     r.seats[rules.White],
		Black:     r.seats[rules.Black],
		Observers: len(r.observers),
	}
}

func (r *Room) membersLocked() []string {
	members := make([]string, 0, 2+len(r.observers))
	for _, id := range r.seats {
		if id != "" {
			members = append(members, id)
		}
	}
	for id := range r.observers {
		members = append(members, id)
	}
	return members
}

func (r *Room) commitLocked() Commit {
	return Commit{RoomID: r.id, Members: r.membersLocked(), Occupancy: r.occupancyLocked()}
}

func (r *Room) snapshotLocked() Snapshot {
	log := make([]MoveRecord, len(r.log))
	copy(log, r.log)
	return Snapshot{
		RoomID:    r.id,
		Engine:    r.engine.Name(),
		State:     r.state.Encode(),
		MoveLog:   log,
		Occupancy: r.occupancyLocked(),
	}
}
