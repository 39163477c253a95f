// Package rules defines the boundary between rooms and the game rules they
// delegate to. Rooms never inspect a State; they hand it back to the Engine
// that produced it.
package rules

import (
	"errors"
	"fmt"
)

// ErrIllegalMove is returned by Engine.Apply when the engine refuses a move.
// Any other error from an Engine is an internal failure.
var ErrIllegalMove = errors.New("illegal move")

// Seat is one of the two opposing roles with move authority.
type Seat int

const (
	// White moves first.
	White Seat = iota
	// Black moves second.
	Black
)

// Seats lists both seats in assignment priority order.
var Seats = [2]Seat{White, Black}

// String returns the wire name of the seat.
func (s Seat) String() string {
	switch s {
	case White:
		return "white"
	case Black:
		return "black"
	default:
		return fmt.Sprintf("seat(%d)", int(s))
	}
}

// Opponent returns the opposing seat.
func (s Seat) Opponent() Seat {
	if s == White {
		return Black
	}
	return White
}

// Valid reports whether s names one of the two seats.
func (s Seat) Valid() bool {
	return s == White || s == Black
}

// MarshalText encodes the seat by name.
func (s Seat) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid seat %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a seat name.
func (s *Seat) UnmarshalText(b []byte) error {
	seat, ok := ParseSeat(string(b))
	if !ok {
		return fmt.Errorf("unknown seat %q", string(b))
	}
	*s = seat
	return nil
}

// ParseSeat maps a wire name to a Seat.
func ParseSeat(name string) (Seat, bool) {
	switch name {
	case "white":
		return White, true
	case "black":
		return Black, true
	default:
		return 0, false
	}
}

// Move is a proposed move in coordinate form.
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// StatusKind classifies whether and how a game has ended.
type StatusKind string

const (
	StatusNone                 StatusKind = "none"
	StatusCheckmate            StatusKind = "checkmate"
	StatusStalemate            StatusKind = "stalemate"
	StatusRepetition           StatusKind = "repetition"
	StatusInsufficientMaterial StatusKind = "insufficient_material"
	StatusDraw                 StatusKind = "draw"
)

// Status is the result of evaluating a state for game end.
type Status struct {
	Kind StatusKind `json:"kind"`
	// Winner is set only for checkmate.
	Winner *Seat `json:"winner,omitempty"`
	// Check reports whether the side to move is in check.
	Check bool `json:"check"`
}

// Terminal reports whether the status ends the game.
func (s Status) Terminal() bool {
	return s.Kind != "" && s.Kind != StatusNone
}

// State is an engine-owned game snapshot. Implementations must be immutable:
// Apply returns a new State and never modifies its input.
type State interface {
	// Encode renders the state for clients, for example as FEN.
	Encode() string
}

// Engine evaluates and applies moves for one game type.
type Engine interface {
	// Name identifies the engine in logs and room summaries.
	Name() string
	// NewGame returns the initial state of a fresh game.
	NewGame() (State, error)
	// LegalMoves lists the moves available to the side to move.
	LegalMoves(s State) ([]string, error)
	// Apply plays m against s. It returns ErrIllegalMove (possibly wrapped)
	// when m is refused, along with the canonical notation of the move otherwise.
	Apply(s State, m Move) (State, string, error)
	// TurnOwner reports which seat moves next.
	TurnOwner(s State) (Seat, error)
	// Status evaluates s for game end.
	Status(s State) (Status, error)
}
