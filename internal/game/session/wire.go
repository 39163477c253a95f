package session

import (
	"encoding/json"
	"errors"

	"github.com/cory-johannsen/chessroom/internal/game/room"
	"github.com/cory-johannsen/chessroom/internal/game/rules"
)

// Intents a client may send.
const (
	IntentJoin       = "join"
	IntentMove       = "move"
	IntentResign     = "resign"
	IntentLegalMoves = "legalMoves"
)

// Events broadcast to every member of a room.
const (
	EventOccupancyUpdate = "occupancyUpdate"
	EventMoveApplied     = "moveApplied"
	EventSessionEnded    = "sessionEnded"
)

// Frame types written to clients.
const (
	FrameAck   = "ack"
	FrameEvent = "event"
)

// Causes carried by a sessionEnded event.
const (
	CauseResignation = "resignation"
	CauseTerminal    = "terminal"
)

var (
	// ErrMissingRoomID is returned by join without a room id.
	ErrMissingRoomID = errors.New("missing room id")
	// ErrAlreadyBound is returned by join from a connection that is already in a room.
	ErrAlreadyBound = errors.New("already bound")
	// ErrBadRequest is returned for frames that do not decode.
	ErrBadRequest = errors.New("bad request")
	// ErrUnknownIntent is returned for intents the coordinator does not handle.
	ErrUnknownIntent = errors.New("unknown intent")
	// ErrNotConnected is returned for connection ids that were never
	// connected or have already disconnected.
	ErrNotConnected = errors.New("not connected")
)

// Request is one inbound client intent.
type Request struct {
	RequestID string          `json:"requestId"`
	Intent    string          `json:"intent"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// JoinData is the payload of a join intent.
type JoinData struct {
	RoomID        string `json:"roomId"`
	PreferredSeat string `json:"preferredSeat,omitempty"`
}

// Ack answers exactly one Request, on the connection that sent it.
type Ack struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Event is a room-wide broadcast.
type Event struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// JoinReply is the data of a successful join ack.
type JoinReply struct {
	RoomID  string            `json:"roomId"`
	Role    room.Role         `json:"role"`
	Engine  string            `json:"engine"`
	State   string            `json:"state"`
	MoveLog []room.MoveRecord `json:"moveLog"`
}

// LegalMovesReply is the data of a successful legalMoves ack.
type LegalMovesReply struct {
	Moves []string `json:"moves"`
}

// OccupancyUpdate is broadcast after every join and departure.
type OccupancyUpdate struct {
	RoomID string `json:"roomId"`
	room.Occupancy
}

// MoveApplied is broadcast after every accepted move.
type MoveApplied struct {
	RoomID    string       `json:"roomId"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	Promotion string       `json:"promotion,omitempty"`
	State     string       `json:"state"`
	Notation  string       `json:"notation"`
	NextTurn  rules.Seat   `json:"nextTurn"`
	Status    rules.Status `json:"status"`
}

// SessionEnded is broadcast on resignation or when a move ends the game.
type SessionEnded struct {
	RoomID string        `json:"roomId"`
	Cause  string        `json:"cause"`
	Status *rules.Status `json:"status,omitempty"`
	Winner *rules.Seat   `json:"winner,omitempty"`
}

// Code maps an error to the reason string sent to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, room.ErrRoomNotFound):
		return "room-not-found"
	case errors.Is(err, room.ErrNotAPlayer):
		return "not-a-player"
	case errors.Is(err, room.ErrNotYourTurn):
		return "not-your-turn"
	case errors.Is(err, rules.ErrIllegalMove):
		return "illegal-move"
	case errors.Is(err, ErrAlreadyBound):
		return "already-bound"
	case errors.Is(err, ErrMissingRoomID):
		return "missing-room-id"
	case errors.Is(err, ErrBadRequest):
		return "bad-request"
	case errors.Is(err, ErrUnknownIntent):
		return "unknown-intent"
	case errors.Is(err, ErrNotConnected):
		return "not-connected"
	default:
		return "internal"
	}
}
