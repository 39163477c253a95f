package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/chessroom/internal/game/room"
	"github.com/cory-johannsen/chessroom/internal/game/rules"
)

func TestCode(t *testing.T) {
	cases := map[string]error{
		"":                nil,
		"room-not-found":  fmt.Errorf("%w: r1", room.ErrRoomNotFound),
		"not-a-player":    room.ErrNotAPlayer,
		"not-your-turn":   room.ErrNotYourTurn,
		"illegal-move":    fmt.Errorf("chessrules: %w", rules.ErrIllegalMove),
		"already-bound":   ErrAlreadyBound,
		"missing-room-id": ErrMissingRoomID,
		"bad-request":     fmt.Errorf("%w: eof", ErrBadRequest),
		"unknown-intent":  ErrUnknownIntent,
		"not-connected":   ErrNotConnected,
		"internal":        errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, Code(err), "%v", err)
	}
}

func TestEventShapes(t *testing.T) {
	b, err := json.Marshal(Event{
		Type:  FrameEvent,
		Event: EventOccupancyUpdate,
		Data:  OccupancyUpdate{RoomID: "r", Occupancy: room.Occupancy{White: "a", Observers: 2}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"event","event":"occupancyUpdate",
		"data":{"roomId":"r","white":"a","black":"","observers":2}}`, string(b))

	winner := rules.White
	b, err = json.Marshal(SessionEnded{RoomID: "r", Cause: CauseResignation, Winner: &winner})
	require.NoError(t, err)
	assert.JSONEq(t, `{"roomId":"r","cause":"resignation","winner":"white"}`, string(b))

	b, err = json.Marshal(Ack{Type: FrameAck, RequestID: "7", Error: "not-your-turn"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ack","requestId":"7","ok":false,"error":"not-your-turn"}`, string(b))
}
