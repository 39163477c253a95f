package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/chessroom/internal/game/room"
	"github.com/cory-johannsen/chessroom/internal/game/rules"
	"github.com/cory-johannsen/chessroom/internal/game/rules/chessrules"
	"github.com/cory-johannsen/chessroom/internal/testutil"
)

// frame is the union of Ack and Event as a client sees them.
type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
}

func newCoordinator(t *testing.T, engine rules.Engine) *Coordinator {
	t.Helper()
	return NewCoordinator(room.NewRegistry(engine), zaptest.NewLogger(t), 64)
}

func connect(t *testing.T, c *Coordinator, id string) *Outbox {
	t.Helper()
	out, err := c.Connect(id)
	require.NoError(t, err)
	return out
}

// drain returns every frame currently queued on out.
func drain(t *testing.T, out *Outbox) []frame {
	t.Helper()
	var frames []frame
	for {
		select {
		case raw, ok := <-out.Frames():
			if !ok {
				return frames
			}
			var f frame
			require.NoError(t, json.Unmarshal(raw, &f))
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func events(frames []frame) []string {
	var names []string
	for _, f := range frames {
		if f.Type == FrameEvent {
			names = append(names, f.Event)
		}
	}
	return names
}

func joinReq(id, roomID, seat string) Request {
	data, _ := json.Marshal(JoinData{RoomID: roomID, PreferredSeat: seat})
	return Request{RequestID: id, Intent: IntentJoin, Data: data}
}

func moveReq(id, from, to string) Request {
	data, _ := json.Marshal(rules.Move{From: from, To: to})
	return Request{RequestID: id, Intent: IntentMove, Data: data}
}

func TestCoordinator_ConnectRejectsDuplicates(t *testing.T) {
	c := newCoordinator(t, testutil.NewEngine())
	connect(t, c, "a")
	_, err := c.Connect("a")
	assert.Error(t, err)
	_, err = c.Connect("")
	assert.Error(t, err)
	assert.Equal(t, 1, c.ConnectionCount())
}

func TestCoordinator_TwoPlayersAndObserver(t *testing.T) {
	c := newCoordinator(t, testutil.NewEngine())
	a, b, o := connect(t, c, "a"), connect(t, c, "b"), connect(t, c, "o")

	require.NoError(t, c.Handle("a", joinReq("1", "r", "")))
	fa := drain(t, a)
	require.Len(t, fa, 2)
	assert.Equal(t, FrameAck, fa[0].Type, "ack precedes the broadcast it causes")
	assert.True(t, fa[0].OK)
	var reply JoinReply
	require.NoError(t, json.Unmarshal(fa[0].Data, &reply))
	assert.Equal(t, room.RoleWhite, reply.Role)
	assert.Equal(t, "ply=0", reply.State)
	assert.Equal(t, EventOccupancyUpdate, fa[1].Event)

	require.NoError(t, c.Handle("b", joinReq("1", "r", "")))
	require.NoError(t, c.Handle("o", joinReq("1", "r", "white")))

	b1 := drain(t, b)
	require.NoError(t, json.Unmarshal(b1[0].Data, &reply))
	assert.Equal(t, room.RoleBlack, reply.Role)
	o1 := drain(t, o)
	require.NoError(t, json.Unmarshal(o1[0].Data, &reply))
	assert.Equal(t, room.RoleObserver, reply.Role)

	var occ OccupancyUpdate
	fa = drain(t, a)
	require.Len(t, fa, 2)
	require.NoError(t, json.Unmarshal(fa[1].Data, &occ))
	assert.Equal(t, OccupancyUpdate{RoomID: "r", Occupancy: room.Occupancy{White: "a", Black: "b", Observers: 1}}, occ)

	bind, ok := c.Binding("o")
	require.True(t, ok)
	assert.Equal(t, Binding{ConnID: "o", RoomID: "r", Role: room.RoleObserver}, bind)
}

func TestCoordinator_MoveBroadcastsThenAcks(t *testing.T) {
	c := newCoordinator(t, testutil.NewEngine())
	a, b, o := connect(t, c, "a"), connect(t, c, "b"), connect(t, c, "o")
	for _, id := range []string{"a", "b", "o"} {
		_, err := c.Join(id, "j", "r", "")
		require.NoError(t, err)
	}
	drain(t, a)
	drain(t, b)
	drain(t, o)

	applied, err := c.Move("a", "m1", rules.Move{From: "e2", To: "e4"})
	require.NoError(t, err)
	assert.Equal(t, "e2-e4", applied.Notation)
	assert.Equal(t, rules.Black, applied.NextTurn)

	fa := drain(t, a)
	require.Len(t, fa, 2)
	assert.Equal(t, EventMoveApplied, fa[0].Event)
	assert.Equal(t, FrameAck, fa[1].Type)
	assert.Equal(t, "m1", fa[1].RequestID)
	assert.True(t, fa[1].OK)

	for _, out := range []*Outbox{b, o} {
		got := drain(t, out)
		require.Len(t, got, 1)
		var ev MoveApplied
		require.NoError(t, json.Unmarshal(got[0].Data, &ev))
		assert.Equal(t, applied, ev)
	}
}

func TestCoordinator_RejectionsAreAckedToCallerOnly(t *testing.T) {
	c := newCoordinator(t, testutil.NewEngine())
	a, b, o := connect(t, c, "a"), connect(t, c, "b"), connect(t, c, "o")
	for _, id := range []string{"a", "b", "o"} {
		_, err := c.Join(id, "j", "r", "")
		require.NoError(t, err)
	}
	drain(t, a)
	drain(t, b)
	drain(t, o)

	cases := []struct {
		conn string
		out  *Outbox
		to   string
		code string
	}{
		{"b", b, "e5", "not-your-turn"},
		{"o", o, "e4", "not-a-player"},
		{"a", a, testutil.ToIllegal, "illegal-move"},
	}
	for _, tc := range cases {
		err := c.Handle(tc.conn, moveReq("x", "e2", tc.to))
		require.Error(t, err)
		got := drain(t, tc.out)
		require.Len(t, got, 1, tc.code)
		assert.False(t, got[0].OK)
		assert.Equal(t, tc.code, got[0].Error)
	}
	assert.Empty(t, drain(t, a))
	assert.Empty(t, drain(t, b))
	assert.Empty(t, drain(t, o))

	snap, ok := c.Registry().Get("r")
	require.True(t, ok)
	assert.Empty(t, snap.Snapshot().MoveLog)
}

func TestCoordinator_CheckmateEndsSession(t *testing.T) {
	engine, err := chessrules.New("")
	require.NoError(t, err)
	c := newCoordinator(t, engine)
	w, bl, o := connect(t, c, "w"), connect(t, c, "b"), connect(t, c, "o")
	for _, id := range []string{"w", "b", "o"} {
		_, err := c.Join(id, "j", "fools", "")
		require.NoError(t, err)
	}

	for i, mv := range []struct{ conn, from, to string }{
		{"w", "f2", "f3"},
		{"b", "e7", "e5"},
		{"w", "g2", "g4"},
		{"b", "d8", "h4"},
	} {
		require.NoError(t, c.Handle(mv.conn, moveReq(fmt.Sprint(i), mv.from, mv.to)))
	}

	for _, out := range []*Outbox{w, bl, o} {
		got := drain(t, out)
		names := events(got)
		require.NotEmpty(t, names)
		assert.Equal(t, EventSessionEnded, names[len(names)-1])

		var last frame
		for _, f := range got {
			if f.Event == EventSessionEnded {
				last = f
			}
		}
		var ended SessionEnded
		require.NoError(t, json.Unmarshal(last.Data, &ended))
		assert.Equal(t, CauseTerminal, ended.Cause)
		require.NotNil(t, ended.Winner)
		assert.Equal(t, rules.Black, *ended.Winner)
		require.NotNil(t, ended.Status)
		assert.Equal(t, rules.StatusCheckmate, ended.Status.Kind)
	}
}

func TestCoordinator_Resign(t *testing.T) {
	c := newCoordinator(t, testutil.NewEngine())
	a, b, o := connect(t, c, "a"), connect(t, c, "b"), connect(t, c, "o")
	for _, id := range []string{"a", "b", "o"} {
		_, err := c.Join(id, "j", "r", "")
		require.NoError(t, err)
	}
	drain(t, a)
	drain(t, b)
	drain(t, o)

	_, err := c.Resign("o", "x")
	assert.ErrorIs(t, err, room.ErrNotAPlayer)
	assert.Equal(t, "not-a-player", drain(t, o)[0].Error)

	ended, err := c.Resign("b", "r1")
	require.NoError(t, err)
	assert.Equal(t, CauseResignation, ended.Cause)
	require.NotNil(t, ended.Winner)
	assert.Equal(t, rules.White, *ended.Winner)

	fb := drain(t, b)
	require.Len(t, fb, 2)
	assert.Equal(t, EventSessionEnded, fb[0].Event)
	assert.True(t, fb[1].OK)
	assert.Equal(t, []string{EventSessionEnded}, events(drain(t, a)))
	assert.Equal(t, []string{EventSessionEnded}, events(drain(t, o)))
}

func TestCoordinator_JoinErrors(t *testing.T) {
	c := newCoordinator(t, testutil.NewEngine())
	a := connect(t, c, "a")

	_, err := c.Join("a", "1", "", "")
	assert.ErrorIs(t, err, ErrMissingRoomID)
	assert.Equal(t, "missing-room-id", drain(t, a)[0].Error)

	_, err = c.Join("a", "2", "r", "")
	require.NoError(t, err)
	drain(t, a)

	_, err = c.Join("a", "3", "other", "")
	assert.ErrorIs(t, err, ErrAlreadyBound)
	got := drain(t, a)
	require.Len(t, got, 1)
	assert.Equal(t, "already-bound", got[0].Error)
	_, exists := c.Registry().Get("other")
	assert.False(t, exists)

	_, err = c.Join("ghost", "4", "r", "")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCoordinator_UnboundIntents(t *testing.T) {
	c := newCoordinator(t, testutil.NewEngine())
	a := connect(t, c, "a")

	_, err := c.Move("a", "1", rules.Move{From: "e2", To: "e4"})
	assert.ErrorIs(t, err, room.ErrNotAPlayer)
	_, err = c.Resign("a", "2")
	assert.ErrorIs(t, err, room.ErrNotAPlayer)
	_, err = c.LegalMoves("a", "3")
	assert.ErrorIs(t, err, room.ErrNotAPlayer)

	got := drain(t, a)
	require.Len(t, got, 3)
	for _, f := range got {
		assert.Equal(t, "not-a-player", f.Error)
	}
	assert.Equal(t, 0, c.Registry().Len())
}

func TestCoordinator_HandleBadInput(t *testing.T) {
	c := newCoordinator(t, testutil.NewEngine())
	a := connect(t, c, "a")

	err := c.Handle("a", Request{RequestID: "1", Intent: "castle"})
	assert.ErrorIs(t, err, ErrUnknownIntent)
	err = c.Handle("a", Request{RequestID: "2", Intent: IntentJoin, Data: json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, ErrBadRequest)
	err = c.Reject("a", "3", fmt.Errorf("truncated frame"))
	assert.ErrorIs(t, err, ErrBadRequest)

	got := drain(t, a)
	require.Len(t, got, 3)
	assert.Equal(t, "unknown-intent", got[0].Error)
	assert.Equal(t, "bad-request", got[1].Error)
	assert.Equal(t, "3", got[2].RequestID)
}

func TestCoordinator_LegalMoves(t *testing.T) {
	c := newCoordinator(t, testutil.NewEngine())
	a := connect(t, c, "a")
	_, err := c.Join("a", "1", "r", "")
	require.NoError(t, err)
	drain(t, a)

	moves, err := c.LegalMoves("a", "2")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1a2", "b1b2"}, moves)

	got := drain(t, a)
	require.Len(t, got, 1)
	var reply LegalMovesReply
	require.NoError(t, json.Unmarshal(got[0].Data, &reply))
	assert.Equal(t, moves, reply.Moves)
}

func TestCoordinator_DisconnectNotifiesAndEvicts(t *testing.T) {
	c := newCoordinator(t, testutil.NewEngine())
	a, b := connect(t, c, "a"), connect(t, c, "b")
	for _, id := range []string{"a", "b"} {
		_, err := c.Join(id, "j", "r", "")
		require.NoError(t, err)
	}
	drain(t, a)
	drain(t, b)

	c.Disconnect("a")
	assert.True(t, a.IsClosed())
	got := drain(t, b)
	require.Len(t, got, 1)
	var occ OccupancyUpdate
	require.NoError(t, json.Unmarshal(got[0].Data, &occ))
	assert.Equal(t, room.Occupancy{Black: "b"}, occ.Occupancy)
	assert.Equal(t, 1, c.Registry().Len())

	c.Disconnect("a")
	c.Disconnect("b")
	assert.Equal(t, 0, c.Registry().Len())
	assert.Equal(t, 0, c.ConnectionCount())

	_, err := c.Move("b", "x", rules.Move{From: "a", To: "b"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCoordinator_SeatFreedByDisconnectIsReusable(t *testing.T) {
	c := newCoordinator(t, testutil.NewEngine())
	connect(t, c, "a")
	connect(t, c, "b")
	_, err := c.Join("a", "j", "r", "")
	require.NoError(t, err)
	_, err = c.Join("b", "j", "r", "")
	require.NoError(t, err)
	c.Disconnect("a")

	connect(t, c, "c")
	reply, err := c.Join("c", "j", "r", "")
	require.NoError(t, err)
	assert.Equal(t, room.RoleWhite, reply.Role)
}

func TestCoordinator_BrokenRoom(t *testing.T) {
	c := newCoordinator(t, testutil.NewEngine())
	a, b := connect(t, c, "a"), connect(t, c, "b")
	for _, id := range []string{"a", "b"} {
		_, err := c.Join(id, "j", "r", "")
		require.NoError(t, err)
	}
	drain(t, a)
	drain(t, b)

	_, err := c.Move("a", "1", rules.Move{From: "a1", To: testutil.ToPanic})
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
	assert.Equal(t, "room-not-found", drain(t, a)[0].Error)
	assert.Empty(t, drain(t, b))

	_, err = c.LegalMoves("b", "2")
	assert.ErrorIs(t, err, room.ErrRoomNotFound)

	c.Disconnect("a")
	c.Disconnect("b")
	assert.Equal(t, 0, c.Registry().Len())
}

func TestCoordinator_SlowConsumerIsCutOff(t *testing.T) {
	c := NewCoordinator(room.NewRegistry(testutil.NewEngine()), zaptest.NewLogger(t), 2)
	a, b := connect(t, c, "a"), connect(t, c, "b")
	_, err := c.Join("a", "j", "r", "")
	require.NoError(t, err)
	_, err = c.Join("b", "j", "r", "")
	require.NoError(t, err)

	// a never drains: ack + two occupancy updates overflow two slots.
	assert.True(t, a.IsClosed())
	assert.False(t, b.IsClosed())
}

func TestCoordinator_ConcurrentMovesMatchLog(t *testing.T) {
	c := newCoordinator(t, testutil.NewEngine())
	a, b, o := connect(t, c, "a"), connect(t, c, "b"), connect(t, c, "o")
	for _, id := range []string{"a", "b", "o"} {
		_, err := c.Join(id, "j", "r", "")
		require.NoError(t, err)
	}
	drain(t, a)
	drain(t, b)
	drain(t, o)

	// Each player spams moves; only those made on its turn succeed. The
	// observer must see exactly the committed moves, in log order.
	var wg sync.WaitGroup
	var collected []frame
	var cmu sync.Mutex
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, _ = c.Move(id, fmt.Sprint(i), rules.Move{From: id, To: fmt.Sprint(i)})
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for raw := range o.Frames() {
			var f frame
			if json.Unmarshal(raw, &f) == nil {
				cmu.Lock()
				collected = append(collected, f)
				cmu.Unlock()
			}
		}
	}()
	wg.Wait()
	c.Disconnect("o")
	<-done

	r, ok := c.Registry().Get("r")
	require.True(t, ok)
	log := r.Snapshot().MoveLog

	var seen []string
	for _, f := range collected {
		if f.Event != EventMoveApplied {
			continue
		}
		var ev MoveApplied
		require.NoError(t, json.Unmarshal(f.Data, &ev))
		seen = append(seen, ev.Notation)
	}
	require.Len(t, seen, len(log))
	for i, rec := range log {
		assert.Equal(t, rec.Notation, seen[i])
	}
}

func TestCoordinator_RoleAssignmentProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		c := NewCoordinator(room.NewRegistry(testutil.NewEngine()), zaptest.NewLogger(t), 256)
		n := rapid.IntRange(1, 12).Draw(rt, "joiners")
		seats := []string{"", "white", "black", "purple"}

		roles := map[room.Role]int{}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("c%d", i)
			if _, err := c.Connect(id); err != nil {
				rt.Fatal(err)
			}
			pref := rapid.SampledFrom(seats).Draw(rt, "seat")
			reply, err := c.Join(id, "j", "r", pref)
			if err != nil {
				rt.Fatal(err)
			}
			roles[reply.Role]++
		}
		if roles[room.RoleWhite] > 1 || roles[room.RoleBlack] > 1 {
			rt.Fatalf("seat assigned twice: %v", roles)
		}
		if n >= 2 && (roles[room.RoleWhite] != 1 || roles[room.RoleBlack] != 1) {
			rt.Fatalf("seats left free with %d joiners: %v", n, roles)
		}
		if roles[room.RoleObserver] != max(0, n-2) {
			rt.Fatalf("observer count %d for %d joiners", roles[room.RoleObserver], n)
		}

		for i := 0; i < n; i++ {
			c.Disconnect(fmt.Sprintf("c%d", i))
		}
		if c.Registry().Len() != 0 {
			rt.Fatalf("room survived its last member")
		}
	})
}
