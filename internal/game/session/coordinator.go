package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chessroom/internal/game/room"
	"github.com/cory-johannsen/chessroom/internal/game/rules"
)

// Binding records which room a connection joined and in what role.
type Binding struct {
	ConnID string
	RoomID string
	Role   room.Role
}

// conn is the Coordinator's record of one live connection. mu serializes
// the connection's intents, so its state machine moves one step at a time:
// unbound, then bound, then gone.
type conn struct {
	id     string
	outbox *Outbox

	mu      sync.Mutex
	binding *Binding
	room    *room.Room
	closed  bool
}

// Coordinator turns client intents into room operations. Every reply goes
// to the requesting connection's outbox; every broadcast goes to the outbox
// of each room member, enqueued inside the room's critical section so that
// members observe a room's events in commit order.
type Coordinator struct {
	registry   *room.Registry
	logger     *zap.Logger
	outboxSize int

	mu    sync.RWMutex
	conns map[string]*conn
}

// NewCoordinator creates a Coordinator over registry. Each connection gets an
// outbox of outboxSize frames.
//
// Precondition: registry and logger must be non-nil.
func NewCoordinator(registry *room.Registry, logger *zap.Logger, outboxSize int) *Coordinator {
	return &Coordinator{
		registry:   registry,
		logger:     logger,
		outboxSize: outboxSize,
		conns:      make(map[string]*conn),
	}
}

// Registry returns the room registry the coordinator works against.
func (c *Coordinator) Registry() *room.Registry { return c.registry }

// Connect registers a new, unbound connection and returns its outbox.
//
// Precondition: connID must be non-empty and unique.
func (c *Coordinator) Connect(connID string) (*Outbox, error) {
	if connID == "" {
		return nil, errors.New("connection id must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[connID]; ok {
		return nil, fmt.Errorf("connection %s already registered", connID)
	}
	out := NewOutbox(connID, c.outboxSize)
	c.conns[connID] = &conn{id: connID, outbox: out}
	return out, nil
}

// ConnectionCount returns the number of live connections.
func (c *Coordinator) ConnectionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// Binding returns the binding of connID, if it has joined a room.
func (c *Coordinator) Binding(connID string) (Binding, bool) {
	cn, err := c.lookup(connID)
	if err != nil {
		return Binding{}, false
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.binding == nil {
		return Binding{}, false
	}
	return *cn.binding, true
}

// Handle decodes and dispatches one inbound request. The outcome is always
// acknowledged on the connection's outbox; the returned error is the
// rejection, if any, for the transport to log.
func (c *Coordinator) Handle(connID string, req Request) error {
	switch req.Intent {
	case IntentJoin:
		var data JoinData
		if err := decode(req.Data, &data); err != nil {
			return c.reject(connID, req.RequestID, err)
		}
		_, err := c.Join(connID, req.RequestID, data.RoomID, data.PreferredSeat)
		return err
	case IntentMove:
		var mv rules.Move
		if err := decode(req.Data, &mv); err != nil {
			return c.reject(connID, req.RequestID, err)
		}
		_, err := c.Move(connID, req.RequestID, mv)
		return err
	case IntentResign:
		_, err := c.Resign(connID, req.RequestID)
		return err
	case IntentLegalMoves:
		_, err := c.LegalMoves(connID, req.RequestID)
		return err
	default:
		return c.reject(connID, req.RequestID, fmt.Errorf("%w: %q", ErrUnknownIntent, req.Intent))
	}
}

// Reject acknowledges a request the transport could not decode.
func (c *Coordinator) Reject(connID, requestID string, cause error) error {
	return c.reject(connID, requestID, fmt.Errorf("%w: %v", ErrBadRequest, cause))
}

// Join binds connID to roomID, creating the room if needed. The caller's ack
// is queued before the occupancy broadcast that announces it.
func (c *Coordinator) Join(connID, requestID, roomID, preferredSeat string) (JoinReply, error) {
	cn, err := c.lookup(connID)
	if err != nil {
		return JoinReply{}, err
	}
	cn.mu.Lock()
	defer cn.mu.Unlock()

	switch {
	case cn.closed:
		return JoinReply{}, ErrNotConnected
	case roomID == "":
		return JoinReply{}, c.ack(cn, requestID, nil, ErrMissingRoomID)
	case cn.binding != nil:
		return JoinReply{}, c.ack(cn, requestID, nil, fmt.Errorf("%w: %s", ErrAlreadyBound, cn.binding.RoomID))
	}

	var pref *rules.Seat
	if seat, ok := rules.ParseSeat(preferredSeat); ok {
		pref = &seat
	}

	var reply JoinReply
	rm, res, err := c.registry.Join(roomID, connID, pref, func(cm room.Commit) {
		reply = joinReply(cm.Joined)
		c.push(cn.outbox, mustEncode(c.logger, Ack{Type: FrameAck, RequestID: requestID, OK: true, Data: reply}))
		c.broadcast(cm.Members, EventOccupancyUpdate, OccupancyUpdate{RoomID: cm.RoomID, Occupancy: cm.Occupancy})
	})
	if err != nil {
		c.logger.Warn("join failed",
			zap.String("conn_id", connID),
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return JoinReply{}, c.ack(cn, requestID, nil, err)
	}

	cn.binding = &Binding{ConnID: connID, RoomID: roomID, Role: res.Role}
	cn.room = rm
	c.logger.Info("joined room",
		zap.String("conn_id", connID),
		zap.String("room_id", roomID),
		zap.String("role", string(res.Role)),
	)
	return reply, nil
}

// Move plays mv for connID in its bound room. On success the move is
// broadcast, followed by sessionEnded if it ended the game, and then
// acknowledged. Rejections are acknowledged to the caller only.
func (c *Coordinator) Move(connID, requestID string, mv rules.Move) (MoveApplied, error) {
	cn, rm, err := c.bound(connID, requestID)
	if err != nil {
		return MoveApplied{}, err
	}
	defer cn.mu.Unlock()

	var applied MoveApplied
	_, err = rm.ApplyMove(connID, mv, func(cm room.Commit) {
		applied = moveApplied(cm.RoomID, cm.Moved)
		c.broadcast(cm.Members, EventMoveApplied, applied)
		if cm.Moved.Status.Terminal() {
			status := cm.Moved.Status
			c.broadcast(cm.Members, EventSessionEnded, SessionEnded{
				RoomID: cm.RoomID,
				Cause:  CauseTerminal,
				Status: &status,
				Winner: status.Winner,
			})
		}
		c.push(cn.outbox, mustEncode(c.logger, Ack{Type: FrameAck, RequestID: requestID, OK: true}))
	})
	if err != nil {
		c.logRejection(cn, rm, "move rejected", err)
		return MoveApplied{}, c.ack(cn, requestID, nil, err)
	}
	return applied, nil
}

// Resign ends the game in connID's room in favor of the opposing seat. The
// board is left as it is.
func (c *Coordinator) Resign(connID, requestID string) (SessionEnded, error) {
	cn, rm, err := c.bound(connID, requestID)
	if err != nil {
		return SessionEnded{}, err
	}
	defer cn.mu.Unlock()

	var ended SessionEnded
	_, err = rm.Resign(connID, func(cm room.Commit) {
		ended = SessionEnded{RoomID: cm.RoomID, Cause: CauseResignation, Winner: cm.Winner}
		c.broadcast(cm.Members, EventSessionEnded, ended)
		c.push(cn.outbox, mustEncode(c.logger, Ack{Type: FrameAck, RequestID: requestID, OK: true}))
	})
	if err != nil {
		c.logRejection(cn, rm, "resign rejected", err)
		return SessionEnded{}, c.ack(cn, requestID, nil, err)
	}
	c.logger.Info("player resigned",
		zap.String("conn_id", connID),
		zap.String("room_id", ended.RoomID),
	)
	return ended, nil
}

// LegalMoves lists the moves available in connID's room. Observers may ask.
func (c *Coordinator) LegalMoves(connID, requestID string) ([]string, error) {
	cn, rm, err := c.bound(connID, requestID)
	if err != nil {
		return nil, err
	}
	defer cn.mu.Unlock()

	moves, err := rm.LegalMoves(connID)
	if err != nil {
		c.logRejection(cn, rm, "legal moves failed", err)
		return nil, c.ack(cn, requestID, nil, err)
	}
	return moves, c.ack(cn, requestID, LegalMovesReply{Moves: moves}, nil)
}

// Disconnect tears down connID from any state. If it was in a room, the
// remaining members receive an occupancy update and an emptied room is
// evicted. Disconnecting twice is a no-op.
func (c *Coordinator) Disconnect(connID string) {
	c.mu.Lock()
	cn, ok := c.conns[connID]
	delete(c.conns, connID)
	c.mu.Unlock()
	if !ok {
		return
	}

	cn.mu.Lock()
	cn.closed = true
	b, rm := cn.binding, cn.room
	cn.binding, cn.room = nil, nil
	cn.mu.Unlock()

	defer cn.outbox.Close()
	if b == nil {
		return
	}

	_, empty, _ := rm.Leave(connID, func(cm room.Commit) {
		c.broadcast(cm.Members, EventOccupancyUpdate, OccupancyUpdate{RoomID: cm.RoomID, Occupancy: cm.Occupancy})
	})
	evicted := empty && c.registry.Remove(b.RoomID)
	c.logger.Info("left room",
		zap.String("conn_id", connID),
		zap.String("room_id", b.RoomID),
		zap.String("role", string(b.Role)),
		zap.Bool("evicted", evicted),
	)
}

// bound returns connID's record locked, and the live room it is bound to.
// On error the record is unlocked and the rejection has been acknowledged.
func (c *Coordinator) bound(connID, requestID string) (*conn, *room.Room, error) {
	cn, err := c.lookup(connID)
	if err != nil {
		return nil, nil, err
	}
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return nil, nil, ErrNotConnected
	}
	if cn.binding == nil {
		err := c.ack(cn, requestID, nil, room.ErrNotAPlayer)
		cn.mu.Unlock()
		return nil, nil, err
	}
	rm, ok := c.registry.Get(cn.binding.RoomID)
	if !ok || rm != cn.room {
		err := c.ack(cn, requestID, nil, fmt.Errorf("%w: %s", room.ErrRoomNotFound, cn.binding.RoomID))
		cn.mu.Unlock()
		return nil, nil, err
	}
	return cn, rm, nil
}

func (c *Coordinator) lookup(connID string) (*conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cn, ok := c.conns[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, connID)
	}
	return cn, nil
}

func (c *Coordinator) reject(connID, requestID string, err error) error {
	cn, lerr := c.lookup(connID)
	if lerr != nil {
		return lerr
	}
	return c.ack(cn, requestID, nil, err)
}

// ack queues the reply to a request and returns cause unchanged.
func (c *Coordinator) ack(cn *conn, requestID string, data any, cause error) error {
	a := Ack{Type: FrameAck, RequestID: requestID, OK: cause == nil, Data: data}
	if cause != nil {
		a.Error = Code(cause)
	}
	c.push(cn.outbox, mustEncode(c.logger, a))
	return cause
}

// broadcast encodes one event and queues it for every member.
func (c *Coordinator) broadcast(members []string, name string, data any) {
	frame := mustEncode(c.logger, Event{Type: FrameEvent, Event: name, Data: data})
	if frame == nil {
		return
	}

	c.mu.RLock()
	boxes := make([]*Outbox, 0, len(members))
	for _, id := range members {
		if cn, ok := c.conns[id]; ok {
			boxes = append(boxes, cn.outbox)
		}
	}
	c.mu.RUnlock()

	for _, box := range boxes {
		c.push(box, frame)
	}
}

// push queues frame on box. A consumer that has fallen behind is cut off:
// its outbox is closed, which makes its transport drop the connection.
func (c *Coordinator) push(box *Outbox, frame []byte) {
	if frame == nil {
		return
	}
	err := box.Push(frame)
	switch {
	case err == nil:
	case errors.Is(err, ErrOutboxFull):
		c.logger.Warn("dropping slow connection", zap.String("conn_id", box.ConnID()))
		box.Close()
	default:
		c.logger.Debug("frame not delivered", zap.String("conn_id", box.ConnID()), zap.Error(err))
	}
}

func (c *Coordinator) logRejection(cn *conn, rm *room.Room, msg string, err error) {
	fields := []zap.Field{
		zap.String("conn_id", cn.id),
		zap.String("room_id", rm.ID()),
		zap.String("reason", Code(err)),
	}
	if cause := rm.Broken(); cause != nil && errors.Is(err, room.ErrRoomNotFound) {
		c.logger.Error("room unusable after rules engine failure", append(fields, zap.Error(cause))...)
		return
	}
	c.logger.Debug(msg, append(fields, zap.Error(err))...)
}

func joinReply(res *room.JoinResult) JoinReply {
	return JoinReply{
		RoomID:  res.Snapshot.RoomID,
		Role:    res.Role,
		Engine:  res.Snapshot.Engine,
		State:   res.Snapshot.State,
		MoveLog: res.Snapshot.MoveLog,
	}
}

func moveApplied(roomID string, res *room.MoveResult) MoveApplied {
	return MoveApplied{
		RoomID:    roomID,
		From:      res.Record.From,
		To:        res.Record.To,
		Promotion: res.Record.Promotion,
		State:     res.State,
		Notation:  res.Record.Notation,
		NextTurn:  res.NextTurn,
		Status:    res.Status,
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func mustEncode(logger *zap.Logger, v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		logger.Error("encoding frame", zap.Error(err))
		return nil
	}
	return b
}
