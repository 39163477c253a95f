// Package testutil provides test helpers shared across packages: a
// deterministic rules engine and a websocket test client.
package testutil

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cory-johannsen/chessroom/internal/game/rules"
)

// Move targets that make Engine misbehave.
const (
	// ToIllegal is refused with rules.ErrIllegalMove.
	ToIllegal = "illegal"
	// ToFail makes Apply return an internal error.
	ToFail = "fail"
	// ToPanic makes Apply panic.
	ToPanic = "panic"
	// ToMate produces a state the engine reports as checkmate for the mover.
	ToMate = "mate"
)

// PlyState is the State of Engine: the number of moves played and whether
// the last one ended the game.
type PlyState struct {
	Ply  int
	Mate bool
}

// Encode implements rules.State.
func (s *PlyState) Encode() string {
	if s.Mate {
		return fmt.Sprintf("ply=%d#", s.Ply)
	}
	return fmt.Sprintf("ply=%d", s.Ply)
}

// Engine is a rules.Engine that accepts any move except the special targets
// above. White moves on even plies. It is safe for concurrent use.
type Engine struct {
	// FailNewGame makes NewGame return an error.
	FailNewGame atomic.Bool
	applied     atomic.Int64
}

// NewEngine returns a ready Engine.
func NewEngine() *Engine { return &Engine{} }

// Applied returns how many moves the engine has accepted.
func (e *Engine) Applied() int64 { return e.applied.Load() }

// Name implements rules.Engine.
func (e *Engine) Name() string { return "ply" }

// NewGame implements rules.Engine.
func (e *Engine) NewGame() (rules.State, error) {
	if e.FailNewGame.Load() {
		return nil, errors.New("engine offline")
	}
	return &PlyState{}, nil
}

// LegalMoves implements rules.Engine.
func (e *Engine) LegalMoves(s rules.State) ([]string, error) {
	if _, err := ply(s); err != nil {
		return nil, err
	}
	return []string{"a1a2", "b1b2"}, nil
}

// Apply implements rules.Engine.
func (e *Engine) Apply(s rules.State, m rules.Move) (rules.State, string, error) {
	cur, err := ply(s)
	if err != nil {
		return nil, "", err
	}
	if cur.Mate {
		return nil, "", fmt.Errorf("%w: game over", rules.ErrIllegalMove)
	}
	switch m.To {
	case ToIllegal:
		return nil, "", fmt.Errorf("%w: %s%s", rules.ErrIllegalMove, m.From, m.To)
	case ToFail:
		return nil, "", errors.New("corrupt state")
	case ToPanic:
		panic("engine exploded")
	}
	e.applied.Add(1)
	next := &PlyState{Ply: cur.Ply + 1, Mate: m.To == ToMate}
	return next, fmt.Sprintf("%s-%s", m.From, m.To), nil
}

// TurnOwner implements rules.Engine.
func (e *Engine) TurnOwner(s rules.State) (rules.Seat, error) {
	cur, err := ply(s)
	if err != nil {
		return 0, err
	}
	if cur.Ply%2 == 0 {
		return rules.White, nil
	}
	return rules.Black, nil
}

// Status implements rules.Engine.
func (e *Engine) Status(s rules.State) (rules.Status, error) {
	cur, err := ply(s)
	if err != nil {
		return rules.Status{}, err
	}
	if !cur.Mate {
		return rules.Status{Kind: rules.StatusNone}, nil
	}
	// The side that delivered mate moved on the previous ply.
	winner := rules.White
	if cur.Ply%2 == 0 {
		winner = rules.Black
	}
	return rules.Status{Kind: rules.StatusCheckmate, Winner: &winner, Check: true}, nil
}

func ply(s rules.State) (*PlyState, error) {
	p, ok := s.(*PlyState)
	if !ok || p == nil {
		return nil, fmt.Errorf("unexpected state %T", s)
	}
	return p, nil
}

var _ rules.Engine = (*Engine)(nil)
