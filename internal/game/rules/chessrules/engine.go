// Package chessrules implements rules.Engine for standard chess on top of
// github.com/corentings/chess/v2.
package chessrules

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/cory-johannsen/chessroom/internal/game/rules"
)

var errForeignState = errors.New("chessrules: state was not produced by this engine")

// position is the immutable chess State: the starting FEN plus every move
// played since, in UCI. The current FEN is cached for Encode.
type position struct {
	start string
	moves []string
	fen   string
}

// Encode returns the FEN of the current position.
func (p *position) Encode() string { return p.fen }

// Engine is a rules.Engine for chess. It keeps no per-game state and is safe
// for concurrent use.
type Engine struct {
	startFEN string
}

// New creates a chess Engine. An empty startFEN means the standard initial position.
//
// Postcondition: Returns an error if startFEN does not parse.
func New(startFEN string) (*Engine, error) {
	e := &Engine{startFEN: strings.TrimSpace(startFEN)}
	if _, err := e.NewGame(); err != nil {
		return nil, err
	}
	return e, nil
}

// Name implements rules.Engine.
func (e *Engine) Name() string { return "chess" }

// NewGame implements rules.Engine.
func (e *Engine) NewGame() (rules.State, error) {
	game, err := replay(e.startFEN, nil)
	if err != nil {
		return nil, err
	}
	return &position{start: e.startFEN, fen: game.FEN()}, nil
}

// LegalMoves implements rules.Engine. Moves are returned in UCI notation.
func (e *Engine) LegalMoves(s rules.State) ([]string, error) {
	game, _, err := load(s)
	if err != nil {
		return nil, err
	}
	valid := game.ValidMoves()
	out := make([]string, 0, len(valid))
	for i := range valid {
		out = append(out, valid[i].String())
	}
	return out, nil
}

// Apply implements rules.Engine. The returned notation is SAN.
func (e *Engine) Apply(s rules.State, m rules.Move) (rules.State, string, error) {
	game, p, err := load(s)
	if err != nil {
		return nil, "", err
	}

	uci := strings.ToLower(strings.TrimSpace(m.From) + strings.TrimSpace(m.To) + strings.TrimSpace(m.Promotion))
	pos := game.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", rules.ErrIllegalMove, uci, err)
	}
	if !isValid(game, mv) {
		return nil, "", fmt.Errorf("%w: %s", rules.ErrIllegalMove, uci)
	}
	if err := game.Move(mv, nil); err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", rules.ErrIllegalMove, uci, err)
	}
	// The recorded move carries the check and capture tags SAN needs.
	played := game.Moves()[len(game.Moves())-1]
	san := nchess.AlgebraicNotation{}.Encode(pos, played)

	moves := make([]string, len(p.moves), len(p.moves)+1)
	copy(moves, p.moves)
	moves = append(moves, mv.String())
	return &position{start: p.start, moves: moves, fen: game.FEN()}, san, nil
}

// TurnOwner implements rules.Engine.
func (e *Engine) TurnOwner(s rules.State) (rules.Seat, error) {
	game, _, err := load(s)
	if err != nil {
		return 0, err
	}
	return seatOf(game.Position().Turn()), nil
}

// Status implements rules.Engine.
//
// Threefold repetition and the fifty-move rule end the game automatically,
// the same way fivefold repetition and the seventy-five-move rule do.
func (e *Engine) Status(s rules.State) (rules.Status, error) {
	game, _, err := load(s)
	if err != nil {
		return rules.Status{}, err
	}

	st := rules.Status{Kind: rules.StatusNone}
	if moves := game.Moves(); len(moves) > 0 {
		st.Check = moves[len(moves)-1].HasTag(nchess.Check)
	}

	switch game.Method() {
	case nchess.Checkmate:
		winner := seatOf(game.Position().Turn()).Opponent()
		st.Kind = rules.StatusCheckmate
		st.Winner = &winner
		return st, nil
	case nchess.Stalemate:
		st.Kind = rules.StatusStalemate
		return st, nil
	}
	st.Kind = drawKind(game.Method(), game.EligibleDraws())
	return st, nil
}

// drawKind classifies a drawn or drawable position. Repetition outranks
// insufficient material, which outranks the move-count rules.
func drawKind(method nchess.Method, eligible []nchess.Method) rules.StatusKind {
	switch {
	case method == nchess.ThreefoldRepetition || method == nchess.FivefoldRepetition ||
		slices.Contains(eligible, nchess.ThreefoldRepetition):
		return rules.StatusRepetition
	case method == nchess.InsufficientMaterial:
		return rules.StatusInsufficientMaterial
	case method == nchess.FiftyMoveRule || method == nchess.SeventyFiveMoveRule ||
		slices.Contains(eligible, nchess.FiftyMoveRule):
		return rules.StatusDraw
	default:
		return rules.StatusNone
	}
}

func load(s rules.State) (*nchess.Game, *position, error) {
	p, ok := s.(*position)
	if !ok || p == nil {
		return nil, nil, fmt.Errorf("%w: got %T", errForeignState, s)
	}
	game, err := replay(p.start, p.moves)
	if err != nil {
		return nil, nil, err
	}
	return game, p, nil
}

// replay rebuilds a game from its starting FEN and UCI move list.
func replay(start string, moves []string) (*nchess.Game, error) {
	var game *nchess.Game
	if start == "" {
		game = nchess.NewGame()
	} else {
		option, err := nchess.FEN(start)
		if err != nil {
			return nil, fmt.Errorf("chessrules: parsing start position %q: %w", start, err)
		}
		game = nchess.NewGame(option)
	}
	for i, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("chessrules: replaying move %d (%s): %w", i+1, mv, err)
		}
	}
	return game, nil
}

func isValid(game *nchess.Game, mv *nchess.Move) bool {
	want := mv.String()
	valid := game.ValidMoves()
	for i := range valid {
		if valid[i].String() == want {
			return true
		}
	}
	return false
}

func seatOf(c nchess.Color) rules.Seat {
	if c == nchess.White {
		return rules.White
	}
	return rules.Black
}

var _ rules.Engine = (*Engine)(nil)
