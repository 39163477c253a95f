// Package luarules implements rules.Engine with a Lua script, so new
// two-seat games can be added without recompiling the server.
//
// A script defines these globals:
//
//	new_game()                -> state
//	turn_owner(state)         -> "white" | "black"
//	legal_moves(state)        -> { "move", ... }
//	apply_move(state, move)   -> state, notation | nil, reason
//	status(state)             -> nil | { kind = ..., winner = ..., check = ... }
//
// Once the script's top level has run, creating a new global is an error. The
// Lua states are pooled and shared by every room, so scripts must not keep
// game data in globals or in top-level locals; it belongs in the state value.
// string.rep, rawset and the loader functions are unavailable.
//
// State is any Lua table built from strings, numbers, booleans and nested
// tables. move is a table with from, to and promotion fields. Status kinds are
// the rules.StatusKind names; "win" is accepted as a decisive result and
// reported as checkmate.
package luarules

import (
	"encoding/json"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/cory-johannsen/chessroom/internal/game/rules"
)

const defaultPoolSize = 4

// Options tunes an Engine.
type Options struct {
	InstructionLimit int
	PoolSize         int
}

// scriptState is the immutable State of a scripted game.
type scriptState struct {
	value   any
	encoded string
}

// Encode returns the JSON rendering of the script's state table.
func (s *scriptState) Encode() string { return s.encoded }

// Engine runs a compiled script on a fixed pool of sandboxed Lua states.
// Calls from different rooms run in parallel up to the pool size.
type Engine struct {
	name  string
	limit int
	pool  chan *lua.LState
}

// New compiles source and prepares a pool of sandboxed states running it.
//
// Precondition: name must be non-empty.
// Postcondition: Returns an error if the script fails to compile or its top level fails.
func New(name, source string, opts Options) (*Engine, error) {
	if opts.InstructionLimit <= 0 {
		opts.InstructionLimit = DefaultInstructionLimit
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaultPoolSize
	}

	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("luarules: parsing %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("luarules: compiling %s: %w", name, err)
	}

	e := &Engine{
		name:  name,
		limit: opts.InstructionLimit,
		pool:  make(chan *lua.LState, opts.PoolSize),
	}
	for i := 0; i < opts.PoolSize; i++ {
		L := newSandboxedState()
		err := limited(L, e.limit, func() error {
			L.Push(L.NewFunctionFromProto(proto))
			return L.PCall(0, lua.MultRet, nil)
		})
		if err != nil {
			L.Close()
			e.Close()
			return nil, fmt.Errorf("luarules: loading %s: %w", name, err)
		}
		L.SetTop(0)
		sealGlobals(L)
		e.pool <- L
	}
	return e, nil
}

// Close releases every idle Lua state. It must not be called while engine
// calls are in flight.
func (e *Engine) Close() {
	for {
		select {
		case L := <-e.pool:
			L.Close()
		default:
			return
		}
	}
}

// Name implements rules.Engine.
func (e *Engine) Name() string { return e.name }

// NewGame implements rules.Engine.
func (e *Engine) NewGame() (rules.State, error) {
	var st rules.State
	err := e.call("new_game", 1, nil, func(rets []lua.LValue) error {
		s, err := e.wrap(rets[0])
		st = s
		return err
	})
	return st, err
}

// LegalMoves implements rules.Engine.
func (e *Engine) LegalMoves(s rules.State) ([]string, error) {
	var moves []string
	err := e.call("legal_moves", 1, stateArg(s), func(rets []lua.LValue) error {
		list, err := stringList(rets[0])
		moves = list
		return err
	})
	return moves, err
}

// Apply implements rules.Engine.
func (e *Engine) Apply(s rules.State, m rules.Move) (rules.State, string, error) {
	var (
		next     rules.State
		notation string
		refusal  string
	)
	args := func(L *lua.LState) ([]lua.LValue, error) {
		st, err := stateArg(s)(L)
		if err != nil {
			return nil, err
		}
		mv := L.CreateTable(0, 3)
		mv.RawSetString("from", lua.LString(m.From))
		mv.RawSetString("to", lua.LString(m.To))
		mv.RawSetString("promotion", lua.LString(m.Promotion))
		return append(st, mv), nil
	}
	err := e.call("apply_move", 2, args, func(rets []lua.LValue) error {
		if rets[0] == lua.LNil {
			refusal = lua.LVAsString(rets[1])
			if refusal == "" {
				refusal = "refused by script"
			}
			return nil
		}
		ns, err := e.wrap(rets[0])
		if err != nil {
			return err
		}
		next = ns
		notation = lua.LVAsString(rets[1])
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	if refusal != "" {
		return nil, "", fmt.Errorf("%w: %s", rules.ErrIllegalMove, refusal)
	}
	return next, notation, nil
}

// TurnOwner implements rules.Engine.
func (e *Engine) TurnOwner(s rules.State) (rules.Seat, error) {
	var seat rules.Seat
	err := e.call("turn_owner", 1, stateArg(s), func(rets []lua.LValue) error {
		name := lua.LVAsString(rets[0])
		parsed, ok := rules.ParseSeat(name)
		if !ok {
			return fmt.Errorf("turn_owner returned %q", name)
		}
		seat = parsed
		return nil
	})
	return seat, err
}

// Status implements rules.Engine.
func (e *Engine) Status(s rules.State) (rules.Status, error) {
	st := rules.Status{Kind: rules.StatusNone}
	err := e.call("status", 1, stateArg(s), func(rets []lua.LValue) error {
		if rets[0] == lua.LNil {
			return nil
		}
		t, ok := rets[0].(*lua.LTable)
		if !ok {
			return fmt.Errorf("status returned %s, want table", rets[0].Type())
		}
		kind, err := statusKind(lua.LVAsString(t.RawGetString("kind")))
		if err != nil {
			return err
		}
		st.Kind = kind
		st.Check = lua.LVAsBool(t.RawGetString("check"))
		if w := lua.LVAsString(t.RawGetString("winner")); w != "" {
			seat, ok := rules.ParseSeat(w)
			if !ok {
				return fmt.Errorf("status returned winner %q", w)
			}
			st.Winner = &seat
		}
		if st.Kind == rules.StatusCheckmate && st.Winner == nil {
			return fmt.Errorf("status returned a decisive result without a winner")
		}
		return nil
	})
	if err != nil {
		return rules.Status{}, err
	}
	return st, nil
}

func statusKind(name string) (rules.StatusKind, error) {
	switch rules.StatusKind(name) {
	case "", rules.StatusNone:
		return rules.StatusNone, nil
	case "win", rules.StatusCheckmate:
		return rules.StatusCheckmate, nil
	case rules.StatusStalemate, rules.StatusRepetition, rules.StatusInsufficientMaterial, rules.StatusDraw:
		return rules.StatusKind(name), nil
	default:
		return "", fmt.Errorf("status returned unknown kind %q", name)
	}
}

func (e *Engine) wrap(v lua.LValue) (rules.State, error) {
	if _, ok := v.(*lua.LTable); !ok {
		return nil, fmt.Errorf("state must be a table, got %s", v.Type())
	}
	value, err := fromLua(v)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	return &scriptState{value: value, encoded: string(encoded)}, nil
}

func stateArg(s rules.State) func(*lua.LState) ([]lua.LValue, error) {
	return func(L *lua.LState) ([]lua.LValue, error) {
		ss, ok := s.(*scriptState)
		if !ok || ss == nil {
			return nil, fmt.Errorf("state was not produced by a script engine: %T", s)
		}
		lv, err := toLua(L, ss.value)
		if err != nil {
			return nil, err
		}
		return []lua.LValue{lv}, nil
	}
}

// call runs the global function fn on a pooled state. args builds the
// arguments and read consumes exactly nret results, both on the same state.
func (e *Engine) call(
	fn string,
	nret int,
	args func(*lua.LState) ([]lua.LValue, error),
	read func([]lua.LValue) error,
) error {
	L := <-e.pool
	defer func() {
		L.SetTop(0)
		e.pool <- L
	}()

	f := L.GetGlobal(fn)
	if f.Type() != lua.LTFunction {
		return fmt.Errorf("luarules: %s: %s is not defined", e.name, fn)
	}

	var argv []lua.LValue
	if args != nil {
		var err error
		if argv, err = args(L); err != nil {
			return fmt.Errorf("luarules: %s: %s: %w", e.name, fn, err)
		}
	}

	err := limited(L, e.limit, func() error {
		return L.CallByParam(lua.P{Fn: f, NRet: nret, Protect: true}, argv...)
	})
	if err != nil {
		return fmt.Errorf("luarules: %s: %s: %w", e.name, fn, err)
	}

	rets := make([]lua.LValue, nret)
	for i := range rets {
		rets[i] = L.Get(i - nret)
	}
	if err := read(rets); err != nil {
		return fmt.Errorf("luarules: %s: %s: %w", e.name, fn, err)
	}
	return nil
}

var _ rules.Engine = (*Engine)(nil)
