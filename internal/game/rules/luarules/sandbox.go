package luarules

import (
	"context"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInstructionLimit is the maximum number of Lua opcodes one engine
// call may execute when the manifest does not set a limit.
const DefaultInstructionLimit = 100_000

// countingContext is a context.Context that cancels itself after Done() has
// been called limit times. GopherLua's mainLoopWithContext calls Done() once
// per opcode, making this an exact instruction-count limit.
type countingContext struct {
	context.Context
	cancel    context.CancelFunc
	remaining *atomic.Int64
}

// Done returns the underlying cancellation channel. Each call decrements the
// remaining counter; when it reaches zero the cancel function fires,
// terminating the Lua VM on the next opcode boundary.
func (c *countingContext) Done() <-chan struct{} {
	if c.remaining.Add(-1) <= 0 {
		c.cancel()
	}
	return c.Context.Done()
}

// newCountingContext returns a context that cancels after limit calls to Done().
// Precondition: limit > 0.
func newCountingContext(limit int) (context.Context, context.CancelFunc) {
	base, cancel := context.WithCancel(context.Background())
	rem := &atomic.Int64{}
	rem.Store(int64(limit))
	return &countingContext{
		Context:   base,
		cancel:    cancel,
		remaining: rem,
	}, cancel
}

// newSandboxedState creates a GopherLua LState with only the base, table,
// string and math libraries, and with the globals that reach the filesystem
// or the loader removed. string.rep is removed as well: a single call
// allocates without bound, which the instruction limit cannot catch.
//
// Postcondition: The caller owns the LState and must call L.Close() when done.
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "collectgarbage", "require", "print", "rawset"} {
		L.SetGlobal(name, lua.LNil)
	}
	if str, ok := L.GetGlobal("string").(*lua.LTable); ok {
		str.RawSetString("rep", lua.LNil)
	}
	return L
}

// sealGlobals makes creating a new global raise an error. Pooled states
// serve every room, so a script that kept game data in globals would leak it
// between rooms; scripts must keep all game data in the state table.
//
// Precondition: the script's top level has already run on L.
func sealGlobals(L *lua.LState) {
	mt := L.NewTable()
	L.SetField(mt, "__newindex", L.NewFunction(func(L *lua.LState) int {
		L.RaiseError("assignment to global %q: game data belongs in the state table", L.Get(2).String())
		return 0
	}))
	L.SetField(mt, "__metatable", lua.LString("sealed"))
	L.SetMetatable(L.G.Global, mt)
}

// limited runs fn with L bound to a fresh instruction budget of limit opcodes.
// The budget is per call so a long-lived pooled state never runs dry.
func limited(L *lua.LState, limit int, fn func() error) error {
	ctx, cancel := newCountingContext(limit)
	defer cancel()
	L.SetContext(ctx)
	defer L.RemoveContext()
	return fn()
}
