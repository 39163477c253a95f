package luarules

import (
	"fmt"
	"sort"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

// fromLua converts a Lua value into plain Go data: nil, bool, float64,
// string, []any or map[string]any. Sequences become slices; any other
// table becomes a map with stringified keys.
func fromLua(v lua.LValue) (any, error) {
	switch lv := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(lv), nil
	case lua.LNumber:
		return float64(lv), nil
	case lua.LString:
		return string(lv), nil
	case *lua.LTable:
		return tableFromLua(lv)
	default:
		return nil, fmt.Errorf("unsupported Lua value of type %s", v.Type())
	}
}

func tableFromLua(t *lua.LTable) (any, error) {
	n := t.Len()
	count := 0
	var firstErr error
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && n == count {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			v, err := fromLua(t.RawGetInt(i))
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	out := make(map[string]any, count)
	t.ForEach(func(k, v lua.LValue) {
		if firstErr != nil {
			return
		}
		var key string
		switch kv := k.(type) {
		case lua.LString:
			key = string(kv)
		case lua.LNumber:
			key = strconv.FormatFloat(float64(kv), 'f', -1, 64)
		default:
			firstErr = fmt.Errorf("unsupported Lua table key of type %s", k.Type())
			return
		}
		gv, err := fromLua(v)
		if err != nil {
			firstErr = err
			return
		}
		out[key] = gv
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// toLua converts plain Go data produced by fromLua back into Lua values.
func toLua(L *lua.LState, v any) (lua.LValue, error) {
	switch gv := v.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(gv), nil
	case float64:
		return lua.LNumber(gv), nil
	case int:
		return lua.LNumber(gv), nil
	case string:
		return lua.LString(gv), nil
	case []any:
		t := L.CreateTable(len(gv), 0)
		for _, item := range gv {
			lv, err := toLua(L, item)
			if err != nil {
				return nil, err
			}
			t.Append(lv)
		}
		return t, nil
	case map[string]any:
		keys := make([]string, 0, len(gv))
		for k := range gv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		t := L.CreateTable(0, len(gv))
		for _, k := range keys {
			lv, err := toLua(L, gv[k])
			if err != nil {
				return nil, err
			}
			t.RawSetString(k, lv)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported Go value of type %T", v)
	}
}

// stringList reads a Lua sequence of strings.
func stringList(v lua.LValue) ([]string, error) {
	if v == lua.LNil {
		return nil, nil
	}
	t, ok := v.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("expected a table, got %s", v.Type())
	}
	out := make([]string, 0, t.Len())
	for i := 1; i <= t.Len(); i++ {
		s, ok := t.RawGetInt(i).(lua.LString)
		if !ok {
			return nil, fmt.Errorf("element %d is %s, want string", i, t.RawGetInt(i).Type())
		}
		out = append(out, string(s))
	}
	return out, nil
}
