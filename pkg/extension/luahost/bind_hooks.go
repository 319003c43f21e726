package luahost

import (
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

const (
	hooksName       = "smtp2tg"
	hooksBeforeName = "smtp2tg_before"
	hooksAfterName  = "smtp2tg_after"

	beforeMessageRelayedFnName = "before.message_relayed"
	afterMessageRelayedFnName  = "after.message_relayed"
)

// Hooks is the Go side of the `smtp2tg` Lua global, scripts assign functions to its fields.
type Hooks struct {
	Before BeforeFuncs
	After  AfterFuncs
}

// BeforeFuncs are called synchronously, their result alters the relay.
type BeforeFuncs struct {
	MessageRelayed *lua.LFunction
}

// AfterFuncs are called asynchronously once the relay has finished.
type AfterFuncs struct {
	MessageRelayed *lua.LFunction
}

func registerHooksTypes(ls *lua.LState) {
	// smtp2tg type.
	mt := ls.NewTypeMetatable(hooksName)
	ls.SetField(mt, "__index", ls.NewFunction(hooksIndex))

	// smtp2tg.before type.
	mt = ls.NewTypeMetatable(hooksBeforeName)
	ls.SetField(mt, "__index", ls.NewFunction(hooksBeforeIndex))
	ls.SetField(mt, "__newindex", ls.NewFunction(hooksBeforeNewIndex))

	// smtp2tg.after type.
	mt = ls.NewTypeMetatable(hooksAfterName)
	ls.SetField(mt, "__index", ls.NewFunction(hooksAfterIndex))
	ls.SetField(mt, "__newindex", ls.NewFunction(hooksAfterNewIndex))

	// smtp2tg global.
	ud := ls.NewUserData()
	ud.Value = &Hooks{}
	ls.SetMetatable(ud, ls.GetTypeMetatable(hooksName))
	ls.SetGlobal(hooksName, ud)
}

func getHooks(ls *lua.LState) (*Hooks, error) {
	lv := ls.GetGlobal(hooksName)
	if lv == nil {
		return nil, errors.New("smtp2tg object was nil")
	}

	ud, ok := lv.(*lua.LUserData)
	if !ok {
		return nil, fmt.Errorf("smtp2tg object was type %s instead of UserData", lv.Type())
	}

	val, ok := ud.Value.(*Hooks)
	if !ok {
		return nil, fmt.Errorf("smtp2tg object (%v) could not be cast", ud.Value)
	}

	return val, nil
}

func checkHooks(ls *lua.LState, pos int) *Hooks {
	ud := ls.CheckUserData(pos)
	if val, ok := ud.Value.(*Hooks); ok {
		return val
	}
	ls.ArgError(pos, hooksName+" expected")
	return nil
}

func checkBeforeFuncs(ls *lua.LState, pos int) *BeforeFuncs {
	ud := ls.CheckUserData(pos)
	if val, ok := ud.Value.(*BeforeFuncs); ok {
		return val
	}
	ls.ArgError(pos, hooksBeforeName+" expected")
	return nil
}

func checkAfterFuncs(ls *lua.LState, pos int) *AfterFuncs {
	ud := ls.CheckUserData(pos)
	if val, ok := ud.Value.(*AfterFuncs); ok {
		return val
	}
	ls.ArgError(pos, hooksAfterName+" expected")
	return nil
}

func wrapUserData(ls *lua.LState, val any, typeName string) *lua.LUserData {
	ud := ls.NewUserData()
	ud.Value = val
	ls.SetMetatable(ud, ls.GetTypeMetatable(typeName))
	return ud
}

// smtp2tg getter.
func hooksIndex(ls *lua.LState) int {
	hooks := checkHooks(ls, 1)
	field := ls.CheckString(2)

	// Push the requested field's value onto the stack.
	switch field {
	case "before":
		ls.Push(wrapUserData(ls, &hooks.Before, hooksBeforeName))
	case "after":
		ls.Push(wrapUserData(ls, &hooks.After, hooksAfterName))
	default:
		// Unknown field.
		ls.Push(lua.LNil)
	}

	return 1
}

// smtp2tg.before getter.
func hooksBeforeIndex(ls *lua.LState) int {
	before := checkBeforeFuncs(ls, 1)
	field := ls.CheckString(2)

	switch field {
	case "message_relayed":
		ls.Push(funcOrNil(before.MessageRelayed))
	default:
		ls.Push(lua.LNil)
	}

	return 1
}

// smtp2tg.before setter.
func hooksBeforeNewIndex(ls *lua.LState) int {
	before := checkBeforeFuncs(ls, 1)
	index := ls.CheckString(2)

	switch index {
	case "message_relayed":
		before.MessageRelayed = ls.CheckFunction(3)
	default:
		ls.RaiseError("invalid smtp2tg.before index %q", index)
	}

	return 0
}

// smtp2tg.after getter.
func hooksAfterIndex(ls *lua.LState) int {
	after := checkAfterFuncs(ls, 1)
	field := ls.CheckString(2)

	switch field {
	case "message_relayed":
		ls.Push(funcOrNil(after.MessageRelayed))
	default:
		ls.Push(lua.LNil)
	}

	return 1
}

// smtp2tg.after setter.
func hooksAfterNewIndex(ls *lua.LState) int {
	after := checkAfterFuncs(ls, 1)
	index := ls.CheckString(2)

	switch index {
	case "message_relayed":
		after.MessageRelayed = ls.CheckFunction(3)
	default:
		ls.RaiseError("invalid smtp2tg.after index %q", index)
	}

	return 0
}

func funcOrNil(f *lua.LFunction) lua.LValue {
	if f == nil {
		return lua.LNil
	}

	return f
}
