package luahost

import (
	"time"

	"github.com/inbucket/smtp2tg/pkg/extension/event"
	lua "github.com/yuin/gopher-lua"
)

const relayMetadataName = "relay_metadata"

func registerRelayMetadataType(ls *lua.LState) {
	mt := ls.NewTypeMetatable(relayMetadataName)
	ls.SetGlobal(relayMetadataName, mt)

	// Static attributes.
	ls.SetField(mt, "new", ls.NewFunction(newRelayMetadata))

	// Methods.
	ls.SetField(mt, "__index", ls.NewFunction(relayMetadataIndex))
	ls.SetField(mt, "__newindex", ls.NewFunction(relayMetadataNewIndex))
}

func newRelayMetadata(ls *lua.LState) int {
	val := &event.RelayMetadata{}
	ud := wrapRelayMetadata(ls, val)
	ls.Push(ud)

	return 1
}

func wrapRelayMetadata(ls *lua.LState, val *event.RelayMetadata) *lua.LUserData {
	return wrapUserData(ls, val, relayMetadataName)
}

func checkRelayMetadata(ls *lua.LState, pos int) *event.RelayMetadata {
	ud := ls.CheckUserData(pos)
	if v, ok := ud.Value.(*event.RelayMetadata); ok {
		return v
	}
	ls.ArgError(pos, relayMetadataName+" expected")
	return nil
}

// Gets a field value from RelayMetadata user object.  This emulates a Lua table,
// allowing `meta.subject` instead of a Lua object syntax of `meta:subject()`.
func relayMetadataIndex(ls *lua.LState) int {
	m := checkRelayMetadata(ls, 1)
	field := ls.CheckString(2)

	// Push the requested field's value onto the stack.
	switch field {
	case "id":
		ls.Push(lua.LString(m.ID))
	case "from":
		ls.Push(lua.LString(m.From))
	case "to":
		ls.Push(stringsToTable(m.To))
	case "subject":
		ls.Push(lua.LString(m.Subject))
	case "date":
		ls.Push(lua.LNumber(m.Date.Unix()))
	case "size":
		ls.Push(lua.LNumber(m.Size))
	case "chunks":
		ls.Push(lua.LNumber(m.Chunks))
	case "sent":
		ls.Push(lua.LNumber(m.Sent))
	case "failed":
		lt := &lua.LTable{}
		for _, seq := range m.Failed {
			lt.Append(lua.LNumber(seq))
		}
		ls.Push(lt)
	case "error":
		ls.Push(lua.LString(m.Error))
	case "delivered":
		ls.Push(lua.LBool(m.Delivered()))
	default:
		// Unknown field.
		ls.Push(lua.LNil)
	}

	return 1
}

// Sets a field value on RelayMetadata user object.  This emulates a Lua table,
// allowing `meta.subject = x` instead of a Lua object syntax of `meta:subject(x)`.
func relayMetadataNewIndex(ls *lua.LState) int {
	m := checkRelayMetadata(ls, 1)
	index := ls.CheckString(2)

	switch index {
	case "id":
		m.ID = ls.CheckString(3)
	case "from":
		m.From = ls.CheckString(3)
	case "to":
		m.To = tableToStrings(ls.CheckTable(3))
	case "subject":
		m.Subject = ls.CheckString(3)
	case "date":
		m.Date = time.Unix(ls.CheckInt64(3), 0)
	case "size":
		m.Size = ls.CheckInt64(3)
	case "chunks":
		m.Chunks = ls.CheckInt(3)
	case "sent":
		m.Sent = ls.CheckInt(3)
	case "failed":
		lt := ls.CheckTable(3)
		failed := make([]int, 0, lt.Len())
		lt.ForEach(func(_, lv lua.LValue) {
			if n, ok := lv.(lua.LNumber); ok {
				failed = append(failed, int(n))
			}
		})
		m.Failed = failed
	case "error":
		m.Error = ls.CheckString(3)
	case "delivered":
		ls.RaiseError("delivered is read-only")
	default:
		ls.RaiseError("invalid index %q", index)
	}

	return 0
}
