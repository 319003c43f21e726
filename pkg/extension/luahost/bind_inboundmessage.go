package luahost

import (
	"fmt"

	"github.com/inbucket/smtp2tg/pkg/extension/event"
	lua "github.com/yuin/gopher-lua"
)

const inboundMessageName = "inbound_message"

func registerInboundMessageType(ls *lua.LState) {
	mt := ls.NewTypeMetatable(inboundMessageName)
	ls.SetGlobal(inboundMessageName, mt)

	// Static attributes.
	ls.SetField(mt, "new", ls.NewFunction(newInboundMessage))

	// Methods.
	ls.SetField(mt, "__index", ls.NewFunction(inboundMessageIndex))
	ls.SetField(mt, "__newindex", ls.NewFunction(inboundMessageNewIndex))
}

func newInboundMessage(ls *lua.LState) int {
	val := &event.InboundMessage{}
	ud := wrapInboundMessage(ls, val)
	ls.Push(ud)

	return 1
}

func wrapInboundMessage(ls *lua.LState, val *event.InboundMessage) *lua.LUserData {
	return wrapUserData(ls, val, inboundMessageName)
}

// Checks there is an InboundMessage at stack position `pos`, else throws Lua error.
func checkInboundMessage(ls *lua.LState, pos int) *event.InboundMessage {
	ud := ls.CheckUserData(pos)
	if v, ok := ud.Value.(*event.InboundMessage); ok {
		return v
	}
	ls.ArgError(pos, inboundMessageName+" expected")
	return nil
}

func unwrapInboundMessage(lv lua.LValue) (*event.InboundMessage, error) {
	if ud, ok := lv.(*lua.LUserData); ok {
		if v, ok := ud.Value.(*event.InboundMessage); ok {
			return v, nil
		}
	}

	return nil, fmt.Errorf("expected InboundMessage, got %q", lv.Type().String())
}

// Gets a field value from InboundMessage user object.  This emulates a Lua table,
// allowing `msg.subject` instead of a Lua object syntax of `msg:subject()`.
func inboundMessageIndex(ls *lua.LState) int {
	m := checkInboundMessage(ls, 1)
	field := ls.CheckString(2)

	// Push the requested field's value onto the stack.
	switch field {
	case "id":
		ls.Push(lua.LString(m.ID))
	case "peer":
		ls.Push(lua.LString(m.Peer))
	case "from":
		ls.Push(lua.LString(m.From))
	case "to":
		ls.Push(stringsToTable(m.To))
	case "subject":
		ls.Push(lua.LString(m.Subject))
	case "text":
		ls.Push(lua.LString(m.Text))
	case "size":
		ls.Push(lua.LNumber(m.Size))
	default:
		// Unknown field.
		ls.Push(lua.LNil)
	}

	return 1
}

// Sets a field value on InboundMessage user object.  This emulates a Lua table,
// allowing `msg.text = x` instead of a Lua object syntax of `msg:text(x)`.
func inboundMessageNewIndex(ls *lua.LState) int {
	m := checkInboundMessage(ls, 1)
	index := ls.CheckString(2)

	switch index {
	case "id":
		m.ID = ls.CheckString(3)
	case "peer":
		m.Peer = ls.CheckString(3)
	case "from":
		m.From = ls.CheckString(3)
	case "to":
		m.To = tableToStrings(ls.CheckTable(3))
	case "subject":
		m.Subject = ls.CheckString(3)
	case "text":
		m.Text = ls.CheckString(3)
	case "size":
		ls.RaiseError("size is read-only")
	default:
		ls.RaiseError("invalid index %q", index)
	}

	return 0
}

func stringsToTable(values []string) *lua.LTable {
	lt := &lua.LTable{}
	for _, v := range values {
		lt.Append(lua.LString(v))
	}
	return lt
}

// tableToStrings collects the string elements of a list-style table.
func tableToStrings(lt *lua.LTable) []string {
	values := make([]string, 0, lt.Len())
	lt.ForEach(func(_, lv lua.LValue) {
		if s, ok := lv.(lua.LString); ok {
			values = append(values, string(s))
		}
	})
	return values
}
