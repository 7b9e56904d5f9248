package sandbox

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/luabridge/hostfunc"
)

// ToLua converts a host value to a guest value. Owned bytes are copied into
// the guest string and then released back to the host.
func ToLua(v hostfunc.Value) lua.LValue {
	switch v.Kind() {
	case hostfunc.KindBytes:
		s := lua.LString(v.Bytes())
		v.Release()
		return s
	case hostfunc.KindBytesRef:
		return lua.LString(v.Bytes())
	case hostfunc.KindInt32, hostfunc.KindInt64, hostfunc.KindFloat64:
		return lua.LNumber(v.Float())
	case hostfunc.KindBool:
		return lua.LBool(v.Bool())
	}
	return lua.LNil
}

// configValue is the narrower mapping used by read_config, which only knows
// strings, doubles and booleans.
func configValue(v hostfunc.Value) lua.LValue {
	switch v.Kind() {
	case hostfunc.KindBytes, hostfunc.KindFloat64, hostfunc.KindBool:
		return ToLua(v)
	}
	return lua.LNil
}

// FromLua converts a guest value to a host value. Strings are borrowed: the
// returned bytes are only valid until the host function returns.
func FromLua(lv lua.LValue) hostfunc.Value {
	switch v := lv.(type) {
	case lua.LString:
		return hostfunc.BytesRef([]byte(v))
	case lua.LNumber:
		return hostfunc.Float64(float64(v))
	case lua.LBool:
		return hostfunc.Bool(bool(v))
	}
	return hostfunc.Absent()
}

// narrowInt reports whether name is a header stored as a 32 bit integer.
func narrowInt(name string) bool {
	return name == "Pid" || name == "Severity"
}

func messageValue(name string, v hostfunc.Value) lua.LValue {
	if v.Kind() == hostfunc.KindInt64 && narrowInt(name) {
		return lua.LNumber(int32(v.Int()))
	}
	return ToLua(v)
}
