package sandbox

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/luabridge/message"
)

var errEmptyArray = errors.New("array must not be empty")

// TableToMessage builds a message from a guest table using the header names
// Uuid, Timestamp, Type, Logger, Severity, Payload, EnvVersion, Pid and
// Hostname plus a Fields table. Missing Uuid and Timestamp are generated.
func TableToMessage(t *lua.LTable) (*message.Message, error) {
	m := message.New()

	switch v := t.RawGetString("Uuid").(type) {
	case *lua.LNilType:
	case lua.LString:
		id, err := parseUUID(string(v))
		if err != nil {
			return nil, err
		}
		m.Uuid = id
	default:
		return nil, errors.New("Uuid must be a string")
	}

	if lv := t.RawGetString("Timestamp"); lv != lua.LNil {
		n, ok := lv.(lua.LNumber)
		if !ok {
			return nil, errors.New("Timestamp must be a number")
		}
		m.Timestamp = int64(n)
	}

	for _, h := range []struct {
		key string
		dst *string
	}{
		{"Type", &m.Type},
		{"Logger", &m.Logger},
		{"Payload", &m.Payload},
		{"EnvVersion", &m.EnvVersion},
		{"Hostname", &m.Hostname},
	} {
		s, err := optString(t, h.key)
		if err != nil {
			return nil, err
		}
		*h.dst = s
	}

	for _, h := range []struct {
		key string
		dst *int32
	}{
		{"Severity", &m.Severity},
		{"Pid", &m.Pid},
	} {
		switch v := t.RawGetString(h.key).(type) {
		case *lua.LNilType:
		case lua.LNumber:
			*h.dst = int32(v)
		default:
			return nil, fmt.Errorf("%s must be a number", h.key)
		}
	}

	switch v := t.RawGetString("Fields").(type) {
	case *lua.LNilType:
	case *lua.LTable:
		if err := encodeFields(m, v); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("Fields must be a table")
	}
	return m, nil
}

func parseUUID(s string) ([]byte, error) {
	if len(s) == 16 {
		return []byte(s), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid Uuid: %w", err)
	}
	return id[:], nil
}

func optString(t *lua.LTable, key string) (string, error) {
	switch v := t.RawGetString(key).(type) {
	case *lua.LNilType:
		return "", nil
	case lua.LString:
		return string(v), nil
	case lua.LNumber:
		return v.String(), nil
	}
	return "", fmt.Errorf("%s must be a string", key)
}

func encodeFields(m *message.Message, t *lua.LTable) error {
	var names []string
	var bad error
	t.ForEach(func(k, _ lua.LValue) {
		name, ok := k.(lua.LString)
		if !ok {
			bad = fmt.Errorf("field name must be a string, got %s", k.Type())
			return
		}
		names = append(names, string(name))
	})
	if bad != nil {
		return bad
	}
	sort.Strings(names)

	for _, name := range names {
		f, err := encodeField(name, t.RawGetString(name))
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		m.AddField(f)
	}
	return nil
}

func encodeField(name string, lv lua.LValue) (*message.Field, error) {
	representation := ""
	if t, ok := lv.(*lua.LTable); ok {
		if v := t.RawGetString("value"); v != lua.LNil {
			rep, err := optString(t, "representation")
			if err != nil {
				return nil, err
			}
			representation = rep
			lv = v
		}
	}

	t, ok := lv.(*lua.LTable)
	if !ok {
		v, err := scalar(lv)
		if err != nil {
			return nil, err
		}
		return message.NewField(name, v, representation)
	}

	n := t.Len()
	if n == 0 {
		return nil, errEmptyArray
	}
	first, err := scalar(t.RawGetInt(1))
	if err != nil {
		return nil, err
	}
	f, err := message.NewField(name, first, representation)
	if err != nil {
		return nil, err
	}
	for i := 2; i <= n; i++ {
		v, err := scalar(t.RawGetInt(i))
		if err != nil {
			return nil, err
		}
		if err := f.AddValue(v); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func scalar(lv lua.LValue) (any, error) {
	switch v := lv.(type) {
	case lua.LString:
		return string(v), nil
	case lua.LNumber:
		return float64(v), nil
	case lua.LBool:
		return bool(v), nil
	}
	return nil, fmt.Errorf("unsupported value type %s", lv.Type())
}
