package sandbox

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

// preserve writes the guest's user globals to path as a Lua chunk that
// rebuilds them when executed after the script has loaded. Functions are
// skipped, shared tables are restored as shared references and circular
// buffers are recreated with their headers and data.
func (s *Sandbox) preserve(path string) error {
	p := &preserver{seen: make(map[*lua.LTable]string)}
	for _, e := range sortedEntries(s.state.G.Global) {
		name, ok := e.key.(lua.LString)
		if !ok {
			continue
		}
		if _, builtin := s.builtins[string(name)]; builtin {
			continue
		}
		p.assign("_G["+quoteLua(string(name))+"]", e.value)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("preserve: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(p.buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("preserve: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("preserve: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("preserve: %w", err)
	}
	return nil
}

type preserver struct {
	buf  bytes.Buffer
	seen map[*lua.LTable]string
}

func (p *preserver) assign(path string, lv lua.LValue) {
	switch v := lv.(type) {
	case lua.LString, lua.LNumber, lua.LBool:
		fmt.Fprintf(&p.buf, "%s = %s\n", path, literal(v))
	case *lua.LTable:
		if prev, ok := p.seen[v]; ok {
			fmt.Fprintf(&p.buf, "%s = %s\n", path, prev)
			return
		}
		p.seen[v] = path
		fmt.Fprintf(&p.buf, "%s = {}\n", path)
		for _, e := range sortedEntries(v) {
			key, ok := keyLiteral(e.key)
			if !ok {
				continue
			}
			p.assign(path+"["+key+"]", e.value)
		}
	case *lua.LUserData:
		cb, ok := v.Value.(*CircularBuffer)
		if !ok {
			return
		}
		fmt.Fprintf(&p.buf, "%s = circular_buffer.new(%d, %d, %d)\n", path, cb.Rows(), cb.Columns(), cb.SecondsPerRow())
		for i, h := range cb.headers {
			fmt.Fprintf(&p.buf, "%s:set_header(%d, %s, %s)\n", path, i+1, quoteLua(h.Name), quoteLua(h.Unit))
		}
		fmt.Fprintf(&p.buf, "%s:fromstring(%s)\n", path, quoteLua(cb.String()))
	}
}

type entry struct {
	key   lua.LValue
	value lua.LValue
	sort  string
}

// sortedEntries returns the pairs of t in a stable order so the same data
// always produces the same file.
func sortedEntries(t *lua.LTable) []entry {
	var entries []entry
	t.ForEach(func(k, v lua.LValue) {
		entries = append(entries, entry{key: k, value: v, sort: k.Type().String() + ":" + k.String()})
	})
	sort.Slice(entries, func(i, j int) bool {
		ni, iok := entries[i].key.(lua.LNumber)
		nj, jok := entries[j].key.(lua.LNumber)
		if iok && jok {
			return ni < nj
		}
		return entries[i].sort < entries[j].sort
	})
	return entries
}

func keyLiteral(k lua.LValue) (string, bool) {
	switch v := k.(type) {
	case lua.LString, lua.LBool:
		return literal(v), true
	case lua.LNumber:
		if math.IsNaN(float64(v)) {
			return "", false
		}
		return literal(v), true
	}
	return "", false
}

func literal(lv lua.LValue) string {
	switch v := lv.(type) {
	case lua.LString:
		return quoteLua(string(v))
	case lua.LNumber:
		f := float64(v)
		switch {
		case math.IsNaN(f):
			return "0/0"
		case math.IsInf(f, 1):
			return "math.huge"
		case math.IsInf(f, -1):
			return "-math.huge"
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	case lua.LBool:
		return strconv.FormatBool(bool(v))
	}
	return "nil"
}

// quoteLua renders s as a double quoted Lua string literal. Control and
// non-ASCII bytes use three digit decimal escapes so arbitrary binary data
// survives the round trip.
func quoteLua(s string) string {
	b := make([]byte, 0, len(s)+2)
	b = append(b, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			b = append(b, '\\', c)
		case c == '\n':
			b = append(b, '\\', 'n')
		case c < 0x20 || c >= 0x7f:
			b = append(b, fmt.Sprintf("\\%03d", c)...)
		default:
			b = append(b, c)
		}
	}
	return string(append(b, '"'))
}
