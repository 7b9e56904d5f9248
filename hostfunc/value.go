package hostfunc

import (
	"fmt"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindBytes
	KindBytesRef
	KindInt32
	KindInt64
	KindFloat64
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindBytes:
		return "bytes"
	case KindBytesRef:
		return "bytes_ref"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindBool:
		return "bool"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is the only vocabulary that crosses the sandbox boundary.
//
// Bytes values are owned by the host for the duration of a single call: the
// receiver copies them and then calls Release exactly once. BytesRef values
// point at memory the host keeps stable for the current invocation and must
// never be released. The zero Value is Absent.
type Value struct {
	kind    Kind
	b       []byte
	n       int64
	f       float64
	release func()
}

// Absent returns the "not found" value.
func Absent() Value { return Value{} }

// Bytes returns an owned byte value. release may be nil.
func Bytes(b []byte, release func()) Value {
	return Value{kind: KindBytes, b: b, release: release}
}

// String returns an owned byte value holding s.
func String(s string) Value {
	return Value{kind: KindBytes, b: []byte(s)}
}

// BytesRef returns a borrowed byte value.
func BytesRef(b []byte) Value {
	return Value{kind: KindBytesRef, b: b}
}

func Int32(v int32) Value { return Value{kind: KindInt32, n: int64(v)} }

func Int64(v int64) Value { return Value{kind: KindInt64, n: v} }

func Float64(v float64) Value { return Value{kind: KindFloat64, f: v} }

func Bool(v bool) Value {
	var n int64
	if v {
		n = 1
	}
	return Value{kind: KindBool, n: n}
}

// Kind reports the variant.
func (v Value) Kind() Kind { return v.kind }

// IsAbsent reports whether v is the "not found" value.
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// Bytes returns the byte payload of a Bytes or BytesRef value.
func (v Value) Bytes() []byte { return v.b }

// Int returns the integer payload of an Int32, Int64 or Bool value.
func (v Value) Int() int64 { return v.n }

// Float returns the numeric payload as a float64 for any numeric variant.
func (v Value) Float() float64 {
	switch v.kind {
	case KindFloat64:
		return v.f
	case KindInt32, KindInt64:
		return float64(v.n)
	}
	return 0
}

// Bool returns the payload of a Bool value.
func (v Value) Bool() bool { return v.n != 0 }

// Owned reports whether the receiver must call Release after copying.
func (v Value) Owned() bool { return v.kind == KindBytes }

// Release hands an owned buffer back to the host. It is a no-op for every
// other variant.
func (v Value) Release() {
	if v.kind == KindBytes && v.release != nil {
		v.release()
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindAbsent:
		return "<absent>"
	case KindBytes, KindBytesRef:
		return strconv.Quote(string(v.b))
	case KindInt32, KindInt64:
		return strconv.FormatInt(v.n, 10)
	case KindFloat64:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.n != 0)
	default:
		return fmt.Sprintf("<%s>", v.kind)
	}
}
