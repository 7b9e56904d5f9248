// Package message is the host-side message model shared by the pipeline and
// the sandbox encoder. The wire format is the Heka protobuf schema.
package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultSeverity is the syslog "debug" level Heka assigns when none is set.
const DefaultSeverity int32 = 7

type ValueType int32

const (
	ValueString ValueType = iota
	ValueBytes
	ValueInteger
	ValueDouble
	ValueBool
)

func (t ValueType) String() string {
	switch t {
	case ValueString:
		return "STRING"
	case ValueBytes:
		return "BYTES"
	case ValueInteger:
		return "INTEGER"
	case ValueDouble:
		return "DOUBLE"
	case ValueBool:
		return "BOOL"
	}
	return fmt.Sprintf("ValueType(%d)", int32(t))
}

var ErrUnsupportedValue = errors.New("unsupported field value type")

// Field is a named, typed, possibly repeated message attribute. Only the
// slice matching ValueType is populated.
type Field struct {
	Name           string
	ValueType      ValueType
	Representation string
	ValueString    []string
	ValueBytes     [][]byte
	ValueInteger   []int64
	ValueDouble    []float64
	ValueBool      []bool
}

// NewField creates a field whose type is inferred from value.
func NewField(name string, value any, representation string) (*Field, error) {
	f := &Field{Name: name, Representation: representation}
	switch value.(type) {
	case string:
		f.ValueType = ValueString
	case []byte:
		f.ValueType = ValueBytes
	case int, int32, int64:
		f.ValueType = ValueInteger
	case float64, float32:
		f.ValueType = ValueDouble
	case bool:
		f.ValueType = ValueBool
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
	if err := f.AddValue(value); err != nil {
		return nil, err
	}
	return f, nil
}

// AddValue appends value; it must match the field's type.
func (f *Field) AddValue(value any) error {
	switch v := value.(type) {
	case string:
		if f.ValueType != ValueString {
			break
		}
		f.ValueString = append(f.ValueString, v)
		return nil
	case []byte:
		if f.ValueType != ValueBytes {
			break
		}
		f.ValueBytes = append(f.ValueBytes, v)
		return nil
	case int:
		if f.ValueType != ValueInteger {
			break
		}
		f.ValueInteger = append(f.ValueInteger, int64(v))
		return nil
	case int32:
		if f.ValueType != ValueInteger {
			break
		}
		f.ValueInteger = append(f.ValueInteger, int64(v))
		return nil
	case int64:
		if f.ValueType != ValueInteger {
			break
		}
		f.ValueInteger = append(f.ValueInteger, v)
		return nil
	case float32:
		if f.ValueType != ValueDouble {
			break
		}
		f.ValueDouble = append(f.ValueDouble, float64(v))
		return nil
	case float64:
		if f.ValueType != ValueDouble {
			break
		}
		f.ValueDouble = append(f.ValueDouble, v)
		return nil
	case bool:
		if f.ValueType != ValueBool {
			break
		}
		f.ValueBool = append(f.ValueBool, v)
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
	return fmt.Errorf("field %q holds %s values, got %T", f.Name, f.ValueType, value)
}

// Len returns the number of values in the field.
func (f *Field) Len() int {
	switch f.ValueType {
	case ValueString:
		return len(f.ValueString)
	case ValueBytes:
		return len(f.ValueBytes)
	case ValueInteger:
		return len(f.ValueInteger)
	case ValueDouble:
		return len(f.ValueDouble)
	case ValueBool:
		return len(f.ValueBool)
	}
	return 0
}

// Value returns the element at index i, or false when out of range.
func (f *Field) Value(i int) (any, bool) {
	if i < 0 || i >= f.Len() {
		return nil, false
	}
	switch f.ValueType {
	case ValueString:
		return f.ValueString[i], true
	case ValueBytes:
		return f.ValueBytes[i], true
	case ValueInteger:
		return f.ValueInteger[i], true
	case ValueDouble:
		return f.ValueDouble[i], true
	case ValueBool:
		return f.ValueBool[i], true
	}
	return nil, false
}

type Message struct {
	Uuid       []byte
	Timestamp  int64
	Type       string
	Logger     string
	Severity   int32
	Payload    string
	EnvVersion string
	Pid        int32
	Hostname   string
	Fields     []*Field
}

// New returns a message with a random UUID, the current time and the default
// severity.
func New() *Message {
	id := uuid.New()
	return &Message{
		Uuid:      id[:],
		Timestamp: time.Now().UnixNano(),
		Severity:  DefaultSeverity,
	}
}

// UUIDString returns the canonical text form of the UUID, or "" when the
// stored bytes are not a valid UUID.
func (m *Message) UUIDString() string {
	id, err := uuid.FromBytes(m.Uuid)
	if err != nil {
		return ""
	}
	return id.String()
}

func (m *Message) AddField(f *Field) {
	m.Fields = append(m.Fields, f)
}

// FindField returns the fi-th field called name.
func (m *Message) FindField(name string, fi int) *Field {
	if fi < 0 {
		return nil
	}
	for _, f := range m.Fields {
		if f.Name != name {
			continue
		}
		if fi == 0 {
			return f
		}
		fi--
	}
	return nil
}

// FieldValue returns element ai of the fi-th field called name.
func (m *Message) FieldValue(name string, fi, ai int) (any, bool) {
	f := m.FindField(name, fi)
	if f == nil {
		return nil, false
	}
	return f.Value(ai)
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	c.Uuid = append([]byte(nil), m.Uuid...)
	c.Fields = make([]*Field, len(m.Fields))
	for i, f := range m.Fields {
		fc := *f
		fc.ValueString = append([]string(nil), f.ValueString...)
		fc.ValueInteger = append([]int64(nil), f.ValueInteger...)
		fc.ValueDouble = append([]float64(nil), f.ValueDouble...)
		fc.ValueBool = append([]bool(nil), f.ValueBool...)
		if f.ValueBytes != nil {
			fc.ValueBytes = make([][]byte, len(f.ValueBytes))
			for j, b := range f.ValueBytes {
				fc.ValueBytes[j] = append([]byte(nil), b...)
			}
		}
		c.Fields[i] = &fc
	}
	return &c
}
