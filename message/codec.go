package message

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers of the Heka message schema.
const (
	fieldUuid       protowire.Number = 1
	fieldTimestamp  protowire.Number = 2
	fieldType       protowire.Number = 3
	fieldLogger     protowire.Number = 4
	fieldSeverity   protowire.Number = 5
	fieldPayload    protowire.Number = 6
	fieldEnvVersion protowire.Number = 7
	fieldPid        protowire.Number = 8
	fieldHostname   protowire.Number = 9
	fieldFields     protowire.Number = 10
)

const (
	fieldName           protowire.Number = 1
	fieldValueType      protowire.Number = 2
	fieldRepresentation protowire.Number = 3
	fieldValueString    protowire.Number = 4
	fieldValueBytes     protowire.Number = 5
	fieldValueInteger   protowire.Number = 6
	fieldValueDouble    protowire.Number = 7
	fieldValueBool      protowire.Number = 8
)

const uuidSize = 16

var (
	ErrInvalidUUID = errors.New("uuid must be 16 bytes")
	ErrMissingName = errors.New("field name required")
)

// Marshal encodes m in the Heka protobuf wire format.
func Marshal(m *Message) ([]byte, error) {
	return AppendMarshal(nil, m)
}

// AppendMarshal appends the encoding of m to b.
func AppendMarshal(b []byte, m *Message) ([]byte, error) {
	if len(m.Uuid) != uuidSize {
		return nil, ErrInvalidUUID
	}
	b = protowire.AppendTag(b, fieldUuid, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Uuid)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Timestamp))
	b = appendString(b, fieldType, m.Type)
	b = appendString(b, fieldLogger, m.Logger)
	b = protowire.AppendTag(b, fieldSeverity, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(m.Severity)))
	b = appendString(b, fieldPayload, m.Payload)
	b = appendString(b, fieldEnvVersion, m.EnvVersion)
	if m.Pid != 0 {
		b = protowire.AppendTag(b, fieldPid, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.Pid)))
	}
	b = appendString(b, fieldHostname, m.Hostname)

	for _, f := range m.Fields {
		fb, err := marshalField(f)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldFields, protowire.BytesType)
		b = protowire.AppendBytes(b, fb)
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func marshalField(f *Field) ([]byte, error) {
	if f.Name == "" {
		return nil, ErrMissingName
	}
	var b []byte
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, f.Name)
	b = protowire.AppendTag(b, fieldValueType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.ValueType))
	b = appendString(b, fieldRepresentation, f.Representation)

	switch f.ValueType {
	case ValueString:
		for _, s := range f.ValueString {
			b = protowire.AppendTag(b, fieldValueString, protowire.BytesType)
			b = protowire.AppendString(b, s)
		}
	case ValueBytes:
		for _, v := range f.ValueBytes {
			b = protowire.AppendTag(b, fieldValueBytes, protowire.BytesType)
			b = protowire.AppendBytes(b, v)
		}
	case ValueInteger:
		var packed []byte
		for _, v := range f.ValueInteger {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = appendPacked(b, fieldValueInteger, packed)
	case ValueDouble:
		var packed []byte
		for _, v := range f.ValueDouble {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = appendPacked(b, fieldValueDouble, packed)
	case ValueBool:
		var packed []byte
		for _, v := range f.ValueBool {
			packed = protowire.AppendVarint(packed, protowire.EncodeBool(v))
		}
		b = appendPacked(b, fieldValueBool, packed)
	default:
		return nil, fmt.Errorf("field %q: %w: %s", f.Name, ErrUnsupportedValue, f.ValueType)
	}
	return b, nil
}

func appendPacked(b []byte, num protowire.Number, packed []byte) []byte {
	if len(packed) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// Unmarshal decodes b into m, replacing its contents. Unknown fields are
// skipped.
func Unmarshal(b []byte, m *Message) error {
	*m = Message{Severity: DefaultSeverity}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("message: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldUuid && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("uuid: %w", protowire.ParseError(n))
			}
			m.Uuid = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("timestamp: %w", protowire.ParseError(n))
			}
			m.Timestamp = int64(v)
			b = b[n:]
		case num == fieldSeverity && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("severity: %w", protowire.ParseError(n))
			}
			m.Severity = int32(v)
			b = b[n:]
		case num == fieldPid && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("pid: %w", protowire.ParseError(n))
			}
			m.Pid = int32(v)
			b = b[n:]
		case typ == protowire.BytesType && isStringField(num):
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			setString(m, num, v)
			b = b[n:]
		case num == fieldFields && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("fields: %w", protowire.ParseError(n))
			}
			f, err := unmarshalField(v)
			if err != nil {
				return err
			}
			m.Fields = append(m.Fields, f)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if len(m.Uuid) != uuidSize {
		return ErrInvalidUUID
	}
	return nil
}

func isStringField(num protowire.Number) bool {
	switch num {
	case fieldType, fieldLogger, fieldPayload, fieldEnvVersion, fieldHostname:
		return true
	}
	return false
}

func setString(m *Message, num protowire.Number, v string) {
	switch num {
	case fieldType:
		m.Type = v
	case fieldLogger:
		m.Logger = v
	case fieldPayload:
		m.Payload = v
	case fieldEnvVersion:
		m.EnvVersion = v
	case fieldHostname:
		m.Hostname = v
	}
}

func unmarshalField(b []byte) (*Field, error) {
	f := &Field{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("field: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("field name: %w", protowire.ParseError(n))
			}
			f.Name = v
			b = b[n:]
		case num == fieldValueType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("value_type: %w", protowire.ParseError(n))
			}
			f.ValueType = ValueType(v)
			b = b[n:]
		case num == fieldRepresentation && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("representation: %w", protowire.ParseError(n))
			}
			f.Representation = v
			b = b[n:]
		case num == fieldValueString && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("value_string: %w", protowire.ParseError(n))
			}
			f.ValueString = append(f.ValueString, v)
			b = b[n:]
		case num == fieldValueBytes && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("value_bytes: %w", protowire.ParseError(n))
			}
			f.ValueBytes = append(f.ValueBytes, append([]byte(nil), v...))
			b = b[n:]
		case num == fieldValueInteger || num == fieldValueBool:
			vals, n, err := consumeVarints(num, typ, b)
			if err != nil {
				return nil, err
			}
			if num == fieldValueInteger {
				for _, v := range vals {
					f.ValueInteger = append(f.ValueInteger, int64(v))
				}
			} else {
				for _, v := range vals {
					f.ValueBool = append(f.ValueBool, protowire.DecodeBool(v))
				}
			}
			b = b[n:]
		case num == fieldValueDouble:
			vals, n, err := consumeFixed64s(typ, b)
			if err != nil {
				return nil, err
			}
			for _, v := range vals {
				f.ValueDouble = append(f.ValueDouble, math.Float64frombits(v))
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if f.Name == "" {
		return nil, ErrMissingName
	}
	return f, nil
}

// consumeVarints reads either a packed run or a single unpacked element.
func consumeVarints(num protowire.Number, typ protowire.Type, b []byte) ([]uint64, int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, 0, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		return []uint64{v}, n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, 0, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		var vals []uint64
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return nil, 0, fmt.Errorf("field %d: %w", num, protowire.ParseError(m))
			}
			vals = append(vals, v)
			packed = packed[m:]
		}
		return vals, n, nil
	}
	return nil, 0, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
}

func consumeFixed64s(typ protowire.Type, b []byte) ([]uint64, int, error) {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, 0, fmt.Errorf("value_double: %w", protowire.ParseError(n))
		}
		return []uint64{v}, n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, 0, fmt.Errorf("value_double: %w", protowire.ParseError(n))
		}
		var vals []uint64
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed64(packed)
			if m < 0 {
				return nil, 0, fmt.Errorf("value_double: %w", protowire.ParseError(m))
			}
			vals = append(vals, v)
			packed = packed[m:]
		}
		return vals, n, nil
	}
	return nil, 0, fmt.Errorf("value_double: unexpected wire type %d", typ)
}
