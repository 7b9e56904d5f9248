package message

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type jsonField struct {
	Name           string `json:"name"`
	ValueType      string `json:"value_type,omitempty"`
	Representation string `json:"representation,omitempty"`
	Value          []any  `json:"value"`
}

type jsonMessage struct {
	Uuid       string      `json:"uuid,omitempty"`
	Timestamp  int64       `json:"timestamp,omitempty"`
	Type       string      `json:"type,omitempty"`
	Logger     string      `json:"logger,omitempty"`
	Severity   *int32      `json:"severity,omitempty"`
	Payload    string      `json:"payload,omitempty"`
	EnvVersion string      `json:"env_version,omitempty"`
	Pid        int32       `json:"pid,omitempty"`
	Hostname   string      `json:"hostname,omitempty"`
	Fields     []jsonField `json:"fields,omitempty"`
}

// MarshalJSON renders the message for humans and line-oriented tooling.
// BYTES values are base64 encoded.
func (m *Message) MarshalJSON() ([]byte, error) {
	sev := m.Severity
	jm := jsonMessage{
		Uuid:       m.UUIDString(),
		Timestamp:  m.Timestamp,
		Type:       m.Type,
		Logger:     m.Logger,
		Severity:   &sev,
		Payload:    m.Payload,
		EnvVersion: m.EnvVersion,
		Pid:        m.Pid,
		Hostname:   m.Hostname,
	}
	for _, f := range m.Fields {
		jf := jsonField{
			Name:           f.Name,
			ValueType:      f.ValueType.String(),
			Representation: f.Representation,
			Value:          make([]any, 0, f.Len()),
		}
		for i := 0; i < f.Len(); i++ {
			v, _ := f.Value(i)
			if b, ok := v.([]byte); ok {
				v = base64.StdEncoding.EncodeToString(b)
			}
			jf.Value = append(jf.Value, v)
		}
		jm.Fields = append(jm.Fields, jf)
	}
	return json.Marshal(jm)
}

// UnmarshalJSON accepts the MarshalJSON form. Missing uuid and timestamp are
// filled in as New would; a field without value_type is typed from its first
// value, with JSON numbers becoming DOUBLE.
func (m *Message) UnmarshalJSON(data []byte) error {
	var jm jsonMessage
	if err := json.Unmarshal(data, &jm); err != nil {
		return err
	}

	fresh := New()
	*m = Message{
		Uuid:       fresh.Uuid,
		Timestamp:  fresh.Timestamp,
		Type:       jm.Type,
		Logger:     jm.Logger,
		Severity:   DefaultSeverity,
		Payload:    jm.Payload,
		EnvVersion: jm.EnvVersion,
		Pid:        jm.Pid,
		Hostname:   jm.Hostname,
	}
	if jm.Uuid != "" {
		id, err := uuid.Parse(jm.Uuid)
		if err != nil {
			return fmt.Errorf("uuid: %w", err)
		}
		m.Uuid = id[:]
	}
	if jm.Timestamp != 0 {
		m.Timestamp = jm.Timestamp
	}
	if jm.Severity != nil {
		m.Severity = *jm.Severity
	}

	for _, jf := range jm.Fields {
		f, err := jf.toField()
		if err != nil {
			return err
		}
		m.AddField(f)
	}
	return nil
}

func (jf jsonField) toField() (*Field, error) {
	f := &Field{Name: jf.Name, Representation: jf.Representation}
	if f.Name == "" {
		return nil, ErrMissingName
	}

	switch strings.ToUpper(jf.ValueType) {
	case "STRING":
		f.ValueType = ValueString
	case "BYTES":
		f.ValueType = ValueBytes
	case "INTEGER":
		f.ValueType = ValueInteger
	case "DOUBLE":
		f.ValueType = ValueDouble
	case "BOOL":
		f.ValueType = ValueBool
	case "":
		if len(jf.Value) > 0 {
			switch jf.Value[0].(type) {
			case string:
				f.ValueType = ValueString
			case float64:
				f.ValueType = ValueDouble
			case bool:
				f.ValueType = ValueBool
			default:
				return nil, fmt.Errorf("field %q: %w: %T", jf.Name, ErrUnsupportedValue, jf.Value[0])
			}
		}
	default:
		return nil, fmt.Errorf("field %q: unknown value_type %q", jf.Name, jf.ValueType)
	}

	for _, v := range jf.Value {
		var err error
		switch f.ValueType {
		case ValueBytes:
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("field %q: BYTES values must be base64 strings", jf.Name)
			}
			var b []byte
			if b, err = base64.StdEncoding.DecodeString(s); err == nil {
				err = f.AddValue(b)
			}
		case ValueInteger:
			n, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("field %q: INTEGER values must be numbers", jf.Name)
			}
			err = f.AddValue(int64(n))
		default:
			err = f.AddValue(v)
		}
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", jf.Name, err)
		}
	}
	return f, nil
}
