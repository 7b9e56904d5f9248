package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/luabridge/message"
)

func TestInjectTableEncodesMessage(t *testing.T) {
	sb, host := newTestSandbox(t, `
function process_message()
    inject_message({
        Uuid = "6ba7b810-9dad-11d1-80b4-00c04fd430c8",
        Timestamp = 1700000000000000000,
        Type = "stats",
        Logger = "ignored-by-host",
        Severity = 4,
        Payload = "body",
        Pid = 99,
        Hostname = "web-1",
        Fields = {
            count = 3,
            name = "requests",
            ok = true,
            sizes = {1, 2, 3},
            latency = {value = 12.5, representation = "ms"},
        },
    }, "report")
    return 0
end`)

	assert.Equal(t, 0, run(t, sb))
	require.Len(t, host.injected, 1)
	got := host.injected[0]
	assert.Equal(t, "", got.typ, "structured payloads carry no type tag")
	assert.Equal(t, "report", got.name)

	var m message.Message
	require.NoError(t, message.Unmarshal([]byte(got.payload), &m))
	assert.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", m.UUIDString())
	assert.Equal(t, int64(1700000000000000000), m.Timestamp)
	assert.Equal(t, "stats", m.Type)
	assert.Equal(t, int32(4), m.Severity)
	assert.Equal(t, "body", m.Payload)
	assert.Equal(t, int32(99), m.Pid)
	assert.Equal(t, "web-1", m.Hostname)

	require.Len(t, m.Fields, 5)
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"count", "latency", "name", "ok", "sizes"}, names)

	latency := m.FindField("latency", 0)
	require.NotNil(t, latency)
	assert.Equal(t, "ms", latency.Representation)
	assert.Equal(t, []float64{12.5}, latency.ValueDouble)

	sizes := m.FindField("sizes", 0)
	require.NotNil(t, sizes)
	assert.Equal(t, []float64{1, 2, 3}, sizes.ValueDouble)

	v, ok := m.FieldValue("ok", 0, 0)
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestInjectTableDefaults(t *testing.T) {
	sb, host := newTestSandbox(t, `function process_message() inject_message({Payload = "x"}) return 0 end`)

	assert.Equal(t, 0, run(t, sb))
	require.Len(t, host.injected, 1)

	var m message.Message
	require.NoError(t, message.Unmarshal([]byte(host.injected[0].payload), &m))
	assert.Len(t, m.Uuid, 16)
	assert.NotZero(t, m.Timestamp)
	assert.Equal(t, message.DefaultSeverity, m.Severity)
}

func TestInjectTableReplacesStagedOutput(t *testing.T) {
	sb, host := newTestSandbox(t, `
function process_message()
    output("staged text")
    inject_message({Payload = "structured"})
    return 0
end`)

	assert.Equal(t, 0, run(t, sb))
	require.Len(t, host.injected, 1)
	var m message.Message
	require.NoError(t, message.Unmarshal([]byte(host.injected[0].payload), &m))
	assert.Equal(t, "structured", m.Payload)
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		table string
		want  string
	}{
		{"uuid", `{Uuid = "not-a-uuid"}`, "invalid Uuid"},
		{"severity", `{Severity = "high"}`, "Severity must be a number"},
		{"fields type", `{Fields = "x"}`, "Fields must be a table"},
		{"field name", `{Fields = {[1] = "x"}}`, "field name must be a string"},
		{"empty array", `{Fields = {a = {}}}`, "array must not be empty"},
		{"mixed array", `{Fields = {a = {1, "two"}}}`, `field "a"`},
		{"nested table", `{Fields = {a = {{1}}}}`, "unsupported value type table"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb, host := newTestSandbox(t, `function process_message() inject_message(`+tt.table+`) return 0 end`)

			_, err := sb.ProcessMessage(context.Background())
			require.ErrorIs(t, err, ErrEncoding)
			assert.Contains(t, sb.LastError(), "inject_message() could not encode protobuf - ")
			assert.Contains(t, sb.LastError(), tt.want)
			assert.Empty(t, host.injected)
		})
	}
}
