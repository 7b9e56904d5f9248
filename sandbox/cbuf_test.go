package sandbox

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sec = int64(1e9)

func TestCircularBufferWindow(t *testing.T) {
	cb, err := NewCircularBuffer(3, 2, 60)
	require.NoError(t, err)
	assert.Equal(t, 120*sec, cb.CurrentTime())

	v, ok, err := cb.Add(0, 0, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	v, ok, err = cb.Add(10*sec, 0, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3.0, v, "same row accumulates")

	_, _, err = cb.Set(130*sec, 1, 5)
	require.NoError(t, err)

	_, ok, err = cb.Add(180*sec, 0, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 180*sec, cb.CurrentTime())

	_, ok, err = cb.Get(0, 0)
	require.NoError(t, err)
	assert.False(t, ok, "oldest row has left the window")

	v, ok, err = cb.Get(60*sec, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, math.IsNaN(v))

	v, _, _ = cb.Get(120*sec, 1)
	assert.Equal(t, 5.0, v)

	_, ok, _ = cb.Get(240*sec, 0)
	assert.False(t, ok, "get never advances the window")
}

func TestCircularBufferLargeJumpClearsAll(t *testing.T) {
	cb, err := NewCircularBuffer(2, 1, 1)
	require.NoError(t, err)
	_, _, _ = cb.Set(1*sec, 0, 9)

	_, ok, _ := cb.Add(100*sec, 0, 1)
	require.True(t, ok)
	v, ok, _ := cb.Get(99*sec, 0)
	require.True(t, ok)
	assert.True(t, math.IsNaN(v))
}

func TestCircularBufferFormat(t *testing.T) {
	cb, err := NewCircularBuffer(3, 2, 60)
	require.NoError(t, err)
	require.NoError(t, cb.SetHeader(0, "requests", ""))
	require.NoError(t, cb.SetHeader(1, "bytes", "B"))
	_, _, _ = cb.Set(130*sec, 1, 5)
	_, _, _ = cb.Add(180*sec, 0, 2)

	want := `{"time":60,"rows":3,"columns":2,"seconds_per_row":60,"column_info":[{"name":"requests","unit":"count"},{"name":"bytes","unit":"B"}]}
nan	nan
nan	5
2	nan
`
	assert.Equal(t, want, string(cb.Format()))
}

func TestCircularBufferStringRoundTrip(t *testing.T) {
	cb, err := NewCircularBuffer(3, 2, 60)
	require.NoError(t, err)
	_, _, _ = cb.Add(200*sec, 0, 1.25)
	_, _, _ = cb.Add(260*sec, 1, -3)

	restored, err := NewCircularBuffer(3, 2, 60)
	require.NoError(t, err)
	require.NoError(t, restored.FromString(cb.String()))
	assert.Equal(t, string(cb.Format()), string(restored.Format()))
	assert.Equal(t, cb.CurrentTime(), restored.CurrentTime())

	other, err := NewCircularBuffer(2, 2, 60)
	require.NoError(t, err)
	assert.ErrorIs(t, other.FromString(cb.String()), ErrCircularBufferData)
}

func TestCircularBufferValidation(t *testing.T) {
	_, err := NewCircularBuffer(1, 1, 1)
	assert.ErrorIs(t, err, ErrCircularBufferSize)
	_, err = NewCircularBuffer(2, 0, 1)
	assert.ErrorIs(t, err, ErrCircularBufferSize)
	_, err = NewCircularBuffer(2, 1, 0)
	assert.ErrorIs(t, err, ErrCircularBufferSize)

	cb, err := NewCircularBuffer(2, 1, 1)
	require.NoError(t, err)
	_, _, err = cb.Add(0, 1, 1)
	assert.ErrorIs(t, err, ErrCircularBufferColumn)
	assert.ErrorIs(t, cb.SetHeader(-1, "x", ""), ErrCircularBufferColumn)
}

func TestCircularBufferFromGuest(t *testing.T) {
	sb, host := newTestSandbox(t, `
hits = circular_buffer.new(2, 1, 60)
assert(hits:set_header(1, "hits") == 1)
function process_message()
    assert(hits:add(60e9, 1, 1) == 1)
    assert(hits:add(60e9, 1, 1) == 2)
    assert(hits:get(60e9, 1) == 2)
    assert(hits:get(-120e9, 1) == nil)
    assert(hits:current_time() == 60e9)
    local ok = pcall(hits.add, hits, 0, 2, 1)
    assert(not ok, "column 2 is out of range")
    inject_message(hits)
    output(hits)
    inject_message("custom")
    return 0
end`)

	assert.Equal(t, 0, run(t, sb))
	require.Len(t, host.injected, 2)
	assert.Equal(t, "cbuf", host.injected[0].typ)
	assert.True(t, strings.HasPrefix(host.injected[0].payload, `{"time":0,"rows":2,"columns":1,"seconds_per_row":60,"column_info":[{"name":"hits","unit":"count"}]}`))
	assert.True(t, strings.HasSuffix(host.injected[0].payload, "nan\n2\n"))
	assert.Equal(t, "custom", host.injected[1].typ)
	assert.Equal(t, host.injected[0].payload, host.injected[1].payload)
}

func TestCircularBufferBadDimensionsFromGuest(t *testing.T) {
	sb, _ := newTestSandbox(t, `function process_message() circular_buffer.new(1, 1, 1) return 0 end`)

	_, err := sb.ProcessMessage(context.Background())
	require.ErrorIs(t, err, ErrGuestRuntime)
	assert.Contains(t, sb.LastError(), "circular_buffer.new()")
}

func TestCircularBufferOverflow(t *testing.T) {
	_, err := NewCircularBuffer(1<<62, 4, 1)
	assert.ErrorIs(t, err, ErrCircularBufferLarge)
	_, err = NewCircularBuffer(math.MaxInt, 2, 1)
	assert.ErrorIs(t, err, ErrCircularBufferLarge)
	_, err = NewCircularBuffer(4, 1, math.MaxInt64/2)
	assert.ErrorIs(t, err, ErrCircularBufferLarge)
}

func TestCircularBufferCellLimit(t *testing.T) {
	_, err := newCircularBuffer(11, 10, 1, 100)
	assert.ErrorIs(t, err, ErrCircularBufferLarge)
	cb, err := newCircularBuffer(10, 10, 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 10, cb.Rows())
}

func TestCircularBufferLimitFromGuest(t *testing.T) {
	tests := []struct {
		name string
		call string
	}{
		{"over default cap", `circular_buffer.new(6000, 6000, 1)`},
		{"cell count overflow", `circular_buffer.new(2^62, 4, 1)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb, _ := newTestSandbox(t, `
function process_message()
    local ok, err = pcall(circular_buffer.new, `+strings.TrimPrefix(tt.call, "circular_buffer.new(")+`
    assert(not ok)
    assert(string.find(err, "too large", 1, true), err)
    return 0
end`)

			status, err := sb.ProcessMessage(context.Background())
			require.NoError(t, err, sb.LastError())
			assert.Equal(t, 0, status)
		})
	}
}

func TestCircularBufferConfiguredLimit(t *testing.T) {
	cfg := testConfig(`function process_message() circular_buffer.new(11, 10, 1) return 0 end`)
	cfg.MaxCircularBufferCells = 100
	sb := startSandbox(t, cfg, newFakeHost(), "")

	status, err := sb.ProcessMessage(context.Background())
	assert.Equal(t, 1, status)
	require.ErrorIs(t, err, ErrGuestRuntime)
	assert.Contains(t, sb.LastError(), "circular_buffer.new() circular buffer too large: 110 cells exceeds the limit of 100")
}
