package pipeline

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/luabridge/hostfunc"
	"github.com/caffeineduck/luabridge/message"
	"github.com/caffeineduck/luabridge/sandbox"
)

func TestFilterTextOutput(t *testing.T) {
	f := newTestFilter(t, "reporter", `
function process_message()
    output("seen ", read_message("Type"))
    inject_message("txt", "report")
    return 0
end`, testGlobal())

	out, err := f.ProcessMessage(context.Background(), NewPack(testMessage("app.log", "")))
	require.NoError(t, err)
	require.Len(t, out, 1)

	m := out[0].Message
	assert.Equal(t, 1, out[0].MsgLoopCount)
	assert.Equal(t, "heka.sandbox-output", m.Type)
	assert.Equal(t, "reporter", m.Logger)
	assert.Equal(t, "test-host", m.Hostname)
	assert.Equal(t, "seen app.log", m.Payload)
	assert.Equal(t, "txt", fieldString(t, m, "payload_type"))
	assert.Equal(t, "report", fieldString(t, m, "payload_name"))
}

func TestFilterStructuredOutput(t *testing.T) {
	f := newTestFilter(t, "stats", `
function process_message()
    inject_message({Type = "summary", Logger = "guest", Payload = read_message("Payload"), Fields = {n = 1}})
    return 0
end`, testGlobal())

	out, err := f.ProcessMessage(context.Background(), NewPack(testMessage("app.log", "hello")))
	require.NoError(t, err)
	require.Len(t, out, 1)

	m := out[0].Message
	assert.Equal(t, "heka.sandbox.summary", m.Type)
	assert.Equal(t, "stats", m.Logger, "logger is always the plugin name")
	assert.Equal(t, "test-host", m.Hostname)
	assert.Equal(t, "hello", m.Payload)
	v, ok := m.FieldValue("n", 0, 0)
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestFilterReadsRawMessage(t *testing.T) {
	f := newTestFilter(t, "raw", `
function process_message()
    output(#read_message("raw"))
    inject_message()
    return 0
end`, testGlobal())

	in := testMessage("app.log", "payload")
	want, err := message.Marshal(in)
	require.NoError(t, err)

	out, err := f.ProcessMessage(context.Background(), NewPack(in))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, strconv.Itoa(len(want)), out[0].Message.Payload)
}

func TestFilterProcessInjectLimit(t *testing.T) {
	f := newTestFilter(t, "processinject", `
function process_message()
    output("a") inject_message()
    output("b") inject_message()
    return 0
end`, testGlobal())

	out, err := f.ProcessMessage(context.Background(), NewPack(testMessage("app.log", "")))
	require.Error(t, err)
	assert.True(t, IsTermination(err))
	assert.ErrorIs(t, err, ErrInjectCount)
	assert.ErrorIs(t, err, sandbox.ErrInjectionLoopLimit)
	assert.Len(t, out, 1, "messages injected before the limit are kept")
	assert.Equal(t, sandbox.StatusTerminated, f.Status())
	assert.Contains(t, f.LastError(), "inject_message() exceeded MaxMsgLoops")
}

func TestFilterTimerInjectLimit(t *testing.T) {
	f := newTestFilter(t, "timerinject", `
function timer_event(ns)
    for i = 1, 11 do
        output(i)
        inject_message()
    end
end`, testGlobal())

	out, err := f.TimerEvent(context.Background(), time.Unix(10, 0))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInjectCount)
	assert.Len(t, out, DefaultMaxTimerInject)
}

func TestFilterMsgLoopLimit(t *testing.T) {
	global := testGlobal()
	global.MaxProcessInject = 0
	f := newTestFilter(t, "loop", `
function process_message()
    output("again")
    inject_message()
    return 0
end`, global)

	pack := NewPack(testMessage("app.log", ""))
	pack.MsgLoopCount = global.MaxMsgLoops - 1
	out, err := f.ProcessMessage(context.Background(), pack)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, global.MaxMsgLoops, out[0].MsgLoopCount)

	_, err = f.ProcessMessage(context.Background(), out[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMsgLoop)
}

func TestFilterUndecodableInjection(t *testing.T) {
	f := newTestFilter(t, "garbage", `function process_message() return 0 end`, testGlobal())

	err := f.InjectMessage([]byte{0xff}, "", "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, hostfunc.ErrInjectLimit)

	assert.ErrorIs(t, ErrMsgLoop, hostfunc.ErrInjectLimit)
	assert.ErrorIs(t, ErrInjectCount, hostfunc.ErrInjectLimit)
}

func TestFilterNonZeroStatus(t *testing.T) {
	f := newTestFilter(t, "picky", `
function process_message()
    if read_message("Payload") == "bad" then return 3 end
    return 0
end`, testGlobal())

	_, err := f.ProcessMessage(context.Background(), NewPack(testMessage("app.log", "bad")))
	require.ErrorIs(t, err, ErrProcessFailed)
	assert.False(t, IsTermination(err))
	assert.Equal(t, int64(1), f.Failures())
	assert.Equal(t, sandbox.StatusRunning, f.Status())

	_, err = f.ProcessMessage(context.Background(), NewPack(testMessage("app.log", "good")))
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.Failures())
}

func TestFilterReadConfig(t *testing.T) {
	pc := pluginConfig(`
function process_message()
    output(read_config("label"), ":", read_config("rows"))
    inject_message()
    return 0
end`)
	pc.Config = map[string]any{"label": "hits", "rows": 10}
	f, err := NewSandboxFilter("cfg", FilterConfig{PluginConfig: pc}, testGlobal())
	require.NoError(t, err)
	require.NoError(t, f.Init(context.Background()))
	defer f.Destroy()

	out, err := f.ProcessMessage(context.Background(), NewPack(testMessage("app.log", "")))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "hits:10", out[0].Message.Payload)
}

func TestFilterRun(t *testing.T) {
	f := newTestFilter(t, "echo", `
function process_message()
    output(read_message("Payload"))
    inject_message()
    if read_message("Payload") == "fail" then return 1 end
    return 0
end`, testGlobal())

	in := make(chan *Pack, 3)
	out := make(chan *Pack, 3)
	in <- NewPack(testMessage("app.log", "one"))
	in <- NewPack(testMessage("app.log", "fail"))
	in <- NewPack(testMessage("app.log", "two"))
	close(in)

	require.NoError(t, f.Run(context.Background(), in, out))
	close(out)

	var payloads []string
	for p := range out {
		payloads = append(payloads, p.Message.Payload)
	}
	assert.Equal(t, []string{"one", "fail", "two"}, payloads)
	assert.Equal(t, int64(1), f.Failures())
}

func TestFilterRunStopsOnTermination(t *testing.T) {
	f := newTestFilter(t, "broken", `function process_message() error("bad script") end`, testGlobal())

	in := make(chan *Pack, 1)
	in <- NewPack(testMessage("app.log", ""))

	err := f.Run(context.Background(), in, make(chan *Pack))
	require.Error(t, err)
	assert.True(t, IsTermination(err))
	assert.True(t, errors.Is(err, sandbox.ErrGuestRuntime))
}

func TestFilterRunTicks(t *testing.T) {
	pc := pluginConfig(`function timer_event(ns) output("tick") inject_message() end`)
	f, err := NewSandboxFilter("ticker", FilterConfig{PluginConfig: pc, TickerInterval: 10 * time.Millisecond}, testGlobal())
	require.NoError(t, err)
	require.NoError(t, f.Init(context.Background()))
	defer f.Destroy()

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan *Pack, 1)
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, make(chan *Pack), out) }()

	select {
	case p := <-out:
		assert.Equal(t, "tick", p.Message.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no timer output")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
