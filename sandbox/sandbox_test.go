package sandbox

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessMessageReturnsGuestStatus(t *testing.T) {
	sb, _ := newTestSandbox(t, `
calls = 0
function process_message()
    calls = calls + 1
    if calls == 1 then return 0 end
    return 7
end`)

	status, err := sb.ProcessMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, status)

	status, err = sb.ProcessMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, status)
	assert.Equal(t, StatusRunning, sb.Status())
	assert.Empty(t, sb.LastError())
}

func TestProcessMessageNegativeStatus(t *testing.T) {
	sb, _ := newTestSandbox(t, `function process_message() return -1 end`)

	status, err := sb.ProcessMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1, status)
}

func TestMissingEntryPoint(t *testing.T) {
	sb, _ := newTestSandbox(t, `x = 1`)

	status, err := sb.ProcessMessage(context.Background())
	assert.Equal(t, 1, status)
	require.ErrorIs(t, err, ErrEntryPointMissing)
	assert.Equal(t, "process_message() function was not found", sb.LastError())
	assert.Equal(t, StatusTerminated, sb.Status())

	var terr *TerminationError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, ProcessMessage, terr.EntryPoint)
}

func TestMissingTimerEvent(t *testing.T) {
	sb, _ := newTestSandbox(t, `function process_message() return 0 end`)

	status, err := sb.TimerEvent(context.Background(), 0)
	assert.Equal(t, 1, status)
	require.ErrorIs(t, err, ErrEntryPointMissing)
	assert.Equal(t, "timer_event() function was not found", sb.LastError())
}

func TestCallsAfterTerminationAreRejected(t *testing.T) {
	sb, _ := newTestSandbox(t, `function process_message() error("boom") end`)

	_, err := sb.ProcessMessage(context.Background())
	require.ErrorIs(t, err, ErrGuestRuntime)
	first := sb.LastError()

	status, err := sb.ProcessMessage(context.Background())
	assert.Equal(t, 1, status)
	assert.ErrorIs(t, err, ErrTerminated)

	status, err = sb.TimerEvent(context.Background(), 1)
	assert.Equal(t, 1, status)
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, first, sb.LastError())
}

func TestCallBeforeInit(t *testing.T) {
	sb, err := New(testConfig(`function process_message() return 0 end`), newFakeHost())
	require.NoError(t, err)

	status, err := sb.ProcessMessage(context.Background())
	assert.Equal(t, 1, status)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Empty(t, sb.LastError())
}

func TestReturnContract(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"none", `return`},
		{"two values", `return 0, 1`},
		{"string", `return "0"`},
		{"nil", `return nil`},
		{"fraction", `return 1.5`},
		{"table", `return {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb, _ := newTestSandbox(t, "function process_message() "+tt.body+" end")

			status, err := sb.ProcessMessage(context.Background())
			assert.Equal(t, 1, status)
			require.ErrorIs(t, err, ErrContractViolation)
			assert.Equal(t, "process_message() must return a single numeric value", sb.LastError())
			assert.Equal(t, StatusTerminated, sb.Status())
		})
	}
}

func TestGuestRuntimeError(t *testing.T) {
	sb, _ := newTestSandbox(t, `function process_message() error("something broke") end`)

	status, err := sb.ProcessMessage(context.Background())
	assert.Equal(t, 1, status)
	require.ErrorIs(t, err, ErrGuestRuntime)
	assert.True(t, strings.HasPrefix(sb.LastError(), "process_message() "))
	assert.Contains(t, sb.LastError(), "something broke")
	assert.Equal(t, sb.LastError(), err.Error())
}

func TestTimerEventReceivesTime(t *testing.T) {
	sb, host := newTestSandbox(t, `
function timer_event(ns)
    output(ns)
    inject_message("time", "tick")
    return 5
end`)

	status, err := sb.TimerEvent(context.Background(), 1234)
	require.NoError(t, err)
	assert.Equal(t, 0, status, "timer_event return values are ignored")
	require.Len(t, host.injected, 1)
	assert.Equal(t, injected{payload: "1234", typ: "time", name: "tick"}, host.injected[0])
}

func TestTimerEventRunsGC(t *testing.T) {
	gcRuns := 0
	sb, _ := newTestSandbox(t, `
fail = false
function process_message() return 0 end
function timer_event(ns)
    if fail then error("timer failed") end
end`, WithGC(func() { gcRuns++ }))

	_, err := sb.ProcessMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, gcRuns)

	_, err = sb.TimerEvent(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, gcRuns)

	_, err = sb.TimerEvent(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, gcRuns)
}

func TestTimerEventFailureSkipsGC(t *testing.T) {
	gcRuns := 0
	sb, _ := newTestSandbox(t, `function timer_event(ns) error("nope") end`, WithGC(func() { gcRuns++ }))

	status, err := sb.TimerEvent(context.Background(), 1)
	assert.Equal(t, 1, status)
	require.ErrorIs(t, err, ErrGuestRuntime)
	assert.Equal(t, 0, gcRuns)
}

func TestTimeoutTerminates(t *testing.T) {
	cfg := testConfig(`function process_message() while true do end end`)
	cfg.Timeout = 50 * time.Millisecond
	sb := startSandbox(t, cfg, newFakeHost(), "")

	start := time.Now()
	status, err := sb.ProcessMessage(context.Background())
	assert.Equal(t, 1, status)
	require.ErrorIs(t, err, ErrGuestRuntime)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StatusTerminated, sb.Status())
}

func TestCallerCancellationDoesNotAbortCall(t *testing.T) {
	sb, host := newTestSandbox(t, `
n = 0
function process_message()
    for i = 1, 100000 do n = n + 1 end
    output(n)
    inject_message()
    return 0
end
function timer_event(ns) end`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	status, err := sb.ProcessMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, StatusRunning, sb.Status())
	require.Len(t, host.injected, 1)
	assert.Equal(t, "100000", host.injected[0].payload)

	_, err = sb.TimerEvent(ctx, 1)
	require.NoError(t, err)

	status, err = sb.ProcessMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}

func TestCancelledInitStillLoads(t *testing.T) {
	sb, err := New(testConfig(`ready = true function process_message() return ready and 0 or 1 end`), newFakeHost())
	require.NoError(t, err)
	t.Cleanup(func() { sb.Destroy("") })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sb.Init(ctx, ""))

	status, err := sb.ProcessMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}

func TestCancelledCallPreservesState(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "counter.data.lua")
	src := `
count = 0
function process_message() count = count + 1 return 0 end
function timer_event(ns) output(count) inject_message() end`
	sb := startSandbox(t, testConfig(src), newFakeHost(), "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sb.ProcessMessage(ctx)
	require.NoError(t, err)
	require.NoError(t, sb.Destroy(stateFile))

	host := newFakeHost()
	restored := startSandbox(t, testConfig(src), host, stateFile)
	_, err = restored.TimerEvent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, host.injected, 1)
	assert.Equal(t, "1", host.injected[0].payload)
}

func TestRestrictedEnvironment(t *testing.T) {
	sb, _ := newTestSandbox(t, `
function process_message()
    for _, name in ipairs({"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage", "print", "io", "os"}) do
        if _G[name] ~= nil then error(name .. " is reachable") end
    end
    if string.format("%d", 3) ~= "3" or math.floor(2.5) ~= 2 or table.concat({"a", "b"}) ~= "ab" then
        error("standard library missing")
    end
    return 0
end`)

	status, err := sb.ProcessMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}

func TestNewValidation(t *testing.T) {
	_, err := New(testConfig(`x = 1`), nil)
	assert.ErrorIs(t, err, ErrNilHost)

	_, err = New(DefaultConfig(), newFakeHost())
	assert.Error(t, err, "script is required")

	cfg := testConfig(`x = 1`)
	cfg.OutputLimit = -1
	_, err = New(cfg, newFakeHost())
	assert.Error(t, err)

	cfg = testConfig(`x = 1`)
	cfg.ScriptType = "python"
	_, err = New(cfg, newFakeHost())
	assert.Error(t, err)
}

func TestInitFailureTerminates(t *testing.T) {
	sb, err := New(testConfig(`function process_message( return 0 end`), newFakeHost())
	require.NoError(t, err)

	err = sb.Init(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, StatusTerminated, sb.Status())
	assert.NotEmpty(t, sb.LastError())

	_, err = sb.ProcessMessage(context.Background())
	assert.ErrorIs(t, err, ErrTerminated)
	assert.ErrorIs(t, sb.Init(context.Background(), ""), ErrTerminated)
}

func TestInitMissingFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScriptFilename = t.TempDir() + "/missing.lua"
	sb, err := New(cfg, newFakeHost())
	require.NoError(t, err)

	require.Error(t, sb.Init(context.Background(), ""))
	assert.Contains(t, sb.LastError(), "missing.lua")
}

func TestInitTwice(t *testing.T) {
	sb, _ := newTestSandbox(t, `x = 1`)
	assert.ErrorIs(t, sb.Init(context.Background(), ""), ErrAlreadyInitialized)
}

func TestDestroy(t *testing.T) {
	sb, _ := newTestSandbox(t, `function process_message() return 0 end`)

	require.NoError(t, sb.Destroy(""))
	assert.Equal(t, StatusClosed, sb.Status())
	require.NoError(t, sb.Destroy(""))

	status, err := sb.ProcessMessage(context.Background())
	assert.Equal(t, 1, status)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLongErrorIsTruncated(t *testing.T) {
	sb, _ := newTestSandbox(t, `function process_message() error(string.rep("x", 1000)) end`)

	_, err := sb.ProcessMessage(context.Background())
	require.Error(t, err)
	assert.Len(t, sb.LastError(), MaxErrorSize-1)
	assert.Len(t, err.Error(), MaxErrorSize-1)
}

func TestOutputDiscardedBetweenCalls(t *testing.T) {
	sb, host := newTestSandbox(t, `
n = 0
function process_message()
    n = n + 1
    if n == 1 then output("stale") return 0 end
    inject_message()
    return 0
end`)

	_, err := sb.ProcessMessage(context.Background())
	require.NoError(t, err)
	_, err = sb.ProcessMessage(context.Background())
	require.NoError(t, err)
	assert.Empty(t, host.injected)
}

func TestTakeOutput(t *testing.T) {
	sb, _ := newTestSandbox(t, `function process_message() output("a", 1, true) return 0 end`)

	_, err := sb.ProcessMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a1true", string(sb.TakeOutput()))
	assert.Nil(t, sb.TakeOutput())
}
