package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/caffeineduck/luabridge/hostfunc"
)

// removedGlobals are base library functions that reach outside the sandbox
// or let the guest load code the host never saw.
var removedGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"require",
	"module",
	"collectgarbage",
	"print",
}

// Sandbox runs one guest script for one host plugin. All exported methods
// are safe for concurrent use; guest calls are serialized.
type Sandbox struct {
	cfg      Config
	host     hostfunc.Host
	registry *hostfunc.Registry
	logger   *zap.Logger
	gc       func()

	mu      sync.Mutex
	state   *lua.LState
	status  Status
	lastErr ErrorRecord
	output  *outputBuffer

	// ctx is the context of the guest call in progress.
	ctx context.Context
	// raised is the last callback error raised into the guest.
	raised error
	// builtins are the globals present before the script ran.
	builtins map[string]struct{}
}

// New creates an uninitialized sandbox. The host must stay valid until
// Destroy returns.
func New(cfg Config, host hostfunc.Host, opts ...Option) (*Sandbox, error) {
	if host == nil {
		return nil, ErrNilHost
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.gc == nil {
		o.gc = func() {}
	}

	return &Sandbox{
		cfg:      cfg,
		host:     host,
		registry: o.registry,
		logger:   o.logger,
		gc:       o.gc,
		output:   newOutputBuffer(cfg.OutputLimit),
		ctx:      context.Background(),
	}, nil
}

// Init builds the guest environment, loads the script and restores any
// state preserved in stateFile. A missing or empty stateFile is a cold
// start. On failure the sandbox is terminated and must not be used again.
func (s *Sandbox) Init(ctx context.Context, stateFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case StatusRunning:
		return ErrAlreadyInitialized
	case StatusTerminated:
		return ErrTerminated
	case StatusClosed:
		return ErrClosed
	}

	s.state = lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   s.cfg.CallStackSize,
		RegistrySize:    s.cfg.RegistrySize,
		RegistryMaxSize: s.cfg.RegistryMaxSize,
	})
	s.openLibs()
	s.registerCallbacks()

	if err := s.load(ctx, stateFile); err != nil {
		return s.failInit(err)
	}

	s.status = StatusRunning
	s.logger.Debug("sandbox initialized",
		zap.String("script", s.scriptName()),
		zap.String("state_file", stateFile))
	return nil
}

func (s *Sandbox) openLibs() {
	L := s.state
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range removedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetTop(0)
}

func (s *Sandbox) load(ctx context.Context, stateFile string) error {
	L := s.state
	s.builtins = make(map[string]struct{})
	L.G.Global.ForEach(func(k, _ lua.LValue) {
		if name, ok := k.(lua.LString); ok {
			s.builtins[string(name)] = struct{}{}
		}
	})

	ctx, cancel := s.callContext(ctx)
	defer cancel()
	s.ctx = ctx
	L.SetContext(ctx)
	defer L.RemoveContext()

	var err error
	if s.cfg.Source != "" {
		err = L.DoString(s.cfg.Source)
	} else {
		err = L.DoFile(s.cfg.ScriptFilename)
	}
	if err != nil {
		return fmt.Errorf("load %s: %s", s.scriptName(), guestErrorText(err))
	}

	if stateFile == "" {
		return nil
	}
	info, err := os.Stat(stateFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	if err := L.DoFile(stateFile); err != nil {
		return fmt.Errorf("restore %s: %s", stateFile, guestErrorText(err))
	}
	return nil
}

func (s *Sandbox) failInit(err error) error {
	s.lastErr.Set(err.Error())
	s.closeState()
	s.status = StatusTerminated
	s.logger.Warn("sandbox init failed", zap.String("script", s.scriptName()), zap.Error(err))
	return err
}

func (s *Sandbox) scriptName() string {
	if s.cfg.ScriptFilename != "" {
		return s.cfg.ScriptFilename
	}
	return "<source>"
}

// callContext derives the context of one guest call. Cancellation of ctx is
// not propagated: an aborted call terminates the sandbox, so only the
// configured timeout may stop a call part way. Values of ctx are kept for
// registry functions.
func (s *Sandbox) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// ProcessMessage calls the guest's process_message entry point. The guest
// status is returned unchanged when the call succeeds; any fault terminates
// the sandbox and returns status 1 with a *TerminationError.
func (s *Sandbox) ProcessMessage(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.live(); err != nil {
		return 1, err
	}
	rets, err := s.invoke(ctx, ProcessMessage)
	if err != nil {
		return 1, err
	}
	if len(rets) != 1 {
		return 1, s.terminate(ProcessMessage, ErrContractViolation, "must return a single numeric value", nil)
	}
	n, ok := rets[0].(lua.LNumber)
	if !ok || !isStatus(float64(n)) {
		return 1, s.terminate(ProcessMessage, ErrContractViolation, "must return a single numeric value", nil)
	}
	return int(n), nil
}

func isStatus(f float64) bool {
	return f == math.Trunc(f) && f >= math.MinInt32 && f <= math.MaxInt32
}

// TimerEvent calls the guest's timer_event entry point with ns, the host's
// current time in nanoseconds. Guest return values are ignored. A garbage
// collection pass follows every successful call.
func (s *Sandbox) TimerEvent(ctx context.Context, ns int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.live(); err != nil {
		return 1, err
	}
	if _, err := s.invoke(ctx, TimerEvent, lua.LNumber(ns)); err != nil {
		return 1, err
	}
	s.gc()
	return 0, nil
}

func (s *Sandbox) live() error {
	switch s.status {
	case StatusRunning:
		return nil
	case StatusTerminated:
		return ErrTerminated
	case StatusClosed:
		return ErrClosed
	}
	return ErrNotInitialized
}

// invoke runs one protected guest call and returns its results.
func (s *Sandbox) invoke(ctx context.Context, ep EntryPoint, args ...lua.LValue) ([]lua.LValue, error) {
	L := s.state
	fn, ok := L.GetGlobal(string(ep)).(*lua.LFunction)
	if !ok {
		return nil, s.terminate(ep, ErrEntryPointMissing, "function was not found", nil)
	}

	s.output.Reset()
	s.raised = nil

	ctx, cancel := s.callContext(ctx)
	defer cancel()
	s.ctx = ctx
	L.SetContext(ctx)
	defer L.RemoveContext()

	base := L.GetTop()
	L.Push(fn)
	for _, a := range args {
		L.Push(a)
	}
	if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
		L.SetTop(base)
		detail := guestErrorText(err)
		return nil, s.terminate(ep, ErrGuestRuntime, detail, s.raisedCause(detail))
	}

	rets := make([]lua.LValue, L.GetTop()-base)
	for i := range rets {
		rets[i] = L.Get(base + 1 + i)
	}
	L.SetTop(base)
	return rets, nil
}

func guestErrorText(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil && apiErr.Object != lua.LNil {
		return apiErr.Object.String()
	}
	return err.Error()
}

// raisedCause returns the callback error behind a guest failure, if the
// guest let it propagate.
func (s *Sandbox) raisedCause(detail string) error {
	if s.raised != nil && strings.Contains(detail, s.raised.Error()) {
		return s.raised
	}
	return nil
}

// terminate records "<entry point>() <detail>", moves the sandbox to the
// terminated state and releases the guest environment.
func (s *Sandbox) terminate(ep EntryPoint, kind error, detail string, cause error) error {
	s.lastErr.Set(fmt.Sprintf("%s() %s", ep, detail))
	s.status = StatusTerminated
	s.closeState()

	err := &TerminationError{
		EntryPoint: ep,
		Kind:       kind,
		Cause:      cause,
		msg:        s.lastErr.String(),
	}
	s.logger.Warn("sandbox terminated",
		zap.String("script", s.scriptName()),
		zap.String("entry_point", string(ep)),
		zap.Error(err))
	return err
}

func (s *Sandbox) closeState() {
	if s.state != nil {
		s.state.Close()
		s.state = nil
	}
	s.output.Reset()
}

// Destroy preserves the guest's global data to stateFile, when it is not
// empty and the sandbox is running, and then releases the environment.
// Calling Destroy more than once is a no-op.
func (s *Sandbox) Destroy(stateFile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusClosed {
		return nil
	}
	var err error
	if s.status == StatusRunning && stateFile != "" {
		if err = s.preserve(stateFile); err != nil {
			s.lastErr.Set(err.Error())
			s.logger.Error("preserve global data", zap.String("state_file", stateFile), zap.Error(err))
		}
	}
	s.closeState()
	s.status = StatusClosed
	return err
}

// Status reports the lifecycle state.
func (s *Sandbox) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError returns the bounded diagnostic of the last fatal failure.
func (s *Sandbox) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr.String()
}

// TakeOutput returns and clears whatever the guest staged with output()
// without injecting.
func (s *Sandbox) TakeOutput() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output.Take()
}
