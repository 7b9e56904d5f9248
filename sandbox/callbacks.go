package sandbox

import (
	"context"
	"errors"

	lua "github.com/yuin/gopher-lua"

	"github.com/caffeineduck/luabridge/hostfunc"
	"github.com/caffeineduck/luabridge/message"
)

func (s *Sandbox) registerCallbacks() {
	L := s.state
	L.SetGlobal(FuncReadConfig, L.NewFunction(s.readConfig))
	L.SetGlobal(FuncReadMessage, L.NewFunction(s.readMessage))
	L.SetGlobal(FuncInjectMessage, L.NewFunction(s.injectMessage))
	L.SetGlobal(FuncOutput, L.NewFunction(s.writeOutput))
	registerCircularBuffer(L, s.cfg.MaxCircularBufferCells)

	if s.registry == nil {
		return
	}
	for _, name := range s.registry.List() {
		fn, _ := s.registry.Get(name)
		L.SetGlobal(name, L.NewFunction(s.hostFunc(name, fn)))
	}
}

// raise aborts the running guest call with err. It does not return.
func (s *Sandbox) raise(L *lua.LState, err *CallbackError) {
	s.raised = err
	L.RaiseError("%s", err.Error())
}

func (s *Sandbox) readConfig(L *lua.LState) int {
	if L.GetTop() != 1 {
		s.raise(L, &CallbackError{Func: FuncReadConfig, Kind: ErrArity, Detail: "must have a single argument"})
	}
	name := L.CheckString(1)
	L.Push(configValue(s.host.ReadConfig(name)))
	return 1
}

func (s *Sandbox) readMessage(L *lua.LState) int {
	n := L.GetTop()
	if n < 1 || n > 3 {
		s.raise(L, &CallbackError{Func: FuncReadMessage, Kind: ErrArity, Detail: "incorrect number of arguments"})
	}
	ref := hostfunc.FieldRef{
		Name:       L.CheckString(1),
		FieldIndex: L.OptInt(2, 0),
		ArrayIndex: L.OptInt(3, 0),
	}
	if err := ref.Validate(); err != nil {
		s.raise(L, &CallbackError{Func: FuncReadMessage, Kind: ErrArgumentRange, Err: err, Detail: err.Error()})
	}
	L.Push(messageValue(ref.Name, s.host.ReadMessage(ref)))
	return 1
}

func (s *Sandbox) injectMessage(L *lua.LState) int {
	n := L.GetTop()
	if n > 2 {
		s.raise(L, &CallbackError{Func: FuncInjectMessage, Kind: ErrArity, Detail: "takes a maximum of 2 arguments"})
	}

	typ, name := defaultPayloadType, ""
	if n == 2 {
		name = L.CheckString(2)
	}
	if n >= 1 {
		switch v := L.Get(1).(type) {
		case lua.LString:
			if v != "" {
				typ = string(v)
			}
		case *lua.LTable:
			typ = ""
			if err := s.encodeTable(v); err != nil {
				s.raise(L, &CallbackError{
					Func:   FuncInjectMessage,
					Kind:   ErrEncoding,
					Err:    err,
					Detail: "could not encode protobuf - " + err.Error(),
				})
			}
		case *lua.LUserData:
			cb, ok := v.Value.(*CircularBuffer)
			if !ok {
				s.raise(L, &CallbackError{
					Func:   FuncInjectMessage,
					Kind:   ErrTypeMismatch,
					Detail: "bad argument #1 (circular_buffer expected, got userdata)",
				})
			}
			typ = cb.PayloadType()
			s.output.Reset()
			if err := s.output.Write(cb.Format()); err != nil {
				s.raise(L, &CallbackError{Func: FuncInjectMessage, Kind: ErrOutputLimit, Err: err, Detail: "output_limit exceeded"})
			}
		default:
			s.raise(L, &CallbackError{
				Func:   FuncInjectMessage,
				Kind:   ErrTypeMismatch,
				Detail: "bad argument #1 (string, table, or circular_buffer expected, got " + v.Type().String() + ")",
			})
		}
	}

	if s.output.Len() == 0 {
		return 0
	}
	if err := s.host.InjectMessage(s.output.Bytes(), typ, name); err != nil {
		if errors.Is(err, hostfunc.ErrInjectLimit) {
			s.raise(L, &CallbackError{Func: FuncInjectMessage, Kind: ErrInjectionLoopLimit, Err: err, Detail: "exceeded MaxMsgLoops"})
		}
		s.raise(L, &CallbackError{Func: FuncInjectMessage, Kind: ErrHostFunc, Err: err, Detail: "failed - " + err.Error()})
	}
	s.output.Reset()
	return 0
}

// encodeTable replaces the output buffer with the protobuf encoding of the
// message described by t.
func (s *Sandbox) encodeTable(t *lua.LTable) error {
	m, err := TableToMessage(t)
	if err != nil {
		return err
	}
	b, err := message.Marshal(m)
	if err != nil {
		return err
	}
	s.output.Reset()
	return s.output.Write(b)
}

func (s *Sandbox) writeOutput(L *lua.LState) int {
	for i := 1; i <= L.GetTop(); i++ {
		var err error
		switch v := L.Get(i).(type) {
		case lua.LString:
			err = s.output.WriteString(string(v))
		case lua.LNumber, lua.LBool, *lua.LNilType:
			err = s.output.WriteString(v.String())
		case *lua.LUserData:
			cb, ok := v.Value.(*CircularBuffer)
			if !ok {
				L.ArgError(i, "unsupported userdata")
			}
			err = s.output.Write(cb.Format())
		default:
			L.ArgError(i, "unsupported type "+v.Type().String())
		}
		if err != nil {
			s.raise(L, &CallbackError{Func: FuncOutput, Kind: ErrOutputLimit, Err: err, Detail: "output_limit exceeded"})
		}
	}
	return 0
}

func (s *Sandbox) hostFunc(name string, fn hostfunc.Func) lua.LGFunction {
	return func(L *lua.LState) int {
		args := make([]hostfunc.Value, L.GetTop())
		for i := range args {
			args[i] = FromLua(L.Get(i + 1))
		}
		v, err := fn(s.callCtx(), args)
		if err != nil {
			s.raise(L, &CallbackError{Func: name, Kind: ErrHostFunc, Err: err, Detail: err.Error()})
		}
		L.Push(ToLua(v))
		return 1
	}
}

func (s *Sandbox) callCtx() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
