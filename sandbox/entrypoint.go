package sandbox

// EntryPoint names a function the guest script defines for the host to call.
type EntryPoint string

const (
	ProcessMessage EntryPoint = "process_message"
	TimerEvent     EntryPoint = "timer_event"
)

// Names of the functions the sandbox exposes to guest code.
const (
	FuncReadConfig    = "read_config"
	FuncReadMessage   = "read_message"
	FuncInjectMessage = "inject_message"
	FuncOutput        = "output"
)

const defaultPayloadType = "txt"

// Status is the lifecycle state of a Sandbox.
type Status int

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusTerminated
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusRunning:
		return "running"
	case StatusTerminated:
		return "terminated"
	case StatusClosed:
		return "closed"
	}
	return "invalid"
}
