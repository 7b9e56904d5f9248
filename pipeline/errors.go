package pipeline

import (
	"errors"
	"fmt"

	"github.com/caffeineduck/luabridge/hostfunc"
)

var (
	// ErrMsgLoop is returned to a guest that injects from a message which
	// was itself injected MaxMsgLoops times.
	ErrMsgLoop = fmt.Errorf("exceeded MaxMsgLoops: %w", hostfunc.ErrInjectLimit)
	// ErrInjectCount is returned once a guest exceeds the per call cap.
	ErrInjectCount = fmt.Errorf("exceeded InjectMessage count: %w", hostfunc.ErrInjectLimit)

	ErrProcessFailed = errors.New("process_message failed")
	ErrNotRunning    = errors.New("plugin not running")
	ErrClosed        = errors.New("pipeline closed")
	ErrPluginName    = errors.New("invalid plugin name")
)
