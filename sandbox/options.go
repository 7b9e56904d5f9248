package sandbox

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/caffeineduck/luabridge/hostfunc"
)

const (
	DefaultOutputLimit   = 64 * 1024
	DefaultCallStackSize = 120
	DefaultRegistrySize  = 256 * 20
	DefaultTimeout       = time.Second
	// DefaultMaxCircularBufferCells keeps one buffer within 8MiB.
	DefaultMaxCircularBufferCells = 1 << 20
)

var validate = validator.New()

// Config holds the per-sandbox limits. Either ScriptFilename or Source must
// be set.
type Config struct {
	ScriptFilename string `koanf:"filename" validate:"required_without=Source"`
	Source         string `koanf:"source" validate:"required_without=ScriptFilename"`
	ScriptType     string `koanf:"script_type" validate:"omitempty,oneof=lua"`

	// OutputLimit caps the output buffer in bytes; 0 means unlimited.
	OutputLimit int `koanf:"output_limit" validate:"gte=0"`
	// CallStackSize caps Lua call depth.
	CallStackSize int `koanf:"call_stack_size" validate:"gte=0"`
	// RegistrySize is the initial Lua value stack; RegistryMaxSize, when
	// larger, lets it grow up to that many slots and bounds guest memory use.
	RegistrySize    int `koanf:"registry_size" validate:"gte=0"`
	RegistryMaxSize int `koanf:"registry_max_size" validate:"gte=0"`
	// Timeout bounds the wall clock of every guest call, including script
	// load and state restoration; 0 disables it.
	Timeout time.Duration `koanf:"timeout" validate:"gte=0"`
	// MaxCircularBufferCells caps rows*columns of each circular buffer the
	// guest creates; 0 means unlimited.
	MaxCircularBufferCells int `koanf:"max_cbuf_cells" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		ScriptType:    "lua",
		OutputLimit:   DefaultOutputLimit,
		CallStackSize: DefaultCallStackSize,
		RegistrySize:  DefaultRegistrySize,
		Timeout:       DefaultTimeout,

		MaxCircularBufferCells: DefaultMaxCircularBufferCells,
	}
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("sandbox config: %w", err)
	}
	return nil
}

// Option configures a Sandbox at creation time.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	registry *hostfunc.Registry
	gc       func()
}

func defaultOptions() options {
	return options{
		logger: Logger(),
		gc:     runtime.GC,
	}
}

// WithLogger sets the logger used for lifecycle and termination events.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegistry exposes every function in r to guest code as a global.
func WithRegistry(r *hostfunc.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithGC replaces the collector run after every successful timer_event.
func WithGC(fn func()) Option {
	return func(o *options) {
		o.gc = fn
	}
}
