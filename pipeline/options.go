package pipeline

import (
	"go.uber.org/zap"

	"github.com/caffeineduck/luabridge/hostfunc"
	"github.com/caffeineduck/luabridge/sandbox"
)

type Option func(*options)

type options struct {
	logger   *zap.Logger
	registry *hostfunc.Registry
	metrics  *Metrics
	output   chan<- *Pack
}

func defaultOptions() options {
	return options{logger: sandbox.Logger()}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegistry exposes extra host functions to every plugin's guest.
func WithRegistry(r *hostfunc.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithOutput receives every message injected by a filter while the pipeline
// runs. Without it injected messages are only routed, not emitted.
func WithOutput(ch chan<- *Pack) Option {
	return func(o *options) {
		o.output = ch
	}
}
