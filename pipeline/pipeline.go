package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/caffeineduck/luabridge/message"
	"github.com/caffeineduck/luabridge/sandbox"
)

// Pipeline routes messages through sandboxed decoders and filters.
//
// Each input message goes through the first decoder whose matcher accepts
// it, then to every running filter that matches. Messages injected by
// filters are queued and routed the same way, so a filter can consume
// another filter's output; MaxMsgLoops bounds the recursion.
type Pipeline struct {
	cfg      Config
	logger   *zap.Logger
	output   chan<- *Pack
	decoders []*SandboxDecoder
	filters  []*SandboxFilter

	mu      sync.Mutex
	started bool
	closed  bool
}

func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	p := &Pipeline{
		cfg:    cfg,
		logger: o.logger,
		output: o.output,
	}
	for _, name := range sortedKeys(cfg.Decoders) {
		d, err := NewSandboxDecoder(name, cfg.Decoders[name], cfg, opts...)
		if err != nil {
			return nil, err
		}
		p.decoders = append(p.decoders, d)
	}
	for _, name := range sortedKeys(cfg.Filters) {
		f, err := NewSandboxFilter(name, cfg.Filters[name], cfg, opts...)
		if err != nil {
			return nil, err
		}
		p.filters = append(p.filters, f)
	}
	return p, nil
}

// Start initializes every plugin, restoring preserved data. If any plugin
// fails the ones already started are destroyed.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	var started []*plugin
	for _, pl := range p.plugins() {
		if err := pl.Init(ctx); err != nil {
			for _, s := range started {
				s.Destroy()
			}
			return err
		}
		started = append(started, pl)
	}
	p.started = true
	p.logger.Info("pipeline started",
		zap.Int("decoders", len(p.decoders)),
		zap.Int("filters", len(p.filters)))
	return nil
}

func (p *Pipeline) plugins() []*plugin {
	out := make([]*plugin, 0, len(p.decoders)+len(p.filters))
	for _, d := range p.decoders {
		out = append(out, d.plugin)
	}
	for _, f := range p.filters {
		out = append(out, f.plugin)
	}
	return out
}

func (p *Pipeline) Filter(name string) (*SandboxFilter, bool) {
	for _, f := range p.filters {
		if f.name == name {
			return f, true
		}
	}
	return nil, false
}

func (p *Pipeline) Decoder(name string) (*SandboxDecoder, bool) {
	for _, d := range p.decoders {
		if d.name == name {
			return d, true
		}
	}
	return nil, false
}

// PluginStats is a snapshot of one plugin's state.
type PluginStats struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Failures  int64  `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

// Stats reports every decoder and then every filter, each group sorted by
// name.
func (p *Pipeline) Stats() []PluginStats {
	plugins := p.plugins()
	out := make([]PluginStats, 0, len(plugins))
	for _, pl := range plugins {
		out = append(out, PluginStats{
			Name:      pl.name,
			Kind:      pl.kind,
			Status:    pl.Status().String(),
			Failures:  pl.Failures(),
			LastError: pl.LastError(),
		})
	}
	return out
}

func (p *Pipeline) running() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return ErrClosed
	case !p.started:
		return ErrNotRunning
	}
	return nil
}

// Deliver decodes and routes one input message. It returns every message
// injected by filters along the way. Plugin errors do not stop routing;
// they are aggregated into the returned error.
func (p *Pipeline) Deliver(ctx context.Context, m *message.Message) ([]*Pack, error) {
	if err := p.running(); err != nil {
		return nil, err
	}
	packs := []*Pack{NewPack(m)}
	for _, d := range p.decoders {
		if d.Status() != sandbox.StatusRunning || !d.Matches(m) {
			continue
		}
		decoded, err := d.Decode(ctx, packs[0])
		if err != nil {
			return nil, err
		}
		packs = decoded
		break
	}
	return p.route(ctx, packs)
}

// Tick runs timer_event on every filter whose ticker interval has elapsed
// and routes what they inject.
func (p *Pipeline) Tick(ctx context.Context, now time.Time) ([]*Pack, error) {
	return p.tick(ctx, now, false)
}

// Flush runs timer_event once on every running filter, ticker or not. It is
// used to collect final reports when input ends.
func (p *Pipeline) Flush(ctx context.Context, now time.Time) ([]*Pack, error) {
	return p.tick(ctx, now, true)
}

func (p *Pipeline) tick(ctx context.Context, now time.Time, force bool) ([]*Pack, error) {
	if err := p.running(); err != nil {
		return nil, err
	}
	var (
		queue []*Pack
		errs  *multierror.Error
	)
	for _, f := range p.filters {
		if f.Status() != sandbox.StatusRunning || !(force || f.due(now)) {
			continue
		}
		injected, err := f.TimerEvent(ctx, now)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		queue = append(queue, injected...)
	}
	emitted, err := p.route(ctx, queue)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	return append(queue, emitted...), errs.ErrorOrNil()
}

func (p *Pipeline) route(ctx context.Context, queue []*Pack) ([]*Pack, error) {
	var (
		emitted []*Pack
		errs    *multierror.Error
	)
	for len(queue) > 0 {
		pack := queue[0]
		queue = queue[1:]
		for _, f := range p.filters {
			if f.Status() != sandbox.StatusRunning || !f.Matches(pack.Message) {
				continue
			}
			injected, err := f.ProcessMessage(ctx, pack)
			if err != nil {
				errs = multierror.Append(errs, err)
			}
			queue = append(queue, injected...)
			emitted = append(emitted, injected...)
		}
	}
	return emitted, errs.ErrorOrNil()
}

// Run delivers messages from in and fires filter timers until in is closed
// or ctx is done. Injected messages go to the WithOutput channel.
func (p *Pipeline) Run(ctx context.Context, in <-chan *message.Message) error {
	if err := p.running(); err != nil {
		return err
	}
	var tick <-chan time.Time
	if interval := p.tickInterval(); interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	for {
		var (
			out []*Pack
			err error
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				return nil
			}
			out, err = p.Deliver(ctx, m)
		case now := <-tick:
			out, err = p.Tick(ctx, now)
		}
		if err != nil {
			p.logger.Warn("routing error", zap.Error(err))
		}
		if err := p.emit(ctx, out); err != nil {
			return err
		}
	}
}

// tickInterval is the shortest filter ticker interval.
func (p *Pipeline) tickInterval() time.Duration {
	var d time.Duration
	for _, f := range p.filters {
		if f.ticker > 0 && (d == 0 || f.ticker < d) {
			d = f.ticker
		}
	}
	return d
}

func (p *Pipeline) emit(ctx context.Context, packs []*Pack) error {
	if p.output == nil {
		return nil
	}
	for _, pack := range packs {
		select {
		case p.output <- pack:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close destroys every plugin, preserving data where configured.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs *multierror.Error
	for _, pl := range p.plugins() {
		if err := pl.Destroy(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("close pipeline: %w", err)
	}
	return nil
}

// IsTermination reports whether err came from a sandbox that was terminated
// by a guest fault.
func IsTermination(err error) bool {
	var terr *sandbox.TerminationError
	return errors.As(err, &terr)
}
