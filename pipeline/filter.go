package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/luabridge/sandbox"
)

// SandboxFilter hosts a guest script that consumes routed messages and may
// inject new ones.
type SandboxFilter struct {
	*plugin
	ticker   time.Duration
	lastTick time.Time
}

func NewSandboxFilter(name string, cfg FilterConfig, global Config, opts ...Option) (*SandboxFilter, error) {
	p, err := newPlugin(name, "filter", cfg.PluginConfig, global, applyOptions(opts))
	if err != nil {
		return nil, err
	}
	return &SandboxFilter{plugin: p, ticker: cfg.TickerInterval}, nil
}

// TickerInterval is how often TimerEvent should run; 0 disables it.
func (f *SandboxFilter) TickerInterval() time.Duration { return f.ticker }

// ProcessMessage hands pack to the guest and returns the packs it injected.
// A non-zero guest status is reported as ErrProcessFailed; a terminated
// sandbox returns its *sandbox.TerminationError.
func (f *SandboxFilter) ProcessMessage(ctx context.Context, pack *Pack) ([]*Pack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	injected, status, err := f.cycle(ctx, sandbox.ProcessMessage, pack, f.global.MaxProcessInject, f.sb.ProcessMessage)
	if err != nil {
		return injected, err
	}
	if status != 0 {
		return injected, fmt.Errorf("%w: filter %s status %d", ErrProcessFailed, f.name, status)
	}
	return injected, nil
}

// TimerEvent runs the guest's timer_event with now.
func (f *SandboxFilter) TimerEvent(ctx context.Context, now time.Time) ([]*Pack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastTick = now
	injected, _, err := f.cycle(ctx, sandbox.TimerEvent, nil, f.global.MaxTimerInject, func(ctx context.Context) (int, error) {
		return f.sb.TimerEvent(ctx, now.UnixNano())
	})
	return injected, err
}

// due reports whether the ticker interval has elapsed at now.
func (f *SandboxFilter) due(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticker > 0 && now.Sub(f.lastTick) >= f.ticker
}

// Run processes packs from in until it is closed, ctx is done or the sandbox
// terminates. Injected packs are sent to out.
func (f *SandboxFilter) Run(ctx context.Context, in <-chan *Pack, out chan<- *Pack) error {
	var tick <-chan time.Time
	if f.ticker > 0 {
		t := time.NewTicker(f.ticker)
		defer t.Stop()
		tick = t.C
	}

	for {
		var (
			injected []*Pack
			err      error
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pack, ok := <-in:
			if !ok {
				return nil
			}
			injected, err = f.ProcessMessage(ctx, pack)
		case now := <-tick:
			injected, err = f.TimerEvent(ctx, now)
		}

		for _, p := range injected {
			select {
			case out <- p:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			if errors.Is(err, ErrProcessFailed) {
				f.logger.Warn("process_message failed", zap.Error(err))
				continue
			}
			return err
		}
	}
}
