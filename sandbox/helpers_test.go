package sandbox

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/luabridge/hostfunc"
)

var (
	errLoopLimit = fmt.Errorf("loop limit: %w", hostfunc.ErrInjectLimit)
	errRejected  = errors.New("payload rejected")
)

type injected struct {
	payload string
	typ     string
	name    string
}

type fakeHost struct {
	config    map[string]hostfunc.Value
	fields    map[string]hostfunc.Value
	refs      []hostfunc.FieldRef
	injected  []injected
	maxInject int
	reject    bool
	released  int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		config: make(map[string]hostfunc.Value),
		fields: make(map[string]hostfunc.Value),
	}
}

func (h *fakeHost) owned(s string) hostfunc.Value {
	return hostfunc.Bytes([]byte(s), func() { h.released++ })
}

func (h *fakeHost) ReadConfig(name string) hostfunc.Value {
	return h.config[name]
}

func (h *fakeHost) ReadMessage(ref hostfunc.FieldRef) hostfunc.Value {
	h.refs = append(h.refs, ref)
	return h.fields[ref.Name]
}

func (h *fakeHost) InjectMessage(payload []byte, typ, name string) error {
	if h.reject {
		return errRejected
	}
	if h.maxInject > 0 && len(h.injected) >= h.maxInject {
		return errLoopLimit
	}
	h.injected = append(h.injected, injected{payload: string(payload), typ: typ, name: name})
	return nil
}

func testConfig(src string) Config {
	cfg := DefaultConfig()
	cfg.Source = src
	return cfg
}

func newTestSandbox(t *testing.T, src string, opts ...Option) (*Sandbox, *fakeHost) {
	t.Helper()
	host := newFakeHost()
	sb := startSandbox(t, testConfig(src), host, "", opts...)
	return sb, host
}

func startSandbox(t *testing.T, cfg Config, host hostfunc.Host, stateFile string, opts ...Option) *Sandbox {
	t.Helper()
	sb, err := New(cfg, host, opts...)
	require.NoError(t, err)
	require.NoError(t, sb.Init(context.Background(), stateFile))
	t.Cleanup(func() { sb.Destroy("") })
	return sb
}
