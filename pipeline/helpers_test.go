package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/luabridge/message"
)

func testGlobal() Config {
	cfg := DefaultConfig()
	cfg.Hostname = "test-host"
	return cfg
}

func pluginConfig(src string, matcher ...string) PluginConfig {
	pc := DefaultPluginConfig()
	pc.Sandbox.Source = src
	if len(matcher) == 0 {
		matcher = []string{"**"}
	}
	pc.MessageMatcher = matcher
	return pc
}

func newTestFilter(t *testing.T, name, src string, global Config, opts ...Option) *SandboxFilter {
	t.Helper()
	f, err := NewSandboxFilter(name, FilterConfig{PluginConfig: pluginConfig(src)}, global, opts...)
	require.NoError(t, err)
	require.NoError(t, f.Init(context.Background()))
	t.Cleanup(func() { f.Destroy() })
	return f
}

func testMessage(typ, payload string) *message.Message {
	m := message.New()
	m.Type = typ
	m.Logger = "test"
	m.Hostname = "origin"
	m.Payload = payload
	return m
}

func fieldString(t *testing.T, m *message.Message, name string) string {
	t.Helper()
	v, ok := m.FieldValue(name, 0, 0)
	require.True(t, ok, "field %s", name)
	s, ok := v.(string)
	require.True(t, ok, "field %s is %T", name, v)
	return s
}
