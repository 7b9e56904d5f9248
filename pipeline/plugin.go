package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/caffeineduck/luabridge/hostfunc"
	"github.com/caffeineduck/luabridge/message"
	"github.com/caffeineduck/luabridge/sandbox"
)

const (
	sandboxOutputType = "heka.sandbox-output"
	sandboxTypePrefix = "heka.sandbox."
)

var rawPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 1024)
		return &b
	},
}

// plugin is the hostfunc.Host shared by filters and decoders. It owns one
// sandbox and tracks the message and injections of the call in progress.
type plugin struct {
	name      string
	kind      string
	cfg       PluginConfig
	global    Config
	stateFile string
	sb        *sandbox.Sandbox
	logger    *zap.Logger
	metrics   *Metrics
	// build turns an injected payload into a message.
	build func(payload []byte, payloadType, payloadName string) (*message.Message, error)

	mu       sync.Mutex
	current  *Pack
	injected []*Pack
	limit    int
	failures int64
}

func newPlugin(name, kind string, pc PluginConfig, global Config, o options) (*plugin, error) {
	for _, pattern := range pc.MessageMatcher {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("%s %s: invalid message matcher %q", kind, name, pattern)
		}
	}
	p := &plugin{
		name:      name,
		kind:      kind,
		cfg:       pc,
		global:    global,
		stateFile: global.StateFile(name, pc),
		logger:    o.logger.With(zap.String(kind, name)),
		metrics:   o.metrics,
	}
	p.build = p.filterMessage
	sbOpts := []sandbox.Option{sandbox.WithLogger(p.logger)}
	if o.registry != nil {
		sbOpts = append(sbOpts, sandbox.WithRegistry(o.registry))
	}
	sb, err := sandbox.New(pc.Sandbox, p, sbOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", kind, name, err)
	}
	p.sb = sb
	return p, nil
}

func (p *plugin) Name() string { return p.name }

// Matches reports whether m should be routed to this plugin.
func (p *plugin) Matches(m *message.Message) bool {
	for _, pattern := range p.cfg.MessageMatcher {
		if ok, _ := doublestar.Match(pattern, m.Type); ok {
			return true
		}
	}
	return false
}

func (p *plugin) Init(ctx context.Context) error {
	if err := p.sb.Init(ctx, p.stateFile); err != nil {
		return fmt.Errorf("%s %s: %w", p.kind, p.name, err)
	}
	return nil
}

func (p *plugin) Status() sandbox.Status { return p.sb.Status() }

func (p *plugin) LastError() string { return p.sb.LastError() }

// Failures returns how many calls returned a non-zero status.
func (p *plugin) Failures() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

func (p *plugin) Destroy() error {
	if err := p.sb.Destroy(p.stateFile); err != nil {
		return fmt.Errorf("%s %s: %w", p.kind, p.name, err)
	}
	return nil
}

// cycle runs one guest entry point with pack as the current message and
// returns the packs injected during the call. The caller holds p.mu.
func (p *plugin) cycle(ctx context.Context, ep sandbox.EntryPoint, pack *Pack, limit int, call func(context.Context) (int, error)) ([]*Pack, int, error) {
	p.current, p.limit, p.injected = pack, limit, nil
	defer func() {
		p.current, p.injected = nil, nil
	}()

	start := time.Now()
	status, err := call(ctx)
	p.metrics.observe(p.name, ep, time.Since(start))

	injected := p.injected
	p.metrics.injected(p.name, len(injected))
	if err != nil {
		p.metrics.terminated(p.name)
		p.logger.Error("sandbox terminated", zap.String("entry_point", string(ep)), zap.Error(err))
		return injected, status, fmt.Errorf("%s %s: %w", p.kind, p.name, err)
	}
	if status != 0 {
		p.failures++
		p.metrics.failed(p.name)
	}
	return injected, status, nil
}

func (p *plugin) ReadConfig(name string) hostfunc.Value {
	switch v := p.cfg.Config[name].(type) {
	case string:
		return hostfunc.String(v)
	case bool:
		return hostfunc.Bool(v)
	case int:
		return hostfunc.Float64(float64(v))
	case int64:
		return hostfunc.Float64(float64(v))
	case uint64:
		return hostfunc.Float64(float64(v))
	case float64:
		return hostfunc.Float64(v)
	case time.Duration:
		return hostfunc.Float64(v.Seconds())
	}
	return hostfunc.Absent()
}

func (p *plugin) ReadMessage(ref hostfunc.FieldRef) hostfunc.Value {
	if p.current == nil || p.current.Message == nil {
		return hostfunc.Absent()
	}
	return fieldValue(p.current.Message, ref)
}

// fieldValue resolves a read_message field name against m.
func fieldValue(m *message.Message, ref hostfunc.FieldRef) hostfunc.Value {
	switch ref.Name {
	case "Type":
		return hostfunc.BytesRef([]byte(m.Type))
	case "Logger":
		return hostfunc.BytesRef([]byte(m.Logger))
	case "Payload":
		return hostfunc.BytesRef([]byte(m.Payload))
	case "EnvVersion":
		return hostfunc.BytesRef([]byte(m.EnvVersion))
	case "Hostname":
		return hostfunc.BytesRef([]byte(m.Hostname))
	case "Uuid":
		return hostfunc.BytesRef(m.Uuid)
	case "Timestamp":
		return hostfunc.Int64(m.Timestamp)
	case "Severity":
		return hostfunc.Int32(m.Severity)
	case "Pid":
		return hostfunc.Int32(m.Pid)
	case "raw":
		bp := rawPool.Get().(*[]byte)
		b, err := message.AppendMarshal((*bp)[:0], m)
		if err != nil {
			rawPool.Put(bp)
			return hostfunc.Absent()
		}
		*bp = b
		return hostfunc.Bytes(b, func() { rawPool.Put(bp) })
	}

	name, ok := strings.CutPrefix(ref.Name, "Fields[")
	if !ok || !strings.HasSuffix(name, "]") {
		return hostfunc.Absent()
	}
	v, ok := m.FieldValue(strings.TrimSuffix(name, "]"), ref.FieldIndex, ref.ArrayIndex)
	if !ok {
		return hostfunc.Absent()
	}
	switch v := v.(type) {
	case string:
		return hostfunc.BytesRef([]byte(v))
	case []byte:
		return hostfunc.BytesRef(v)
	case int64:
		return hostfunc.Int64(v)
	case float64:
		return hostfunc.Float64(v)
	case bool:
		return hostfunc.Bool(v)
	}
	return hostfunc.Absent()
}

func (p *plugin) InjectMessage(payload []byte, payloadType, payloadName string) error {
	loops := 0
	if p.current != nil {
		loops = p.current.MsgLoopCount
	}
	if loops+1 > p.global.MaxMsgLoops {
		return ErrMsgLoop
	}
	if p.limit > 0 && len(p.injected) >= p.limit {
		return ErrInjectCount
	}

	m, err := p.build(payload, payloadType, payloadName)
	if err != nil {
		p.logger.Warn("drop injected message", zap.Error(err))
		return err
	}
	p.injected = append(p.injected, &Pack{Message: m, MsgLoopCount: loops + 1})
	return nil
}

// filterMessage wraps filter output. An empty payload type means the payload
// is an encoded message, which is re-typed under the sandbox namespace.
func (p *plugin) filterMessage(payload []byte, payloadType, payloadName string) (*message.Message, error) {
	if payloadType == "" {
		var m message.Message
		if err := message.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decode injected message: %w", err)
		}
		m.Type = sandboxTypePrefix + m.Type
		m.Logger = p.name
		m.Hostname = p.global.Hostname
		return &m, nil
	}
	return p.outputMessage(string(payload), payloadType, payloadName), nil
}

func (p *plugin) outputMessage(payload, payloadType, payloadName string) *message.Message {
	m := message.New()
	m.Type = sandboxOutputType
	m.Logger = p.name
	m.Hostname = p.global.Hostname
	m.Payload = payload
	typ, _ := message.NewField("payload_type", payloadType, "file-extension")
	name, _ := message.NewField("payload_name", payloadName, "")
	m.AddField(typ)
	m.AddField(name)
	return m
}
