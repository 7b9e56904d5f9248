package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/caffeineduck/luabridge/message"
	"github.com/caffeineduck/luabridge/sandbox"
)

// SandboxDecoder hosts a guest script that parses raw messages. The first
// message the guest injects replaces the input; any further injections
// become additional packs.
type SandboxDecoder struct {
	*plugin
}

func NewSandboxDecoder(name string, cfg DecoderConfig, global Config, opts ...Option) (*SandboxDecoder, error) {
	p, err := newPlugin(name, "decoder", cfg.PluginConfig, global, applyOptions(opts))
	if err != nil {
		return nil, err
	}
	d := &SandboxDecoder{plugin: p}
	p.build = d.decodedMessage
	return d, nil
}

// Decode runs the guest over pack. A non-zero guest status drops the
// message with a "Failed parsing" error. When the guest injects nothing the
// input pack is passed through unchanged.
func (d *SandboxDecoder) Decode(ctx context.Context, pack *Pack) ([]*Pack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	injected, status, err := d.cycle(ctx, sandbox.ProcessMessage, pack, math.MaxInt, d.sb.ProcessMessage)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, fmt.Errorf("Failed parsing: %s", pack.Message.Payload)
	}
	if len(injected) == 0 {
		return []*Pack{pack}, nil
	}

	pack.Message = injected[0].Message
	packs := []*Pack{pack}
	for _, p := range injected[1:] {
		p.MsgLoopCount = pack.MsgLoopCount
		packs = append(packs, p)
	}
	return packs, nil
}

// decodedMessage keeps the guest's Type and fills Logger and Hostname from
// the input message when the guest left them empty.
func (d *SandboxDecoder) decodedMessage(payload []byte, payloadType, payloadName string) (*message.Message, error) {
	if payloadType != "" {
		return d.outputMessage(string(payload), payloadType, payloadName), nil
	}
	var m message.Message
	if err := message.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode injected message: %w", err)
	}
	if src := d.current; src != nil && src.Message != nil {
		if m.Logger == "" {
			m.Logger = src.Message.Logger
		}
		if m.Hostname == "" {
			m.Hostname = src.Message.Hostname
		}
	}
	if m.Hostname == "" {
		m.Hostname = d.global.Hostname
	}
	return &m, nil
}
