// Package luabridge runs untrusted Lua scripts as filters and decoders in a
// message pipeline.
//
// # Overview
//
// Each script lives in its own restricted interpreter with a per call time
// limit, a bounded output buffer and no access to files, the OS or module
// loading. The host calls two entry points, process_message and
// timer_event. The script reads its configuration and the current message
// and emits new messages with inject_message. Any guest fault terminates
// that script and is reported once with a bounded error message.
//
// # Basic Usage
//
//	cfg, _ := pipeline.LoadConfigFile("pipeline.yaml")
//	p, _ := pipeline.New(cfg, pipeline.WithOutput(out))
//	if err := p.Start(ctx); err != nil {
//		return err
//	}
//	defer p.Close()
//
//	packs, err := p.Deliver(ctx, msg)
//
// A single script can be driven directly through a [sandbox.Sandbox] with
// any [hostfunc.Host] implementation.
//
// See the [sandbox], [pipeline], [message] and [hostfunc] packages for
// detailed API documentation.
package luabridge
