// Package pipeline is a small message pipeline whose decoders and filters
// are sandboxed Lua scripts.
//
// It implements the host side of the sandbox bridge: plugin configuration,
// message field lookup for read_message, turning injected payloads back into
// messages, and the limits that keep injection from looping forever
// (MaxMsgLoops per message chain, MaxProcessInject and MaxTimerInject per
// call).
package pipeline
