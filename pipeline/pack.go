package pipeline

import "github.com/caffeineduck/luabridge/message"

// Pack carries a message through the pipeline. MsgLoopCount counts how many
// sandbox injections produced it, starting at 0 for external input.
type Pack struct {
	Message      *message.Message
	MsgLoopCount int
}

func NewPack(m *message.Message) *Pack {
	return &Pack{Message: m}
}
