package main

import (
	"context"

	"github.com/FastyrAI/TuringAgents/queue"
)

// demoHandlers wires a reference completion handler for every message
// type so `queuectl worker` has something to dispatch to out of the
// box. Business handlers are an embedding service's responsibility;
// this one only proves the dispatch path by completing immediately.
func demoHandlers() *queue.HandlerRegistry {
	reg := queue.NewHandlerRegistry()
	echo := func(ctx context.Context, msg *queue.Message, emit queue.Emitter) (any, error) {
		return map[string]any{"echoed_message_id": msg.MessageID}, nil
	}
	for _, t := range []queue.MessageType{
		queue.TypeModelCall,
		queue.TypeToolCall,
		queue.TypeAgentMessage,
		queue.TypeMemorySave,
		queue.TypeMemoryRetrieve,
		queue.TypeMemoryUpdate,
		queue.TypeAgentSpawn,
		queue.TypeAgentTerminate,
	} {
		reg.Register(t, echo)
	}
	return reg
}
