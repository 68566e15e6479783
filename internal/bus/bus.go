package bus

import "context"

// inboundBufferSize bounds the inbound queue; publishers drop when full
// rather than block a transport's polling loop.
const inboundBufferSize = 256

// MessageBus routes normalized events between transports and the relay core.
// Inbound events are queued; consumers pull them with ConsumeInbound.
type MessageBus struct {
	inbound chan InboundEvent
}

// New creates a MessageBus with a bounded inbound queue.
func New() *MessageBus {
	return &MessageBus{
		inbound: make(chan InboundEvent, inboundBufferSize),
	}
}

// PublishInbound enqueues an event from a transport. Returns false when the
// queue is full and the event was dropped.
func (b *MessageBus) PublishInbound(ev InboundEvent) bool {
	select {
	case b.inbound <- ev:
		return true
	default:
		return false
	}
}

// ConsumeInbound blocks until an event is available or ctx is done.
// The second return is false when ctx was cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundEvent, bool) {
	select {
	case <-ctx.Done():
		return InboundEvent{}, false
	case ev := <-b.inbound:
		return ev, true
	}
}
