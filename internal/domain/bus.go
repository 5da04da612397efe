package domain

// MessageBus carries candidate inbound events from their producers (push
// callbacks, the poller) to the dispatcher.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	Len() int
	Close()
}
