package bus

// Event is a gateway lifecycle event broadcast to subscribers (websocket
// clients, the CLI tail, tests). Names come from pkg/protocol.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event. Handlers run on the broadcasting
// goroutine and must not block.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by the HTTP server and the gateway core to decouple from the
// concrete Bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
