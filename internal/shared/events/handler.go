package events

// Handler consumes published events.
type Handler interface {
	// Handles returns the event types this handler processes. AllEvents
	// subscribes to everything.
	Handles() []string

	// Handle processes the event. The same event may be delivered more
	// than once.
	Handle(event Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	eventTypes []string
	fn         func(Event) error
}

// NewHandlerFunc creates a new HandlerFunc.
func NewHandlerFunc(eventTypes []string, fn func(Event) error) *HandlerFunc {
	return &HandlerFunc{
		eventTypes: eventTypes,
		fn:         fn,
	}
}

func (h *HandlerFunc) Handles() []string {
	return h.eventTypes
}

func (h *HandlerFunc) Handle(event Event) error {
	return h.fn(event)
}
