package message

// Outbox is the write end a collaborator uses to reach one of the
// orchestrator's inbound channels. Sends block until the orchestrator has
// room, and give up once it has shut down.
type Outbox struct {
	ch   chan<- Message
	done <-chan struct{}
}

// NewOutbox wraps ch. done is closed when the orchestrator stops.
func NewOutbox(ch chan<- Message, done <-chan struct{}) Outbox {
	return Outbox{ch: ch, done: done}
}

// Send delivers m. It reports false when the orchestrator is gone.
func (o Outbox) Send(m Message) bool {
	if o.ch == nil {
		return false
	}
	select {
	case o.ch <- m:
		return true
	case <-o.done:
		return false
	}
}

// Done is closed when the orchestrator stops.
func (o Outbox) Done() <-chan struct{} { return o.done }
