package collab

import (
	"sync"

	"codeplay/internal/protocol"
)

const defaultOutboxSize = 256

// Member is a connected client as seen by the hub. Outbound messages are
// queued on Outbox; the transport drains it.
type Member struct {
	ID   string
	Name string

	outbox chan *protocol.Message
	done   chan struct{}
	once   sync.Once
}

// NewMember creates a member with an outbox of the given size.
func NewMember(id, name string, outboxSize int) *Member {
	if outboxSize <= 0 {
		outboxSize = defaultOutboxSize
	}
	return &Member{
		ID:     id,
		Name:   name,
		outbox: make(chan *protocol.Message, outboxSize),
		done:   make(chan struct{}),
	}
}

// Outbox returns the channel of messages queued for this member.
func (m *Member) Outbox() <-chan *protocol.Message { return m.outbox }

// Done is closed once the member has been closed.
func (m *Member) Done() <-chan struct{} { return m.done }

// Closed reports whether Close has been called.
func (m *Member) Closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Send queues msg without blocking. It returns false when the member is
// closed or its outbox is full.
func (m *Member) Send(msg *protocol.Message) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.outbox <- msg:
		return true
	default:
		return false
	}
}

// Close marks the member as gone. Safe to call more than once.
func (m *Member) Close() {
	m.once.Do(func() { close(m.done) })
}
