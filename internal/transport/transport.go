// Package transport defines how a session talks to its peers and ships an
// in-process network for tests and single-process matches.
package transport

import (
	"fmt"
	"sync"

	"github.com/rotisserie/eris"

	"ticksync.io/internal/protocol"
)

// ErrConnectionLost matches every *ConnectionLostError.
var ErrConnectionLost = eris.New("connection lost")

// Transport is a reliable, ordered link to every other player of a match.
//
// ReceiveAll never blocks. It returns (nil, nil) when nothing arrived. It
// returns a *ConnectionLostError only when the link is gone; messages that
// arrived before the loss are returned alongside it.
type Transport interface {
	SendToAll(msg protocol.Message) error
	ReceiveAll() ([]protocol.Message, error)
	Close() error
}

type ConnectionLostError struct {
	Reason string
	Err    error
}

func (e *ConnectionLostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection lost: %s: %v", e.Reason, e.Err)
	}
	return "connection lost: " + e.Reason
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

func (e *ConnectionLostError) Is(target error) bool { return target == ErrConnectionLost }

func Lost(reason string, err error) *ConnectionLostError {
	return &ConnectionLostError{Reason: reason, Err: err}
}

// Inbox hands decoded messages from an I/O goroutine to the goroutine that
// pumps the session.
type Inbox struct {
	mu   sync.Mutex
	msgs []protocol.Message
	lost *ConnectionLostError
}

func (b *Inbox) Push(m protocol.Message) {
	b.mu.Lock()
	if b.lost == nil {
		b.msgs = append(b.msgs, m)
	}
	b.mu.Unlock()
}

// Fail records the loss. Only the first reason is kept.
func (b *Inbox) Fail(lost *ConnectionLostError) {
	b.mu.Lock()
	if b.lost == nil {
		b.lost = lost
	}
	b.mu.Unlock()
}

// Err reports the loss, if any, without taking queued messages.
func (b *Inbox) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lost != nil {
		return b.lost
	}
	return nil
}

func (b *Inbox) Drain() ([]protocol.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.msgs
	b.msgs = nil
	if b.lost != nil {
		return msgs, b.lost
	}
	return msgs, nil
}
