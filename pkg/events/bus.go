// Package events broadcasts fixture lifecycle changes to in-process subscribers.
package events

import (
	"github.com/kelindar/event"
)

// Event type constants for kelindar/event.
const (
	TypeStateChanged uint32 = iota + 1
	TypeOutputLine
	TypeACLChanged
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StateChangedEvent is published on every supervisor state transition.
type StateChangedEvent struct {
	FixtureID string
	From      string
	To        string
	Err       error
}

func (e StateChangedEvent) Type() uint32 { return TypeStateChanged }

// OutputLineEvent carries one unprefixed output line of a fixture.
type OutputLineEvent struct {
	FixtureID string
	Line      string
}

func (e OutputLineEvent) Type() uint32 { return TypeOutputLine }

// ACLChangedEvent is published after a node's ACL was written, either granted or restored.
type ACLChangedEvent struct {
	NodeID   uint64
	Restored bool
}

func (e ACLChangedEvent) Type() uint32 { return TypeACLChanged }

// Bus wraps a kelindar/event dispatcher. Delivery is asynchronous.
// A nil *Bus is valid and drops everything.
type Bus struct {
	dispatcher *event.Dispatcher
}

func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case StateChangedEvent:
		event.Publish(b.dispatcher, e)
	case OutputLineEvent:
		event.Publish(b.dispatcher, e)
	case ACLChangedEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler for the event type it accepts and returns an unsubscribe func.
// Unknown handler types get a no-op unsubscribe.
func (b *Bus) Subscribe(handler any) func() {
	if b == nil {
		return func() {}
	}
	switch h := handler.(type) {
	case func(StateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(OutputLineEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ACLChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// Close stops delivery to all subscribers.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.dispatcher.Close()
}
