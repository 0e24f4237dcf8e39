package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBus_DeliversByType(t *testing.T) {
	bus := New()
	defer bus.Close()

	var mu sync.Mutex
	var states []StateChangedEvent
	var acls []ACLChangedEvent

	unsubState := bus.Subscribe(func(e StateChangedEvent) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, e)
	})
	defer unsubState()
	unsubACL := bus.Subscribe(func(e ACLChangedEvent) {
		mu.Lock()
		defer mu.Unlock()
		acls = append(acls, e)
	})
	defer unsubACL()

	bus.Publish(StateChangedEvent{FixtureID: "provider", From: "starting", To: "ready"})
	bus.Publish(ACLChangedEvent{NodeID: 5, Restored: true})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 1 && len(acls) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ready", states[0].To)
	assert.Equal(t, uint64(5), acls[0].NodeID)
}

func TestBus_NilAndUnknownHandlers(t *testing.T) {
	var nilBus *Bus
	nilBus.Publish(StateChangedEvent{})
	nilBus.Subscribe(func(StateChangedEvent) {})()
	assert.NoError(t, nilBus.Close())

	bus := New()
	defer bus.Close()
	unsub := bus.Subscribe(func(string) {})
	assert.NotNil(t, unsub)
	unsub()
}
