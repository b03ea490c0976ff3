package gateway

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueAfterRemoveIsNoOp(t *testing.T) {
	reg := NewRegistry()
	c := newClient(nil)
	reg.Add(c)

	// A broadcast may snapshot the registry just before a disconnect
	// removes the client; the late enqueue must not panic.
	snapshot := reg.All()
	require.Len(t, snapshot, 1)

	reg.Remove(c.ID)

	assert.NotPanics(t, func() {
		ok := snapshot[0].enqueue([]byte(`{"type":"event"}`))
		assert.False(t, ok)
	})
}

func TestClientCloseIsIdempotent(t *testing.T) {
	c := newClient(nil)
	assert.NotPanics(t, func() {
		c.close()
		c.close()
	})
	assert.False(t, c.enqueue([]byte("late")))
}

func TestConcurrentEnqueueAndClose(t *testing.T) {
	reg := NewRegistry()
	clients := make([]*Client, 0, 8)
	for i := 0; i < 8; i++ {
		c := newClient(nil)
		reg.Add(c)
		clients = append(clients, c)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		frame := []byte(`{"type":"event"}`)
		for i := 0; i < 200; i++ {
			for _, c := range reg.All() {
				c.enqueue(frame)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for _, c := range clients {
			reg.Remove(c.ID)
		}
	}()
	wg.Wait()

	assert.Zero(t, reg.Count())
}
