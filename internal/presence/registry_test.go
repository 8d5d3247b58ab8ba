package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTransitions(t *testing.T) {
	t.Run("first connection is an online transition", func(t *testing.T) {
		r := NewRegistry()
		assert.True(t, r.MarkOnline("alice", "c1"))
		assert.True(t, r.IsOnline("alice"))
	})

	t.Run("second device is not a transition", func(t *testing.T) {
		r := NewRegistry()
		require.True(t, r.MarkOnline("alice", "c1"))
		assert.False(t, r.MarkOnline("alice", "c2"))
	})

	t.Run("offline only when last connection closes", func(t *testing.T) {
		r := NewRegistry()
		r.MarkOnline("alice", "c1")
		r.MarkOnline("alice", "c2")

		assert.False(t, r.MarkOffline("alice", "c1"))
		assert.True(t, r.IsOnline("alice"))
		assert.True(t, r.MarkOffline("alice", "c2"))
		assert.False(t, r.IsOnline("alice"))
	})

	t.Run("unknown connection is not a transition", func(t *testing.T) {
		r := NewRegistry()
		assert.False(t, r.MarkOffline("alice", "nope"))

		r.MarkOnline("alice", "c1")
		assert.False(t, r.MarkOffline("alice", "nope"))
		assert.True(t, r.IsOnline("alice"))
	})

	t.Run("snapshot lists online users", func(t *testing.T) {
		r := NewRegistry()
		r.MarkOnline("alice", "c1")
		r.MarkOnline("bob", "c2")
		r.MarkOffline("alice", "c1")

		assert.ElementsMatch(t, []string{"bob"}, r.OnlineUsers())
	})
}

func TestRegistryConcurrentBurst(t *testing.T) {
	// A burst of simultaneous connections for one user must report exactly
	// one online transition, and tearing them all down exactly one offline.
	const n = 64
	r := NewRegistry()

	var wg sync.WaitGroup
	var mu sync.Mutex
	online := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.MarkOnline("alice", fmt.Sprintf("conn-%d", i)) {
				mu.Lock()
				online++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, online)

	offline := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if r.MarkOffline("alice", fmt.Sprintf("conn-%d", i)) {
				mu.Lock()
				offline++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, offline)
	assert.False(t, r.IsOnline("alice"))
}
