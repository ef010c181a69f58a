package flow

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserLocks_SerializesPerUser(t *testing.T) {
	l := newUserLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		overlap bool
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := l.lock("u")
			defer release()
			mu.Lock()
			active++
			if active > 1 {
				overlap = true
			}
			mu.Unlock()
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
	assert.Zero(t, l.size())
}

func TestUserLocks_IndependentUsers(t *testing.T) {
	l := newUserLocks()
	releaseA := l.lock("a")
	releaseB := l.lock("b") // must not block on a
	assert.Equal(t, 2, l.size())
	releaseA()
	releaseB()
	assert.Zero(t, l.size())
}
