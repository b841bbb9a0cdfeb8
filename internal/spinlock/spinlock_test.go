package spinlock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockMutualExclusion(t *testing.T) {
	var (
		l     Lock
		wg    sync.WaitGroup
		count int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10000; j++ {
				l.Lock()
				count++
				l.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 80000, count)
}

func TestTryLock(t *testing.T) {
	var l Lock
	assert.True(t, l.TryLock())
	assert.False(t, l.TryLock())
	l.Unlock()
	assert.True(t, l.TryLock())
	l.Unlock()
}

func TestUnlockUnlockedPanics(t *testing.T) {
	var l Lock
	assert.Panics(t, func() { l.Unlock() })
}
