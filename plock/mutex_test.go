package plock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMutexZeroValueIsUnlocked(t *testing.T) {
	var m Mutex
	assert.True(t, m.TryLock())
	m.Unlock()
}

func TestMutexExcludesConcurrentHolders(t *testing.T) {
	var m Mutex
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock()
			counter++
			m.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestMutexSurvivesGenerationBump(t *testing.T) {
	var m Mutex
	m.Lock()
	m.Unlock()

	Bump()

	assert.True(t, m.TryLock())
	m.Unlock()
}
