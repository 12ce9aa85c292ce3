package loadtracker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAcquireIncrementsOutstanding(t *testing.T) {
	c := NewCounter()
	assert.EqualValues(t, 0, c.Outstanding())

	s1 := c.Acquire()
	assert.EqualValues(t, 1, c.Outstanding())

	s2 := c.Acquire()
	assert.EqualValues(t, 2, c.Outstanding())

	s1.Release()
	assert.EqualValues(t, 1, c.Outstanding())

	s2.Release()
	assert.EqualValues(t, 0, c.Outstanding())
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := NewCounter()
	s := c.Acquire()
	assert.EqualValues(t, 1, c.Outstanding())

	s.Release()
	s.Release()
	s.Release()
	assert.EqualValues(t, 0, c.Outstanding())
}

func TestReleaseOnNilSlotIsNoOp(t *testing.T) {
	var s *Slot
	assert.NotPanics(t, func() { s.Release() })
}

func TestConcurrentAcquireRelease(t *testing.T) {
	c := NewCounter()
	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			s := c.Acquire()
			s.Release()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 0, c.Outstanding())
}
