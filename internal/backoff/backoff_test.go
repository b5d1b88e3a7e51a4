package backoff

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextDelay_Sequence(t *testing.T) {
	var c Counter
	want := []int64{100, 200, 400, 800, 1600, 3200, 5000, 5000, 5000, 5000, 5000}
	for i, w := range want {
		got := c.NextDelay(100, 5000)
		assert.Equal(t, w, got, "attempt %d", i)
	}
	// 11th attempt (index 10 above) resets the counter.
	assert.Equal(t, int64(100), c.NextDelay(100, 5000))
}

func TestNextDelay_ConcurrentSafe(t *testing.T) {
	var c Counter
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := c.NextDelay(10, 1000)
			assert.GreaterOrEqual(t, d, int64(10))
			assert.LessOrEqual(t, d, int64(1000))
		}()
	}
	wg.Wait()
}
