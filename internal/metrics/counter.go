package metrics

import "sync/atomic"

// counter is a tiny atomic uint64 wrapper, mirroring the style of
// internal/server/stats.go's atomic.Uint64 fields.
type counter struct {
	v atomic.Uint64
}

func (c *counter) add(delta uint64) {
	c.v.Add(delta)
}

func (c *counter) load() uint64 {
	return c.v.Load()
}
