package share

import (
	"fmt"
	"sync/atomic"

	"github.com/jpillora/sizestr"
)

// ConnStats tracks the number of times a channel has been opened and how many
// instances are currently open, for debug logging.
type ConnStats struct {
	count int32
	open  int32
}

// New records that a new instance of the tracked channel kind has been created.
func (c *ConnStats) New() int32 { return atomic.AddInt32(&c.count, 1) }

// Open records that an instance is now open.
func (c *ConnStats) Open() { atomic.AddInt32(&c.open, 1) }

// Close records that an instance has closed.
func (c *ConnStats) Close() { atomic.AddInt32(&c.open, -1) }

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}

// ByteCounter is an atomic byte counter with a human-readable String(), used
// to report transport throughput in debug log lines.
type ByteCounter struct {
	n int64
}

// Add adds n bytes to the counter.
func (b *ByteCounter) Add(n int64) { atomic.AddInt64(&b.n, n) }

// Load returns the current count.
func (b *ByteCounter) Load() int64 { return atomic.LoadInt64(&b.n) }

func (b *ByteCounter) String() string {
	return sizestr.ToString(atomic.LoadInt64(&b.n))
}
