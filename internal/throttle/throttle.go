// Package throttle bounds outbound file-stream bandwidth with a token
// bucket: capacity is one second of traffic, so a transfer can burst its
// limit once and then settles at the configured rate.
package throttle

import (
	"context"

	"golang.org/x/time/rate"
)

// Bucket wraps a rate.Limiter keyed in bytes. A zero-limit bucket is a
// no-op and never blocks.
type Bucket struct {
	limiter *rate.Limiter
}

// NewBucket returns a limiter admitting bytesPerSec bytes per second with a
// burst of the same size. Zero or negative means unlimited.
func NewBucket(bytesPerSec int64) *Bucket {
	if bytesPerSec <= 0 {
		return &Bucket{}
	}
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec)),
	}
}

// WaitN blocks until n byte-tokens are available. Requests larger than the
// bucket's burst are split into burst-sized waits so a chunk bigger than
// one second of traffic is still admissible instead of erroring.
func (b *Bucket) WaitN(ctx context.Context, n int) error {
	if b == nil || b.limiter == nil || n <= 0 {
		return nil
	}

	burst := b.limiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := b.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Limit reports the configured bytes/sec, 0 for unlimited.
func (b *Bucket) Limit() int64 {
	if b == nil || b.limiter == nil {
		return 0
	}
	return int64(b.limiter.Limit())
}
