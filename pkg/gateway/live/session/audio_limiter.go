package session

import "time"

// bucket is an integer token bucket refilled at rate tokens per second up to
// rate*burstSeconds.
type bucket struct {
	rate   int64
	tokens int64
	max    int64
}

func newBucket(rate int64, burstSeconds int64) bucket {
	if rate <= 0 {
		return bucket{}
	}
	return bucket{rate: rate, tokens: rate * burstSeconds, max: rate * burstSeconds}
}

func (b *bucket) refill(elapsed time.Duration) {
	if b.rate <= 0 {
		return
	}
	add := (elapsed.Nanoseconds() * b.rate) / int64(time.Second)
	if add <= 0 {
		return
	}
	b.tokens = min(b.tokens+add, b.max)
}

func (b *bucket) has(n int64) bool { return b.rate <= 0 || b.tokens >= n }

func (b *bucket) take(n int64) {
	if b.rate > 0 {
		b.tokens -= n
	}
}

// audioLimiter caps inbound microphone chunks by count and by base64 bytes.
// A nil limiter allows everything. It is used only from the read loop.
type audioLimiter struct {
	now        func() time.Time
	frames     bucket
	bytes      bucket
	lastRefill time.Time
}

func newAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *audioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	return &audioLimiter{
		now:        now,
		frames:     newBucket(int64(fps), int64(burstSeconds)),
		bytes:      newBucket(bps, int64(burstSeconds)),
		lastRefill: now(),
	}
}

func (l *audioLimiter) Allow(chunkBytes int) bool {
	if l == nil {
		return true
	}
	now := l.now()
	if elapsed := now.Sub(l.lastRefill); elapsed > 0 {
		l.frames.refill(elapsed)
		l.bytes.refill(elapsed)
		l.lastRefill = now
	}

	n := int64(max(chunkBytes, 0))
	if !l.frames.has(1) || !l.bytes.has(n) {
		return false
	}
	l.frames.take(1)
	l.bytes.take(n)
	return true
}
