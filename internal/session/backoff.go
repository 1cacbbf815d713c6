package session

import "time"

// backoff yields capped exponential delays: Initial, 2*Initial, 4*Initial...
type backoff struct {
	cfg     Backoff
	attempt int
}

func (b *backoff) Next() time.Duration {
	if b.cfg.Initial <= 0 {
		return 0
	}
	delay := b.cfg.Initial
	for i := 0; i < b.attempt; i++ {
		delay *= 2
		if b.cfg.Max > 0 && delay >= b.cfg.Max {
			delay = b.cfg.Max
			break
		}
	}
	if b.cfg.Max > 0 && delay > b.cfg.Max {
		delay = b.cfg.Max
	}
	b.attempt++
	return delay
}

func (b *backoff) Reset() {
	b.attempt = 0
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *backoff) Attempts() int {
	return b.attempt
}
