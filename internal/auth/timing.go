package auth

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// TimingConfig sets the floor every login response is padded to
type TimingConfig struct {
	BaseDelayMs    int
	RandomDelayMs  int  // jitter added on top of the base, drawn per request
	DelayOnSuccess bool // pad allowed logins too
}

// TimingDelay pads login responses to a common duration, so a denial from
// the risk pipeline cannot be told apart from a wrong password or an unknown
// email by how long it took.
type TimingDelay struct {
	base      time.Duration
	jitter    time.Duration
	onSuccess bool
}

func NewTimingDelay(config TimingConfig) *TimingDelay {
	return &TimingDelay{
		base:      time.Duration(max(config.BaseDelayMs, 0)) * time.Millisecond,
		jitter:    time.Duration(max(config.RandomDelayMs, 0)) * time.Millisecond,
		onSuccess: config.DelayOnSuccess,
	}
}

// Target is the padded duration for one response, base plus fresh jitter.
func (td *TimingDelay) Target() time.Duration {
	if td.jitter <= 0 {
		return td.base
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(td.jitter)))
	if err != nil {
		return td.base
	}
	return td.base + time.Duration(n.Int64())
}

// WaitFrom blocks until Target has passed since start. It returns early when
// ctx ends; the client has gone and nobody is timing the response.
func (td *TimingDelay) WaitFrom(ctx context.Context, start time.Time, success bool) {
	if success && !td.onSuccess {
		return
	}
	remaining := td.Target() - time.Since(start)
	if remaining <= 0 {
		return
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
