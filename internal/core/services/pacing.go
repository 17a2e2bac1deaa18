package services

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer produces the humanized delays between page actions: gaussian jitter
// inside a bounded window, a slowly accumulating fatigue multiplier, and
// occasional "thinking" spikes. A token-bucket limiter underneath caps the
// absolute action rate regardless of what the windows allow.
type Pacer struct {
	mu      sync.Mutex
	fatigue float64
	actions int
	limiter *rate.Limiter
}

// NewPacer caps actions at roughly one per second sustained, with small bursts.
func NewPacer() *Pacer {
	return &Pacer{
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// Delay computes the next randomized delay within [min, max] scaled by
// session fatigue. It never blocks.
func (p *Pacer) Delay(min, max time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.actions++
	p.fatigue += 0.02 + rand.Float64()*0.03
	if p.fatigue > 0.6 {
		p.fatigue = 0.6
	}

	base := gaussianBetween(float64(min), float64(max))

	// Occasional thinking spike
	var spike float64
	if rand.Float64() < 0.08 {
		spike = float64(600+rand.IntN(1400)) * float64(time.Millisecond)
	}

	return time.Duration(base*(1+p.fatigue) + spike)
}

// Sleep blocks for a randomized delay in [min, max], honoring both the rate
// limiter and context cancellation.
func (p *Pacer) Sleep(ctx context.Context, min, max time.Duration) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	t := time.NewTimer(p.Delay(min, max))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Reset clears accumulated fatigue, e.g. after a batch cooldown.
func (p *Pacer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fatigue = 0
	p.actions = 0
}

// gaussianBetween samples a Box-Muller normal, normalized to [0, 1] and
// clamped, then scaled onto [min, max].
func gaussianBetween(min, max float64) float64 {
	u := rand.Float64()
	v := rand.Float64()
	if u == 0 {
		u = math.SmallestNonzeroFloat64
	}
	n := math.Sqrt(-2.0*math.Log(u)) * math.Cos(2.0*math.Pi*v)
	n = n/6 + 0.5
	if n < 0 {
		n = 0
	} else if n > 1 {
		n = 1
	}
	return min + n*(max-min)
}
