package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacer_DelayBounds(t *testing.T) {
	p := NewPacer()
	min, max := 900*time.Millisecond, 1300*time.Millisecond

	// Fatigue caps at 0.6 and spikes top out at 2s, so the delay can never
	// exceed max*1.6 + 2s.
	upper := time.Duration(float64(max)*1.6) + 2*time.Second
	for i := 0; i < 200; i++ {
		d := p.Delay(min, max)
		assert.GreaterOrEqual(t, d, min)
		assert.LessOrEqual(t, d, upper)
	}
}

func TestPacer_FatigueGrows(t *testing.T) {
	p := NewPacer()
	for i := 0; i < 50; i++ {
		p.Delay(time.Second, time.Second)
	}

	p.mu.Lock()
	fatigue := p.fatigue
	p.mu.Unlock()
	assert.InDelta(t, 0.6, fatigue, 0.001, "fatigue should have hit the cap")

	p.Reset()
	p.mu.Lock()
	fatigue = p.fatigue
	p.mu.Unlock()
	assert.Zero(t, fatigue)
}

func TestPacer_SleepHonorsCancellation(t *testing.T) {
	p := NewPacer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Sleep(ctx, time.Minute, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}

func TestGaussianBetween(t *testing.T) {
	for i := 0; i < 1000; i++ {
		v := gaussianBetween(100, 200)
		assert.GreaterOrEqual(t, v, 100.0)
		assert.LessOrEqual(t, v, 200.0)
	}
}
