package mainloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRemainingMinutesIsInfiniteForZeroDeadline(t *testing.T) {
	assert.True(t, remainingMinutes(time.Time{}) > 1e300, "a zero deadline means no wall-time limit")
}

func TestRemainingMinutesCountsDownToDeadline(t *testing.T) {
	deadline := time.Now().Add(30 * time.Minute)
	got := remainingMinutes(deadline)
	assert.InDelta(t, 30, got, 0.1)
}

func TestDelayGeneratorDoublesUpToMax(t *testing.T) {
	d := newDelayGenerator(200 * time.Millisecond)
	assert.Equal(t, 50*time.Millisecond, d.current)

	ctx := context.Background()
	d.wait(ctx, nil)
	assert.Equal(t, 100*time.Millisecond, d.current)

	d.wait(ctx, nil)
	assert.Equal(t, 200*time.Millisecond, d.current)

	d.wait(ctx, nil)
	assert.Equal(t, 200*time.Millisecond, d.current, "must clamp at max rather than keep doubling")
}

func TestDelayGeneratorResetsOnWake(t *testing.T) {
	d := newDelayGenerator(time.Second)
	d.current = 400 * time.Millisecond

	wake := make(chan struct{}, 1)
	wake <- struct{}{}
	d.wait(context.Background(), wake)

	assert.Equal(t, 50*time.Millisecond, d.current)
}

func TestDelayGeneratorDefaultsMaxWhenNonPositive(t *testing.T) {
	d := newDelayGenerator(0)
	assert.Equal(t, 10*time.Second, d.max)
}
