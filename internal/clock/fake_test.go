package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := NewFake(epoch)
	fired := 0
	c.AfterFunc(2*time.Second, func() { fired++ })

	c.Advance(time.Second)
	assert.Equal(t, 0, fired)
	c.Advance(time.Second)
	assert.Equal(t, 1, fired)
	c.Advance(time.Minute)
	assert.Equal(t, 1, fired, "one-shot timers fire once")
}

func TestFakeTimerStop(t *testing.T) {
	c := NewFake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	require.True(t, timer.Stop())
	require.False(t, timer.Stop())
	c.Advance(time.Hour)
	assert.False(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeTickerAndAfter(t *testing.T) {
	c := NewFake(epoch)
	ticker := c.NewTicker(10 * time.Second)
	after := c.After(5 * time.Second)

	c.Advance(5 * time.Second)
	select {
	case got := <-after:
		assert.Equal(t, epoch.Add(5*time.Second), got)
	default:
		t.Fatal("After channel did not fire")
	}

	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire")
	}
	ticker.Stop()
	assert.Equal(t, 0, c.Pending())
}
