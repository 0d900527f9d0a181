package clock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestManualRunsTasksInDeadlineOrder(t *testing.T) {
	m := NewManual(epoch)
	var order []string

	m.After(3*time.Second, func() { order = append(order, "c") })
	m.After(1*time.Second, func() { order = append(order, "a") })
	m.After(2*time.Second, func() { order = append(order, "b") })

	m.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, m.Pending())

	m.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, epoch.Add(3*time.Second), m.Now())
}

func TestManualNowIsDeadlineDuringCallback(t *testing.T) {
	m := NewManual(epoch)
	var seen time.Time
	m.After(1500*time.Millisecond, func() { seen = m.Now() })

	m.Advance(10 * time.Second)
	assert.Equal(t, epoch.Add(1500*time.Millisecond), seen)
	assert.Equal(t, epoch.Add(10*time.Second), m.Now())
}

func TestManualCallbackCanScheduleWithinSameAdvance(t *testing.T) {
	m := NewManual(epoch)
	fired := 0
	m.After(time.Second, func() {
		fired++
		m.After(time.Second, func() { fired++ })
	})

	m.Advance(5 * time.Second)
	assert.Equal(t, 2, fired)
	assert.Zero(t, m.Pending())
}

func TestManualCancel(t *testing.T) {
	m := NewManual(epoch)
	fired := false
	tok := m.After(time.Second, func() { fired = true })

	assert.True(t, m.Cancel(tok))
	assert.False(t, m.Cancel(tok))
	m.Advance(2 * time.Second)
	assert.False(t, fired)
}

func TestManualCancelFromEarlierCallback(t *testing.T) {
	m := NewManual(epoch)
	fired := false
	var later Token
	m.After(time.Second, func() { m.Cancel(later) })
	later = m.After(2*time.Second, func() { fired = true })

	m.Advance(3 * time.Second)
	assert.False(t, fired)
}

func TestManualCancelAll(t *testing.T) {
	m := NewManual(epoch)
	m.After(time.Second, func() { t.Fatal("cancelled task ran") })
	m.After(time.Minute, func() { t.Fatal("cancelled task ran") })

	m.CancelAll()
	assert.Zero(t, m.Pending())
	m.Advance(time.Hour)
}

func TestManualSetBackwardsIsIgnored(t *testing.T) {
	m := NewManual(epoch)
	m.Set(epoch.Add(-time.Hour))
	assert.Equal(t, epoch, m.Now())
}

func TestRealFiresThroughPost(t *testing.T) {
	posted := make(chan func(), 1)
	r := NewReal(func(fn func()) bool {
		posted <- fn
		return true
	})

	var fired atomic.Bool
	r.After(10*time.Millisecond, func() { fired.Store(true) })

	select {
	case fn := <-posted:
		fn()
	case <-time.After(time.Second):
		t.Fatal("timer did not post")
	}
	assert.True(t, fired.Load())
	assert.Zero(t, r.Pending())
}

func TestRealCancelAfterPostSuppressesCallback(t *testing.T) {
	posted := make(chan func(), 1)
	r := NewReal(func(fn func()) bool {
		posted <- fn
		return true
	})

	fired := false
	tok := r.After(time.Millisecond, func() { fired = true })

	var fn func()
	select {
	case fn = <-posted:
	case <-time.After(time.Second):
		t.Fatal("timer did not post")
	}
	// Fired and queued, but cancelled before the loop got to it.
	assert.True(t, r.Cancel(tok))
	fn()
	assert.False(t, fired)
}

func TestRealCancelAll(t *testing.T) {
	r := NewReal(nil)
	var fired atomic.Int32
	r.After(50*time.Millisecond, func() { fired.Add(1) })
	r.After(50*time.Millisecond, func() { fired.Add(1) })
	require.Equal(t, 2, r.Pending())

	r.CancelAll()
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, fired.Load())
	assert.Zero(t, r.Pending())
}
