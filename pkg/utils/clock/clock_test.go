package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualAfterFunc(t *testing.T) {
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	m := NewManual(start)
	fired := 0
	m.AfterFunc(4*time.Second, func() { fired++ })
	stopped := m.AfterFunc(2*time.Second, func() { fired += 100 })

	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())
	assert.Equal(t, 1, m.PendingTimers())

	m.Advance(3 * time.Second)
	assert.Equal(t, 0, fired)
	m.Advance(time.Second)
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, m.PendingTimers())
	assert.Equal(t, start.Add(4*time.Second), m.Now())
}

func TestManualTicker(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	tk := m.NewTicker(100 * time.Millisecond)

	m.Advance(50 * time.Millisecond)
	select {
	case <-tk.C():
		t.Fatal("unexpected tick")
	default:
	}

	m.Advance(50 * time.Millisecond)
	select {
	case ts := <-tk.C():
		assert.Equal(t, time.Unix(0, 0).Add(100*time.Millisecond), ts)
	default:
		t.Fatal("expected tick")
	}

	tk.Stop()
	m.Advance(time.Second)
	select {
	case <-tk.C():
		t.Fatal("tick after stop")
	default:
	}
}
