package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestFake_AdvanceFiresDueWaiters(t *testing.T) {
	f := NewFake(epoch)

	short := f.After(1 * time.Second)
	long := f.After(3 * time.Second)
	require.Equal(t, 2, f.Waiters())

	f.Advance(1 * time.Second)
	select {
	case got := <-short:
		assert.Equal(t, epoch.Add(time.Second), got)
	default:
		t.Fatal("short waiter did not fire")
	}

	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}
	assert.Equal(t, 1, f.Waiters())

	f.Advance(2 * time.Second)
	select {
	case <-long:
	default:
		t.Fatal("long waiter did not fire")
	}
	assert.Zero(t, f.Waiters())
}

func TestFake_AfterNonPositiveFiresImmediately(t *testing.T) {
	f := NewFake(epoch)

	select {
	case <-f.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
	assert.Zero(t, f.Waiters())
}

func TestFake_BlockUntil(t *testing.T) {
	f := NewFake(epoch)

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.After(time.Minute)
	}()

	assert.True(t, f.BlockUntil(1, time.Second))
	assert.False(t, f.BlockUntil(2, 20*time.Millisecond))
	assert.Equal(t, []time.Time{epoch.Add(time.Minute)}, f.Deadlines())
}

func TestSleep(t *testing.T) {
	f := NewFake(epoch)
	done := make(chan struct{})

	result := make(chan bool, 1)
	go func() { result <- Sleep(f, time.Second, done) }()

	require.True(t, f.BlockUntil(1, time.Second))
	close(done)
	assert.False(t, <-result)

	assert.True(t, Sleep(f, 0, nil))
	assert.Equal(t, 2*time.Second, Since(f, epoch.Add(-2*time.Second)))
}
