package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferEvictsOldest(t *testing.T) {
	b := NewBuffer[string](3)

	for _, v := range []string{"a", "b", "c", "d"} {
		b.Push(v)
	}

	assert.Equal(t, []string{"b", "c", "d"}, b.Snapshot())
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 3, b.Cap())
}

func TestBufferNeverExceedsCapacity(t *testing.T) {
	b := NewBuffer[int](5)

	for i := 0; i < 100; i++ {
		b.Push(i)
		require.LessOrEqual(t, b.Len(), 5)
	}

	assert.Equal(t, []int{95, 96, 97, 98, 99}, b.Snapshot())
}

func TestBufferLast(t *testing.T) {
	b := NewBuffer[int](2)

	_, ok := b.Last()
	assert.False(t, ok)

	b.Push(1)
	b.Push(2)
	b.Push(3)

	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, 3, last)
}

func TestBufferSnapshotDoesNotConsume(t *testing.T) {
	b := NewBuffer[int](4)
	b.Push(1)
	b.Push(2)

	assert.Equal(t, []int{1, 2}, b.Snapshot())
	assert.Equal(t, []int{1, 2}, b.Snapshot())
}

func TestBufferConcurrentReaders(t *testing.T) {
	b := NewBuffer[int](8)

	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Push(i)
		}
		close(done)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					snap := b.Snapshot()
					assert.LessOrEqual(t, len(snap), 8)
				}
			}
		}()
	}

	wg.Wait()
}

func TestRingChannelForceSend(t *testing.T) {
	rc := NewRingChannel[int](2)

	_, dropped := rc.ForceSend(1)
	assert.False(t, dropped)
	_, dropped = rc.ForceSend(2)
	assert.False(t, dropped)

	old, dropped := rc.ForceSend(3)
	assert.True(t, dropped)
	assert.Equal(t, 1, old)

	assert.Equal(t, 2, <-rc.C())
	assert.Equal(t, 3, <-rc.C())

	m := rc.GetMetrics()
	assert.Equal(t, int64(3), m.Written)
	assert.Equal(t, int64(1), m.Overwritten)
}

func TestRingChannelTrySend(t *testing.T) {
	rc := NewRingChannel[int](1)

	assert.True(t, rc.TrySend(1))
	assert.False(t, rc.TrySend(2))
	assert.Equal(t, 1, <-rc.C())
}

func TestRingChannelClose(t *testing.T) {
	rc := NewRingChannel[int](1)
	rc.TrySend(7)
	rc.Close()

	v, ok := <-rc.C()
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	_, ok = <-rc.C()
	assert.False(t, ok)
}
