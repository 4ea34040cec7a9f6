package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locuskit/locus/pkg"
)

func fixAt(ts int64) pkg.Fix {
	return pkg.Fix{
		Latitude:  39.9,
		Longitude: 116.4,
		Accuracy:  10,
		Timestamp: ts,
		Source:    pkg.SourceGNSS,
		Status:    pkg.StatusValid,
	}
}

func TestPushPopFIFO(t *testing.T) {
	q := New(10)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, q.Push(fixAt(i)))
	}
	assert.Equal(t, 5, q.Len())

	for i := int64(1); i <= 5; i++ {
		fix, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, fix.Timestamp)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestOverflowDropsOldest(t *testing.T) {
	// Capacity 4, burst of 10: six drops, the last four survive in
	// arrival order
	q := New(4)
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, q.Push(fixAt(i)))
	}

	assert.Equal(t, int64(6), q.Drops())
	assert.Equal(t, 4, q.Len())

	for i := int64(7); i <= 10; i++ {
		fix, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, fix.Timestamp)
	}
}

func TestOverflowHandlerFires(t *testing.T) {
	q := New(1)
	var mu sync.Mutex
	var events []*pkg.Event
	q.SetOverflowHandler(func(e *pkg.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	q.Push(fixAt(1))
	q.Push(fixAt(2))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, pkg.EventQueueOverflow, events[0].Type)
}

func TestPopWaitDeliversAcrossGoroutines(t *testing.T) {
	q := New(10)

	done := make(chan pkg.Fix, 1)
	go func() {
		fix, ok := q.PopWait(time.Second)
		if ok {
			done <- fix
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(fixAt(42)))

	select {
	case fix, ok := <-done:
		require.True(t, ok)
		assert.Equal(t, int64(42), fix.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("PopWait never returned")
	}
}

func TestPopWaitTimesOut(t *testing.T) {
	q := New(10)
	start := time.Now()
	_, ok := q.PopWait(50 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestCloseRejectsPushAllowsDrain(t *testing.T) {
	q := New(10)
	require.NoError(t, q.Push(fixAt(1)))
	q.Close()

	assert.ErrorIs(t, q.Push(fixAt(2)), pkg.ErrQueueClosed)

	fix, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(1), fix.Timestamp)
}

func TestConcurrentProducersPreserveCount(t *testing.T) {
	q := New(1000)
	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < 100; i++ {
				q.Push(fixAt(base + i))
			}
		}(int64(p) * 1000)
	}
	wg.Wait()

	assert.Equal(t, 400, q.Len())
	assert.Equal(t, int64(0), q.Drops())
	assert.Equal(t, int64(400), q.Pushes())
}
