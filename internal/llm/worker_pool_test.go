package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/db-metadata-generator/internal/apperrors"
)

func TestProcess_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	var inFlight, peak int32

	items := make([]WorkItem[int], 6)
	for i := range items {
		n := i
		items[i] = WorkItem[int]{ID: string(rune('a' + i)), Execute: func(ctx context.Context) (int, error) {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return n * n, nil
		}}
	}

	var progress []int
	results := Process(context.Background(), pool, items, nil, func(done, total int) {
		assert.Equal(t, 6, total)
		progress = append(progress, done)
	})

	require.Len(t, results, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, progress)
	sum := 0
	for _, r := range results {
		require.NoError(t, r.Err)
		sum += r.Result
	}
	assert.Equal(t, 0+1+4+9+16+25, sum)
}

func TestProcess_ErrorsDoNotStopOthers(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	boom := errors.New("boom")
	items := []WorkItem[string]{
		{ID: "bad", Execute: func(context.Context) (string, error) { return "", boom }},
		{ID: "good", Execute: func(context.Context) (string, error) { return "ok", nil }},
	}
	byID := map[string]WorkResult[string]{}
	for _, r := range Process(context.Background(), pool, items, nil, nil) {
		byID[r.ID] = r
	}
	assert.ErrorIs(t, byID["bad"].Err, boom)
	assert.Equal(t, "ok", byID["good"].Result)
}

func TestProcess_StopSkipsPendingItems(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	stop := make(chan struct{})
	started := make(chan struct{})
	release := make(chan struct{})

	var ran int32
	items := []WorkItem[int]{
		{ID: "first", Execute: func(context.Context) (int, error) {
			atomic.AddInt32(&ran, 1)
			close(started)
			<-release
			return 1, nil
		}},
	}
	for _, id := range []string{"second", "third"} {
		items = append(items, WorkItem[int]{ID: id, Execute: func(context.Context) (int, error) {
			atomic.AddInt32(&ran, 1)
			return 2, nil
		}})
	}

	done := make(chan []WorkResult[int])
	go func() { done <- Process(context.Background(), pool, items[:1], stop, nil) }()
	<-started
	close(stop)
	close(release)
	first := <-done
	require.Len(t, first, 1)
	assert.NoError(t, first[0].Err, "in-flight item completes after stop")

	rest := Process(context.Background(), pool, items[1:], stop, nil)
	require.Len(t, rest, 2)
	for _, r := range rest {
		assert.ErrorIs(t, r.Err, apperrors.ErrCancelled)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestProcess_Empty(t *testing.T) {
	assert.Nil(t, Process[int](context.Background(), NewWorkerPool(0, nil), nil, nil, nil))
	assert.Equal(t, defaultMaxConcurrent, NewWorkerPool(0, nil).MaxConcurrent())
}
