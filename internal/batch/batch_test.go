// internal/batch/batch_test.go
package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "github.com/phrazzld/gitpulse-sub011/internal/errors"
)

func TestSplit(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}

	assert.Equal(t, [][]int{{1, 2, 3}, {4, 5, 6}, {7}}, Split(items, 3))
	assert.Equal(t, [][]int{{1, 2, 3, 4, 5, 6, 7}}, Split(items, 0))
	assert.Empty(t, Split([]int{}, 3))
}

func TestRun_JoinsInBatchOrder(t *testing.T) {
	items := make([]int, 25)
	for i := range items {
		items[i] = i
	}

	out, err := Run(context.Background(), items, Options{BatchSize: 4, Concurrency: 3}, func(ctx context.Context, batch []int) ([]int, error) {
		// Later batches finish first.
		time.Sleep(time.Duration(30-batch[0]) * time.Millisecond)
		doubled := make([]int, len(batch))
		for i, v := range batch {
			doubled[i] = v * 2
		}
		return doubled, nil
	})

	require.NoError(t, err)
	require.Len(t, out, 25)
	for i, v := range out {
		assert.Equal(t, i*2, v)
	}
}

func TestRun_BoundsConcurrency(t *testing.T) {
	var inFlight, peak int32
	items := make([]int, 40)

	_, err := Run(context.Background(), items, Options{BatchSize: 2, Concurrency: 3}, func(ctx context.Context, batch []int) ([]int, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return batch, nil
	})

	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestRun_NotFoundCountsAsEmpty(t *testing.T) {
	items := []string{"a", "b", "c", "d"}

	out, err := Run(context.Background(), items, Options{BatchSize: 1, Concurrency: 2}, func(ctx context.Context, batch []string) ([]string, error) {
		if batch[0] == "b" {
			return nil, custom_errors.NewNotFoundError("gone", nil)
		}
		return batch, nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "d"}, out)
}

func TestRun_FailsFast(t *testing.T) {
	var started int32
	items := make([]int, 20)
	boom := custom_errors.NewAuthError(401, "token revoked", nil)

	out, err := Run(context.Background(), items, Options{BatchSize: 1, Concurrency: 1}, func(ctx context.Context, batch []int) ([]int, error) {
		if atomic.AddInt32(&started, 1) == 3 {
			return nil, boom
		}
		return batch, nil
	})

	assert.Nil(t, out)
	require.Error(t, err)
	assert.True(t, custom_errors.IsKind(err, custom_errors.KindAuth))
	assert.Equal(t, int32(3), atomic.LoadInt32(&started), "pending batches must not start after a fatal error")
}

func TestRun_CancelsInFlight(t *testing.T) {
	items := []int{1, 2}
	var cancelled int32
	secondStarted := make(chan struct{})

	_, err := Run(context.Background(), items, Options{BatchSize: 1, Concurrency: 2}, func(ctx context.Context, batch []int) ([]int, error) {
		if batch[0] == 1 {
			<-secondStarted
			return nil, errors.New("upstream exploded")
		}
		close(secondStarted)
		select {
		case <-ctx.Done():
			atomic.AddInt32(&cancelled, 1)
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return batch, nil
		}
	})

	require.Error(t, err)
	assert.True(t, custom_errors.IsKind(err, custom_errors.KindUnknown))
	assert.Equal(t, int32(1), atomic.LoadInt32(&cancelled))
}

func TestRun_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, []int{1, 2, 3}, DefaultOptions(), func(ctx context.Context, batch []int) ([]int, error) {
		return batch, nil
	})

	require.Error(t, err)
	assert.True(t, custom_errors.IsKind(err, custom_errors.KindUnknown))
}
