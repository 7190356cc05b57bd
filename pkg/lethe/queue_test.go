package lethe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFIFOQueueOrdersByOffer(t *testing.T) {
	q := newFIFOQueue[int](3)
	q.offer(1)
	q.offer(2)
	q.offer(3)

	ctx := context.Background()
	for _, want := range []int{1, 2, 3} {
		got, err := q.take(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestFIFOQueueTakeBlocksUntilContextCancelled(t *testing.T) {
	q := newFIFOQueue[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.take(ctx)
	require.Error(t, err)
}

func TestFIFOQueueOfferPanicsWhenFull(t *testing.T) {
	q := newFIFOQueue[int](1)
	q.offer(1)
	require.Panics(t, func() { q.offer(2) })
}
