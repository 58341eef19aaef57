package mailbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDeltaConcurrentNoLostUpdates(t *testing.T) {
	svc := NewService(NewMemoryStore(), WithLogger(zerolog.Nop()))
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := svc.ApplyDelta(ctx, "100", 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, err := svc.Counts(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, workers, c.New)
}

func TestApplyDeltaFloorsAtZero(t *testing.T) {
	svc := NewService(NewMemoryStore(), WithLogger(zerolog.Nop()))
	ctx := context.Background()

	newCount, oldCount, err := svc.ApplyDelta(ctx, "100", -5)
	require.NoError(t, err)
	assert.Equal(t, 0, newCount)
	assert.Equal(t, 0, oldCount)

	newCount, _, err = svc.ApplyDelta(ctx, "100", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, newCount, "floor absorbs the decrement, it is not a debt")
}

func TestApplyDeltaDistinctMailboxes(t *testing.T) {
	svc := NewService(NewMemoryStore(), WithLogger(zerolog.Nop()))
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, mbox := range []string{"100", "200", "300"} {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(mbox string) {
				defer wg.Done()
				_, _, err := svc.ApplyDelta(ctx, mbox, 1)
				assert.NoError(t, err)
			}(mbox)
		}
	}
	wg.Wait()

	for _, mbox := range []string{"100", "200", "300"} {
		c, err := svc.Counts(ctx, mbox)
		require.NoError(t, err)
		assert.Equal(t, 10, c.New, mbox)
	}
}

func TestApplyDeltaLoadsExistingCounts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "100", Counts{New: 3, Old: 7}))

	svc := NewService(store, WithLogger(zerolog.Nop()))
	newCount, oldCount, err := svc.ApplyDelta(ctx, "100", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, newCount)
	assert.Equal(t, 7, oldCount)
}

type flakyStore struct {
	*MemoryStore
	saves    atomic.Int32
	failures int32
}

func (f *flakyStore) Save(ctx context.Context, mailbox string, c Counts) error {
	if f.saves.Add(1) <= f.failures {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.Save(ctx, mailbox, c)
}

func TestSaveRetriedOnce(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	svc := NewService(store, WithLogger(zerolog.Nop()), WithRetryDelay(time.Millisecond))

	newCount, _, err := svc.ApplyDelta(context.Background(), "100", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, newCount)
	assert.Equal(t, int32(2), store.saves.Load())
}

func TestSavePermanentFailureKeepsDelta(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	svc := NewService(store, WithLogger(zerolog.Nop()), WithRetryDelay(time.Millisecond))
	ctx := context.Background()

	newCount, _, err := svc.ApplyDelta(ctx, "100", 1)
	require.Error(t, err)
	assert.Equal(t, 1, newCount, "counts are authoritative in memory")

	// Store healthy again, the next delta carries the full count
	newCount, _, err = svc.ApplyDelta(ctx, "100", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, newCount)

	c, err := store.MemoryStore.Load(ctx, "100")
	require.NoError(t, err)
	assert.Equal(t, 2, c.New)
}
