package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpipe/internal/config"
	"mailpipe/internal/constants"
	"mailpipe/internal/logger"
	"mailpipe/internal/store"
	"mailpipe/pkg/models"
)

func newTestStore(t *testing.T, cfg config.QueueConfig) *store.RedisStore {
	t.Helper()
	infra := SetupTestInfra(t)

	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 1000
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = time.Minute
	}
	if cfg.MaxDeliveries == 0 {
		cfg.MaxDeliveries = 3
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = time.Second
	}

	return store.NewRedisStore(infra.RedisClient, cfg, logger.NopLogger())
}

func mustItem(t *testing.T, id string) *store.Item {
	t.Helper()
	item, err := store.NewItem(id, map[string]string{"id": id})
	require.NoError(t, err)
	return item
}

func TestRedisStore_FIFOOrder(t *testing.T) {
	st := newTestStore(t, config.QueueConfig{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.Enqueue(ctx, "q", mustItem(t, id)))
	}

	for _, want := range []string{"a", "b", "c"} {
		item, err := st.Dequeue(ctx, "q", time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, item.ID)
		require.NoError(t, st.Ack(ctx, "q", item))
	}

	_, err := st.Dequeue(ctx, "q", 100*time.Millisecond)
	assert.ErrorIs(t, err, store.ErrEmpty)
}

func TestRedisStore_DuplicateAdmissionRejected(t *testing.T) {
	st := newTestStore(t, config.QueueConfig{})
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, "q", mustItem(t, "a")))
	assert.ErrorIs(t, st.Enqueue(ctx, "q", mustItem(t, "a")), store.ErrDuplicate)

	// Still a duplicate while the item is in flight.
	item, err := st.Dequeue(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.ErrorIs(t, st.Enqueue(ctx, "q", mustItem(t, "a")), store.ErrDuplicate)

	// Admission reopens after the ack.
	require.NoError(t, st.Ack(ctx, "q", item))
	assert.NoError(t, st.Enqueue(ctx, "q", mustItem(t, "a")))
}

func TestRedisStore_QueueDepthBound(t *testing.T) {
	st := newTestStore(t, config.QueueConfig{MaxDepth: 2})
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, "q", mustItem(t, "a")))
	require.NoError(t, st.Enqueue(ctx, "q", mustItem(t, "b")))
	assert.ErrorIs(t, st.Enqueue(ctx, "q", mustItem(t, "c")), store.ErrQueueFull)

	depth, err := st.Depth(ctx, "q")
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)
}

func TestRedisStore_LeaseRedelivery(t *testing.T) {
	st := newTestStore(t, config.QueueConfig{LeaseDuration: 100 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, "q", mustItem(t, "a")))

	item, err := st.Dequeue(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, item.Attempts)

	// Worker "crashes": no ack. After the lease expires the reaper puts
	// the item back with an incremented attempt count.
	time.Sleep(200 * time.Millisecond)
	reaped, err := st.ReapExpiredLeases(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	redelivered, err := st.Dequeue(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", redelivered.ID)
	assert.Equal(t, 1, redelivered.Attempts)
}

func TestRedisStore_ExtendLeaseDefersRedelivery(t *testing.T) {
	st := newTestStore(t, config.QueueConfig{LeaseDuration: 100 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, "q", mustItem(t, "a")))

	item, err := st.Dequeue(ctx, "q", time.Second)
	require.NoError(t, err)
	require.NoError(t, st.ExtendLease(ctx, "q", item, time.Minute))

	// Past the original deadline the extended item stays in flight.
	time.Sleep(200 * time.Millisecond)
	reaped, err := st.ReapExpiredLeases(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)

	inFlight, err := st.ProcessingDepth(ctx, "q")
	require.NoError(t, err)
	assert.EqualValues(t, 1, inFlight)
}

func TestRedisStore_CounterAccumulates(t *testing.T) {
	st := newTestStore(t, config.QueueConfig{})
	ctx := context.Background()

	count, err := st.Counter(ctx, "delivered")
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)

	require.NoError(t, st.IncrCounter(ctx, "delivered", 3))
	require.NoError(t, st.IncrCounter(ctx, "delivered", 2))

	count, err = st.Counter(ctx, "delivered")
	require.NoError(t, err)
	assert.EqualValues(t, 5, count)
}

func TestRedisStore_ReaperRepairsLeaselessInFlightEntry(t *testing.T) {
	st := newTestStore(t, config.QueueConfig{LeaseDuration: 100 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, "q", mustItem(t, "a")))
	item, err := st.Dequeue(ctx, "q", time.Second)
	require.NoError(t, err)

	// Simulate a crash between the processing-list move and the lease
	// write: the entry sits in flight with no redelivery deadline.
	require.NoError(t, st.Client().ZRem(ctx, "queue:q:leases", item.Raw()).Err())

	reaped, err := st.ReapExpiredLeases(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)

	// The repaired lease expires like any other, so the next sweep
	// redelivers instead of stranding the item.
	time.Sleep(200 * time.Millisecond)
	reaped, err = st.ReapExpiredLeases(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	redelivered, err := st.Dequeue(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", redelivered.ID)
	assert.Equal(t, 1, redelivered.Attempts)
}

func TestRedisStore_RedeliveryBudgetDeadletters(t *testing.T) {
	st := newTestStore(t, config.QueueConfig{LeaseDuration: 50 * time.Millisecond, MaxDeliveries: 2})
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, "q", mustItem(t, "a")))

	// First delivery, no ack.
	_, err := st.Dequeue(ctx, "q", time.Second)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = st.ReapExpiredLeases(ctx, "q")
	require.NoError(t, err)

	// Second delivery, no ack. The budget of 2 is now spent, so the
	// reaper dead-letters instead of redelivering.
	_, err = st.Dequeue(ctx, "q", time.Second)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = st.ReapExpiredLeases(ctx, "q")
	require.NoError(t, err)

	_, err = st.Dequeue(ctx, "q", 100*time.Millisecond)
	assert.ErrorIs(t, err, store.ErrEmpty)

	dead, err := st.DeadDepth(ctx, "q")
	require.NoError(t, err)
	assert.EqualValues(t, 1, dead)

	entries, err := st.DeadLetters(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Item.ID)
	assert.Equal(t, constants.DeadLetterReasonRedelivery, entries[0].Reason)
}

func TestRedisStore_ExplicitRequeueGoesToTail(t *testing.T) {
	st := newTestStore(t, config.QueueConfig{})
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, "q", mustItem(t, "a")))
	require.NoError(t, st.Enqueue(ctx, "q", mustItem(t, "b")))

	item, err := st.Dequeue(ctx, "q", time.Second)
	require.NoError(t, err)
	require.Equal(t, "a", item.ID)
	require.NoError(t, st.Requeue(ctx, "q", item))

	// "a" goes to the consumer end, ahead of "b".
	next, err := st.Dequeue(ctx, "q", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", next.ID)
	assert.Equal(t, 1, next.Attempts)
}

func TestRedisStore_Deadletter(t *testing.T) {
	st := newTestStore(t, config.QueueConfig{})
	ctx := context.Background()

	require.NoError(t, st.Enqueue(ctx, "q", mustItem(t, "a")))
	item, err := st.Dequeue(ctx, "q", time.Second)
	require.NoError(t, err)

	require.NoError(t, st.Deadletter(ctx, "q", item, constants.DeadLetterReasonTransform))

	processing, err := st.ProcessingDepth(ctx, "q")
	require.NoError(t, err)
	assert.Zero(t, processing)

	// The admission slot frees up after dead-lettering.
	assert.NoError(t, st.Enqueue(ctx, "q", mustItem(t, "a")))
}

func TestRedisStore_ProcessedSet(t *testing.T) {
	st := newTestStore(t, config.QueueConfig{})
	ctx := context.Background()

	ok, err := st.IsProcessed(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.MarkProcessed(ctx, "a", "b"))

	for _, id := range []string{"a", "b"} {
		ok, err = st.IsProcessed(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	count, err := st.ProcessedCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestRedisStore_SubscriptionRoundTrip(t *testing.T) {
	st := newTestStore(t, config.QueueConfig{})
	ctx := context.Background()

	loaded, err := st.LoadSubscription(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	sub := &models.Subscription{
		ID:          "sub-1",
		Resource:    "inbox",
		ClientState: "secret",
		ExpiresAt:   time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Status:      models.SubscriptionActive,
	}
	require.NoError(t, st.SaveSubscription(ctx, sub))

	loaded, err = st.LoadSubscription(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, sub.ID, loaded.ID)
	assert.Equal(t, sub.ClientState, loaded.ClientState)
	assert.Equal(t, sub.Status, loaded.Status)
	assert.True(t, sub.ExpiresAt.Equal(loaded.ExpiresAt))
}
