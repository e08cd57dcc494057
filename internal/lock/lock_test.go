package lock

import (
	"context"
	"os"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// LocalSemaphore
// ============================================================================

func TestLocalSemaphoreMutualExclusion(t *testing.T) {
	sem := NewLocalSemaphore()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := sem.Obtain(ctx, nil, TriggerAccess)
			require.NoError(t, err)

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)

			require.NoError(t, lease.Release(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
}

func TestLocalSemaphoreNamesAreIndependent(t *testing.T) {
	sem := NewLocalSemaphore()
	ctx := context.Background()

	a, err := sem.Obtain(ctx, nil, TriggerAccess)
	require.NoError(t, err)
	b, err := sem.Obtain(ctx, nil, StateAccess)
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Release(ctx))
	assert.False(t, sem.RequiresConnection())
}

func TestLocalSemaphoreHonoursContext(t *testing.T) {
	sem := NewLocalSemaphore()
	held, err := sem.Obtain(context.Background(), nil, TriggerAccess)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sem.Obtain(ctx, nil, TriggerAccess)
	assert.ErrorIs(t, err, ErrNotObtained)

	require.NoError(t, held.Release(context.Background()))
	assert.Error(t, held.Release(context.Background()), "double release must fail")

	again, err := sem.Obtain(context.Background(), nil, TriggerAccess)
	require.NoError(t, err)
	require.NoError(t, again.Release(context.Background()))
}

// ============================================================================
// RowLockSemaphore
// ============================================================================

func TestRowLockSemaphoreExistingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE locks SET lock_name = lock_name WHERE sched_name = ? AND lock_name = ?")).
		WithArgs("sched", TriggerAccess).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sem := NewRowLockSemaphore("sched", "locks")
	require.True(t, sem.RequiresConnection())

	tx, err := db.Begin()
	require.NoError(t, err)
	lease, err := sem.Obtain(context.Background(), tx, TriggerAccess)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, lease.Release(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowLockSemaphoreInsertsMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE locks SET")).
		WithArgs("sched", StateAccess).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO locks (sched_name, lock_name) VALUES (?, ?)")).
		WithArgs("sched", StateAccess).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	sem := NewRowLockSemaphore("sched", "locks")
	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = sem.Obtain(context.Background(), tx, StateAccess)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowLockSemaphoreErrors(t *testing.T) {
	sem := NewRowLockSemaphore("sched", "locks")
	_, err := sem.Obtain(context.Background(), nil, TriggerAccess)
	assert.Error(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE locks").WillReturnError(assert.AnError)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = sem.Obtain(context.Background(), tx, TriggerAccess)
	assert.ErrorIs(t, err, assert.AnError)
}

// ============================================================================
// RedisSemaphore (needs a live server)
// ============================================================================

func TestRedisSemaphore(t *testing.T) {
	client := redisClient(t)
	sem := NewRedisSemaphore(client, "beaver-test:"+t.Name(), 5*time.Second)
	ctx := context.Background()

	held, err := sem.Obtain(ctx, nil, TriggerAccess)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = sem.Obtain(short, nil, TriggerAccess)
	assert.ErrorIs(t, err, ErrNotObtained)

	require.NoError(t, held.Release(ctx))

	again, err := sem.Obtain(ctx, nil, TriggerAccess)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("BEAVER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BEAVER_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisSemaphoreRefreshesLeaseWhileHeld(t *testing.T) {
	client := redisClient(t)
	prefix := "beaver-test:" + t.Name()
	sem := NewRedisSemaphore(client, prefix, 300*time.Millisecond)
	ctx := context.Background()

	held, err := sem.Obtain(ctx, nil, TriggerAccess)
	require.NoError(t, err)

	// 持有時間遠超過 TTL
	time.Sleep(time.Second)
	require.NoError(t, Check(held))

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = sem.Obtain(short, nil, TriggerAccess)
	assert.ErrorIs(t, err, ErrNotObtained)

	require.NoError(t, held.Release(ctx))
	exists, err := client.Exists(ctx, prefix+":"+TriggerAccess).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRedisSemaphoreReportsLostLease(t *testing.T) {
	client := redisClient(t)
	prefix := "beaver-test:" + t.Name()
	sem := NewRedisSemaphore(client, prefix, 300*time.Millisecond)
	ctx := context.Background()

	held, err := sem.Obtain(ctx, nil, TriggerAccess)
	require.NoError(t, err)
	require.NoError(t, client.Del(ctx, prefix+":"+TriggerAccess).Err())

	require.Eventually(t, func() bool { return Check(held) != nil }, 2*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, Check(held), ErrLeaseLost)
	assert.ErrorIs(t, held.Release(ctx), ErrLeaseLost)
}

func TestCheckWithoutExpiry(t *testing.T) {
	lease, err := NewLocalSemaphore().Obtain(context.Background(), nil, StateAccess)
	require.NoError(t, err)
	assert.NoError(t, Check(lease))
	assert.NoError(t, Check(noopLease))
	require.NoError(t, lease.Release(context.Background()))
}
