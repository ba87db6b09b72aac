package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/automation-orchestrator/internal/clock/fake"
	"github.com/JakeFAU/automation-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/automation-orchestrator/internal/sharedstore/memory"
)

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

type recordingStarter struct {
	mu      sync.Mutex
	started []orchestrator.QueueEntry
	failFor map[string]error
}

func (s *recordingStarter) Start(_ context.Context, entry orchestrator.QueueEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failFor[entry.TargetID]; ok {
		return "", err
	}
	s.started = append(s.started, entry)
	return "handle-" + entry.TargetID, nil
}

func (s *recordingStarter) targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.started))
	for i, e := range s.started {
		out[i] = e.TargetID
	}
	return out
}

type fixture struct {
	queue   *Queue
	store   *memory.Store
	clock   *fake.Clock
	starter *recordingStarter
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clk := fake.New(time.Unix(1700000000, 0).UTC())
	store := memory.New(clk)
	starter := &recordingStarter{failFor: map[string]error{}}
	q := New(store, clk, &seqIDs{}, Config{LockTTL: 30 * time.Minute}, nil)
	q.SetStarter(starter)
	return fixture{queue: q, store: store, clock: clk, starter: starter}
}

func (f fixture) lockHeld(t *testing.T) bool {
	t.Helper()
	_, held, err := f.store.Get(context.Background(), LockKey)
	require.NoError(t, err)
	return held
}

func TestEnqueueDrainsInFIFOOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	for _, target := range []string{"A", "B", "C"} {
		_, err := f.queue.Enqueue(ctx, target, "profile_extraction", nil)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"A"}, f.starter.targets())

	started, err := f.queue.JobCompleted(ctx, "handle-A", orchestrator.JobStatusSuccess)
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, []string{"A", "B"}, f.starter.targets())

	started, err = f.queue.JobCompleted(ctx, "handle-B", orchestrator.JobStatusFailed)
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, []string{"A", "B", "C"}, f.starter.targets())

	started, err = f.queue.JobCompleted(ctx, "handle-C", orchestrator.JobStatusSuccess)
	require.NoError(t, err)
	require.False(t, started)
	require.False(t, f.lockHeld(t))
}

func TestEnqueueSnapshotsCurrentJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	jobID, err := f.queue.Enqueue(ctx, "A", "profile_extraction", map[string]any{"target_url": "https://a"})
	require.NoError(t, err)

	status, err := f.queue.Status(ctx)
	require.NoError(t, err)
	require.True(t, status.Processing)
	require.Zero(t, status.Length)
	require.NotNil(t, status.Current)
	require.Equal(t, jobID, status.Current.JobID)
	require.Equal(t, "https://a", status.Current.TargetURL())
	require.NotNil(t, status.LockAcquiredAt)
}

func TestConcurrentProcessNextOnlyOneWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.RPush(ctx, ListKey, mustEntry(t, "job-x", "X"), mustEntry(t, "job-y", "Y"))
	require.NoError(t, err)

	const racers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.queue.ProcessNext(ctx)
			if err != nil {
				t.Errorf("ProcessNext() error = %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, wins.Load())
	require.Len(t, f.starter.targets(), 1)
	length, err := f.store.LLen(ctx, ListKey)
	require.NoError(t, err)
	require.EqualValues(t, 1, length)
}

func TestConcurrentEnqueueLaunchesOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	var wg sync.WaitGroup
	for _, target := range []string{"P", "Q"} {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			if _, err := f.queue.Enqueue(ctx, target, "profile_extraction", nil); err != nil {
				t.Errorf("Enqueue() error = %v", err)
			}
		}(target)
	}
	wg.Wait()

	require.Len(t, f.starter.targets(), 1)
	contents, err := f.queue.Contents(ctx)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	require.NotEqual(t, f.starter.targets()[0], contents[0].TargetID)
}

func TestProcessNextReclaimsStaleLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	stale := f.clock.Now().Add(-31 * time.Minute).Unix()
	require.NoError(t, f.store.Set(ctx, LockKey, strconv.FormatInt(stale, 10), 0))
	require.NoError(t, f.store.Set(ctx, CurrentKey, `{"job_id":"ghost"}`, 0))
	_, err := f.store.RPush(ctx, ListKey, mustEntry(t, "job-1", "A"))
	require.NoError(t, err)

	started, err := f.queue.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, []string{"A"}, f.starter.targets())

	raw, _, err := f.store.Get(ctx, LockKey)
	require.NoError(t, err)
	require.Equal(t, strconv.FormatInt(f.clock.Now().Unix(), 10), raw)
}

// releasedLockStore reports the lock as taken on the first SetNX while the
// key is actually free, as when the holder releases it between two reads.
type releasedLockStore struct {
	*memory.Store
	mu      sync.Mutex
	raced   bool
	deletes int
}

func (s *releasedLockStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	first := key == LockKey && !s.raced
	if first {
		s.raced = true
	}
	s.mu.Unlock()
	if first {
		return false, nil
	}
	return s.Store.SetNX(ctx, key, value, ttl)
}

func (s *releasedLockStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	s.deletes++
	s.mu.Unlock()
	return s.Store.Delete(ctx, keys...)
}

func TestProcessNextRetriesLockReleasedMidAcquire(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := fake.New(time.Unix(1700000000, 0).UTC())
	store := &releasedLockStore{Store: memory.New(clk)}
	core, logs := observer.New(zapcore.DebugLevel)
	starter := &recordingStarter{failFor: map[string]error{}}
	q := New(store, clk, &seqIDs{}, Config{}, zap.New(core))
	q.SetStarter(starter)
	_, err := store.RPush(ctx, ListKey, mustEntry(t, "job-1", "A"))
	require.NoError(t, err)

	started, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, []string{"A"}, starter.targets())
	require.Zero(t, store.deletes)
	require.Zero(t, logs.FilterMessage("clearing stale processing lock").Len())
}

func TestProcessNextRespectsLiveLock(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	recent := f.clock.Now().Add(-5 * time.Minute).Unix()
	require.NoError(t, f.store.Set(ctx, LockKey, strconv.FormatInt(recent, 10), 0))
	_, err := f.store.RPush(ctx, ListKey, mustEntry(t, "job-1", "A"))
	require.NoError(t, err)

	started, err := f.queue.ProcessNext(ctx)
	require.NoError(t, err)
	require.False(t, started)
	require.Empty(t, f.starter.targets())
}

func TestProcessNextUnparsableLockIsStale(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.store.Set(ctx, LockKey, "garbage", 0))
	_, err := f.store.RPush(ctx, ListKey, mustEntry(t, "job-1", "A"))
	require.NoError(t, err)

	started, err := f.queue.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, started)
}

func TestLockExpiresWithTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, err := f.queue.Enqueue(ctx, "A", "profile_extraction", nil)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, "B", "profile_extraction", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, f.starter.targets())

	f.clock.Advance(30 * time.Minute)
	started, err := f.queue.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, []string{"A", "B"}, f.starter.targets())
}

func TestLaunchFailureReleasesLockAndAdvances(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.starter.failFor["A"] = &orchestrator.LaunchFailure{StatusCode: 200, Reason: "no handle returned", Err: orchestrator.ErrNoHandle}
	_, err := f.store.RPush(ctx, ListKey, mustEntry(t, "job-1", "A"), mustEntry(t, "job-2", "B"))
	require.NoError(t, err)

	started, err := f.queue.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, []string{"B"}, f.starter.targets())

	status, err := f.queue.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-2", status.Current.JobID)
}

func TestLaunchFailureOnLastEntryLeavesQueueIdle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.starter.failFor["A"] = errors.New("runner unreachable")

	_, err := f.queue.Enqueue(ctx, "A", "profile_extraction", nil)
	require.NoError(t, err)
	require.False(t, f.lockHeld(t))

	_, err = f.queue.Enqueue(ctx, "B", "profile_extraction", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, f.starter.targets())
}

func TestProcessNextEmptyQueueReleasesLock(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	started, err := f.queue.ProcessNext(context.Background())
	require.NoError(t, err)
	require.False(t, started)
	require.False(t, f.lockHeld(t))
}

func TestProcessNextDropsUnreadableEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	_, err := f.store.RPush(ctx, ListKey, "{not json", mustEntry(t, "job-2", "B"))
	require.NoError(t, err)

	started, err := f.queue.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, []string{"B"}, f.starter.targets())
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.queue.SetValidator(func(jobType string, options map[string]any) error {
		if jobType != "profile_extraction" {
			return &orchestrator.ConfigurationError{Field: "job_type", Reason: "unknown"}
		}
		if _, ok := options["target_url"]; !ok {
			return &orchestrator.ConfigurationError{Field: "options.target_url", Reason: "is required"}
		}
		return nil
	})

	var cfgErr *orchestrator.ConfigurationError
	_, err := f.queue.Enqueue(ctx, "A", "unknown", map[string]any{"target_url": "https://a"})
	require.ErrorAs(t, err, &cfgErr)
	_, err = f.queue.Enqueue(ctx, "", "profile_extraction", map[string]any{"target_url": "https://a"})
	require.ErrorAs(t, err, &cfgErr)
	_, err = f.queue.Enqueue(ctx, "A", "profile_extraction", map[string]any{})
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "options.target_url", cfgErr.Field)

	length, err := f.store.LLen(ctx, ListKey)
	require.NoError(t, err)
	require.Zero(t, length)
	require.False(t, f.lockHeld(t))
}

func TestEnqueueWithoutStarterKeepsEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := fake.New(time.Unix(0, 0))
	store := memory.New(clk)
	q := New(store, clk, &seqIDs{}, Config{}, nil)

	_, err := q.Enqueue(ctx, "A", "profile_extraction", nil)
	require.NoError(t, err)
	_, held, err := store.Get(ctx, LockKey)
	require.NoError(t, err)
	require.False(t, held)
	length, err := store.LLen(ctx, ListKey)
	require.NoError(t, err)
	require.EqualValues(t, 1, length)

	_, err = q.ProcessNext(ctx)
	require.Error(t, err)
}

func mustEntry(t *testing.T, jobID, target string) string {
	t.Helper()
	return fmt.Sprintf(`{"job_id":%q,"target_id":%q,"job_type":"profile_extraction","enqueued_at":"2024-01-01T00:00:00Z"}`, jobID, target)
}
