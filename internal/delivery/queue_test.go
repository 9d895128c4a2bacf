package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/scrollmeter/internal/achievements"
	"example.com/scrollmeter/internal/clock"
	"example.com/scrollmeter/internal/kvstore"
	"example.com/scrollmeter/internal/logging"
	"example.com/scrollmeter/internal/notify"
)

type mockDeliverer struct{ mock.Mock }

func (m *mockDeliverer) Deliver(ctx context.Context, job Job) (Receipt, error) {
	args := m.Called(ctx, job)
	return args.Get(0).(Receipt), args.Error(1)
}

type users struct {
	mu sync.Mutex
	id string
}

func (u *users) UserID(context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.id, nil
}

type completions struct {
	notify.Discard
	mu   sync.Mutex
	seen []notify.Completion
}

func (c *completions) NotifyDelivered(_ context.Context, comp notify.Completion) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, comp)
	return nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func unlock(user, key string) achievements.UnlockEvent {
	return achievements.UnlockEvent{
		UserID:   user,
		EventKey: key,
		Trigger:  achievements.Trigger{Type: achievements.TriggerDailyDistance, Value: 100, Site: "instagram", Timestamp: t0},
		Toast:    achievements.Toast{Title: "100m Regret", Body: "body"},
		Snapshot: achievements.Snapshot{DayKey: "2026-03-01", TodayMeters: 120},
	}
}

type queueFixture struct {
	store kvstore.Store
	clock *clock.FakeClock
	users *users
	del   *mockDeliverer
	done  *completions
	q     *Queue
}

func newQueueFixture(user string) *queueFixture {
	f := &queueFixture{
		store: kvstore.NewMemory(),
		clock: clock.NewFake(t0),
		users: &users{id: user},
		del:   &mockDeliverer{},
		done:  &completions{},
	}
	f.q = NewQueue(f.store, f.del, f.users, f.done, f.clock, logging.Discard())
	return f
}

func TestBackoffTable(t *testing.T) {
	cases := map[int]time.Duration{
		0: 2 * time.Second,
		1: 2 * time.Second,
		2: 10 * time.Second,
		3: 30 * time.Second,
		4: 2 * time.Minute,
		5: 5 * time.Minute,
		9: 5 * time.Minute,
	}
	for attempt, want := range cases {
		assert.Equal(t, want, Backoff(attempt), "attempt %d", attempt)
	}
}

func TestEnqueueDedupsAndPersists(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture("u1")

	added, err := f.q.Enqueue(ctx, unlock("u1", "k1"))
	require.NoError(t, err)
	assert.True(t, added)
	added, err = f.q.Enqueue(ctx, unlock("u1", "k1"))
	require.NoError(t, err)
	assert.False(t, added)
	added, err = f.q.Enqueue(ctx, unlock("u2", "k1"))
	require.NoError(t, err)
	assert.True(t, added)

	reopened := NewQueue(f.store, f.del, f.users, nil, f.clock, logging.Discard())
	jobs, err := reopened.Jobs(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, "k1", job.EventKey)
	assert.Zero(t, job.Attempt)
	assert.True(t, job.NextAttemptAt.Equal(t0))
	assert.Equal(t, "100m Regret", job.Toast.Title)
	assert.Equal(t, "2026-03-01", job.Meta["day_key"])

	// Dedup holds across restarts too.
	added, err = reopened.Enqueue(ctx, unlock("u1", "k1"))
	require.NoError(t, err)
	assert.False(t, added)
}

func TestProcessWithoutSessionLeavesJobs(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture("")
	_, err := f.q.Enqueue(ctx, unlock("u1", "k1"))
	require.NoError(t, err)

	s := f.q.Process(ctx)
	assert.True(t, s.NoSession)
	f.del.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
	jobs, err := f.q.Jobs(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Zero(t, jobs[0].Attempt)
}

func TestProcessDeliversAndNotifies(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture("u1")
	_, err := f.q.Enqueue(ctx, unlock("u1", "k1"))
	require.NoError(t, err)
	f.del.On("Deliver", mock.Anything, mock.MatchedBy(func(j Job) bool { return j.EventKey == "k1" })).
		Return(Receipt{AchievementID: "a1", Source: "deterministic"}, nil).Once()

	s := f.q.Process(ctx)
	assert.Equal(t, Summary{Due: 1, Delivered: 1}, s)
	f.del.AssertExpectations(t)

	jobs, err := f.q.Jobs(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
	require.Len(t, f.done.seen, 1)
	assert.Equal(t, "k1", f.done.seen[0].EventKey)
	assert.Equal(t, 1, f.done.seen[0].Attempts)

	var persisted []Job
	_, err = f.store.Get(ctx, queueKey, &persisted)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestProcessBacksOffOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture("u1")
	_, err := f.q.Enqueue(ctx, unlock("u1", "k1"))
	require.NoError(t, err)
	f.del.On("Deliver", mock.Anything, mock.Anything).Return(Receipt{}, errors.New("503"))

	want := []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second, 2 * time.Minute, 5 * time.Minute, 5 * time.Minute}
	for i, delay := range want {
		s := f.q.Process(ctx)
		require.Equal(t, 1, s.Failed, "attempt %d", i+1)
		jobs, err := f.q.Jobs(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, i+1, jobs[0].Attempt)
		assert.Equal(t, "503", jobs[0].LastError)
		assert.Equal(t, delay, jobs[0].NextAttemptAt.Sub(f.clock.Now()))

		// Not due until the delay has passed.
		f.clock.Advance(delay - time.Millisecond)
		assert.Zero(t, f.q.Process(ctx).Due)
		f.clock.Advance(time.Millisecond)
	}
	f.del.AssertNumberOfCalls(t, "Deliver", len(want))
}

func TestProcessIgnoresOtherUsers(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture("u1")
	_, err := f.q.Enqueue(ctx, unlock("u2", "k2"))
	require.NoError(t, err)

	s := f.q.Process(ctx)
	assert.Equal(t, Summary{}, s)
	f.del.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
	jobs, err := f.q.Jobs(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Zero(t, jobs[0].Attempt)
}

func TestProcessIsSingleFlight(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture("u1")
	_, err := f.q.Enqueue(ctx, unlock("u1", "k1"))
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.del.On("Deliver", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(Receipt{AchievementID: "a1"}, nil).Once()

	first := make(chan Summary, 1)
	go func() { first <- f.q.Process(ctx) }()
	<-entered

	assert.True(t, f.q.Process(ctx).Skipped)
	close(release)
	assert.Equal(t, 1, (<-first).Delivered)
	f.del.AssertExpectations(t)
}

func TestNextDue(t *testing.T) {
	ctx := context.Background()
	f := newQueueFixture("u1")
	_, ok := f.q.NextDue("u1")
	assert.False(t, ok)
	_, err := f.q.Enqueue(ctx, unlock("u1", "k1"))
	require.NoError(t, err)
	next, ok := f.q.NextDue("u1")
	require.True(t, ok)
	assert.True(t, next.Equal(t0))
}
