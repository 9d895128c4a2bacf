package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/scrollmeter/internal/logging"
)

type recorder struct {
	unlocks     []Unlock
	completions []Completion
	err         error
}

func (r *recorder) NotifyUnlock(_ context.Context, u Unlock) error {
	r.unlocks = append(r.unlocks, u)
	return r.err
}

func (r *recorder) NotifyDelivered(_ context.Context, c Completion) error {
	r.completions = append(r.completions, c)
	return r.err
}

func TestHubFanOut(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hub := NewHub(func() time.Time { return at })
	a, cancelA := hub.Subscribe(4)
	b, cancelB := hub.Subscribe(4)
	defer cancelA()

	require.NoError(t, hub.NotifyUnlock(context.Background(), Unlock{EventKey: "k", Title: "100m Regret"}))
	evA := <-a
	evB := <-b
	assert.Equal(t, KindUnlock, evA.Kind)
	assert.Equal(t, at, evA.At)
	assert.Equal(t, "100m Regret", evB.Unlock.Title)

	cancelB()
	cancelB()
	_, open := <-b
	assert.False(t, open)

	require.NoError(t, hub.NotifyDelivered(context.Background(), Completion{EventKey: "k"}))
	ev := <-a
	assert.Equal(t, KindDelivered, ev.Kind)
	assert.Equal(t, "k", ev.Completion.EventKey)
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub(nil)
	_, cancel := hub.Subscribe(1)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, hub.NotifyUnlock(context.Background(), Unlock{}))
	}
	assert.Equal(t, int64(2), hub.Dropped())
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("boom")}
	m := Multi{ok, bad}
	err := m.NotifyUnlock(context.Background(), Unlock{EventKey: "k"})
	require.ErrorContains(t, err, "boom")
	assert.Len(t, ok.unlocks, 1)
	assert.Len(t, bad.unlocks, 1)
	require.Error(t, m.NotifyDelivered(context.Background(), Completion{}))
}

func TestGatedSuppressesUnlocksOnly(t *testing.T) {
	rec := &recorder{}
	enabled := false
	g := Gated{Notifier: rec, Enabled: func() bool { return enabled }}
	require.NoError(t, g.NotifyUnlock(context.Background(), Unlock{}))
	require.NoError(t, g.NotifyDelivered(context.Background(), Completion{}))
	assert.Empty(t, rec.unlocks)
	assert.Len(t, rec.completions, 1)

	enabled = true
	require.NoError(t, g.NotifyUnlock(context.Background(), Unlock{}))
	assert.Len(t, rec.unlocks, 1)
}

func TestDesktopFormatsToast(t *testing.T) {
	var gotTitle, gotBody string
	d := &Desktop{logger: logging.Discard(), send: func(title, body string) error {
		gotTitle, gotBody = title, body
		return nil
	}}
	require.NoError(t, d.NotifyUnlock(context.Background(), Unlock{Title: "100m Regret", Emoji: "📜", Body: strings.Repeat("x", 300)}))
	assert.Equal(t, "📜 100m Regret", gotTitle)
	assert.Len(t, []rune(gotBody), 200)

	d.send = func(string, string) error { return errors.New("no dbus") }
	require.Error(t, d.NotifyUnlock(context.Background(), Unlock{Title: "t"}))
}
