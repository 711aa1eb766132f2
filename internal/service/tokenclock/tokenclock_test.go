package tokenclock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/valisauth/internal/apperrors"
	"github.com/nkiryanov/valisauth/internal/testutil"
)

var start = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func waitFired(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("renewal did not fire")
	}
}

func assertNotFired(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
		t.Fatal("renewal fired unexpectedly")
	case <-time.After(50 * time.Millisecond):
	}
}

func Test_TokenClock_Expiry(t *testing.T) {
	tc := New()

	t.Run("exp decoded", func(t *testing.T) {
		exp := start.Add(time.Hour)

		got, err := tc.Expiry(testutil.MintJWT(t, exp))

		require.NoError(t, err)
		assert.True(t, exp.Equal(got))
	})

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-jwt"},
		{name: "opaque", token: "A"},
		{name: "broken payload", token: "eyJhbGciOiJIUzI1NiJ9.@@@.sig"},
		{name: "no exp", token: testutil.MintJWTWithoutExp(t)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tc.Expiry(tt.token)

			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrTokenDecode)
		})
	}
}

func Test_TokenClock_Schedule(t *testing.T) {
	t.Run("fires safety margin before expiry", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		tc := New(WithClock(clock))
		fired := make(chan struct{}, 1)

		tc.Schedule(testutil.MintJWT(t, start.Add(time.Hour)), func() { fired <- struct{}{} })

		deadline, ok := tc.Deadline()
		require.True(t, ok)
		assert.Equal(t, start.Add(55*time.Minute), deadline, "renewal must be armed exp minus 5 minutes")

		clock.Advance(55*time.Minute - time.Second)
		assertNotFired(t, fired)

		clock.Advance(time.Second)
		waitFired(t, fired)
		assert.False(t, tc.Pending(), "nothing pending after firing")
	})

	t.Run("custom safety margin", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		tc := New(WithClock(clock), WithSafetyMargin(time.Minute))

		tc.Schedule(testutil.MintJWT(t, start.Add(time.Hour)), func() {})

		deadline, ok := tc.Deadline()
		require.True(t, ok)
		assert.Equal(t, start.Add(59*time.Minute), deadline)
	})

	t.Run("inside margin fires asynchronously", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		tc := New(WithClock(clock))
		release := make(chan struct{})
		fired := make(chan struct{})

		tc.Schedule(testutil.MintJWT(t, start.Add(2*time.Minute)), func() {
			<-release // blocks forever if run inside Schedule
			close(fired)
		})

		close(release)
		waitFired(t, fired)
	})

	t.Run("already expired fires immediately", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		tc := New(WithClock(clock))
		fired := make(chan struct{}, 1)

		tc.Schedule(testutil.MintJWT(t, start.Add(-time.Hour)), func() { fired <- struct{}{} })

		waitFired(t, fired)
	})

	t.Run("reschedule keeps one timer", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		tc := New(WithClock(clock))
		var first, second atomic.Int32
		fired := make(chan struct{}, 2)

		tc.Schedule(testutil.MintJWT(t, start.Add(time.Hour)), func() { first.Add(1); fired <- struct{}{} })
		tc.Schedule(testutil.MintJWT(t, start.Add(2*time.Hour)), func() { second.Add(1); fired <- struct{}{} })

		clock.Advance(2 * time.Hour)
		waitFired(t, fired)
		assertNotFired(t, fired)

		assert.Equal(t, int32(0), first.Load(), "replaced timer must not fire")
		assert.Equal(t, int32(1), second.Load())
	})

	t.Run("cancel stops pending timer", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		tc := New(WithClock(clock))
		fired := make(chan struct{}, 1)

		tc.Schedule(testutil.MintJWT(t, start.Add(time.Hour)), func() { fired <- struct{}{} })
		require.True(t, tc.Pending())

		tc.Cancel()
		clock.Advance(2 * time.Hour)

		assertNotFired(t, fired)
		assert.False(t, tc.Pending())
		_, ok := tc.Deadline()
		assert.False(t, ok)
	})

	t.Run("stale timer callback is discarded", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		tc := New(WithClock(clock))
		var calls atomic.Int32

		tc.Schedule(testutil.MintJWT(t, start.Add(time.Hour)), func() { calls.Add(1) })
		stale := tc.gen
		tc.Cancel()

		tc.fire(stale) // timer callback that raced the cancel

		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("cancel without pending is noop", func(t *testing.T) {
		tc := New()

		assert.NotPanics(t, func() {
			tc.Cancel()
			tc.Cancel()
		})
		assert.False(t, tc.Pending())
	})

	t.Run("undecodable token schedules nothing", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		tc := New(WithClock(clock))
		fired := make(chan struct{}, 1)

		tc.Schedule("A", func() { fired <- struct{}{} })

		assert.False(t, tc.Pending())
		assertNotFired(t, fired)
	})

	t.Run("token without exp schedules nothing", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		tc := New(WithClock(clock))
		fired := make(chan struct{}, 1)

		tc.Schedule(testutil.MintJWTWithoutExp(t), func() { fired <- struct{}{} })
		clock.Advance(24 * time.Hour)

		assert.False(t, tc.Pending())
		assertNotFired(t, fired)
	})

	t.Run("undecodable token cancels previous timer", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		tc := New(WithClock(clock))
		fired := make(chan struct{}, 1)

		tc.Schedule(testutil.MintJWT(t, start.Add(time.Hour)), func() { fired <- struct{}{} })
		tc.Schedule("garbage", func() {})
		clock.Advance(2 * time.Hour)

		assertNotFired(t, fired)
	})
}

func Test_TokenClock_Retry(t *testing.T) {
	t.Run("fires after delay", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		tc := New(WithClock(clock))
		fired := make(chan struct{}, 1)

		armed := tc.Retry(5*time.Second, func() { fired <- struct{}{} })

		require.True(t, armed)
		deadline, ok := tc.Deadline()
		require.True(t, ok)
		assert.Equal(t, start.Add(5*time.Second), deadline)

		clock.Advance(5 * time.Second)
		waitFired(t, fired)
		assert.False(t, tc.Pending())
	})

	t.Run("pending renewal kept", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		tc := New(WithClock(clock))
		tc.Schedule(testutil.MintJWT(t, start.Add(time.Hour)), func() {})

		armed := tc.Retry(5*time.Second, func() { t.Error("retry must not replace pending renewal") })

		assert.False(t, armed)
		deadline, _ := tc.Deadline()
		assert.Equal(t, start.Add(55*time.Minute), deadline)
		clock.Advance(5 * time.Second)
	})

	t.Run("cancel stops retry", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		tc := New(WithClock(clock))
		fired := make(chan struct{}, 1)
		tc.Retry(5*time.Second, func() { fired <- struct{}{} })

		tc.Cancel()
		clock.Advance(time.Minute)

		assertNotFired(t, fired)
		assert.False(t, tc.Pending())
	})

	t.Run("schedule replaces retry", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(start)
		tc := New(WithClock(clock))
		var retried atomic.Bool
		tc.Retry(5*time.Second, func() { retried.Store(true) })

		tc.Schedule(testutil.MintJWT(t, start.Add(time.Hour)), func() {})
		clock.Advance(time.Minute)
		time.Sleep(20 * time.Millisecond)

		assert.False(t, retried.Load())
		deadline, ok := tc.Deadline()
		require.True(t, ok)
		assert.Equal(t, start.Add(55*time.Minute), deadline)
	})
}

func Test_TokenClock_ExpiryIsUTC(t *testing.T) {
	exp, err := New().Expiry(testutil.MintJWT(t, start.Add(time.Hour)))

	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Hour), exp)
	assert.Equal(t, time.UTC, exp.Location())
}
