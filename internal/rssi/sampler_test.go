package rssi

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"bletelemetry/internal/metrics"
)

type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.stopped.Store(true) }

func installFakeTicker(t *testing.T) <-chan *fakeTicker {
	t.Helper()
	created := make(chan *fakeTicker, 8)
	old := newTickerFn
	newTickerFn = func(d time.Duration) ticker {
		ft := &fakeTicker{ch: make(chan time.Time)}
		created <- ft
		return ft
	}
	t.Cleanup(func() { newTickerFn = old })
	return created
}

func nextTicker(t *testing.T, created <-chan *fakeTicker) *fakeTicker {
	t.Helper()
	select {
	case ft := <-created:
		return ft
	case <-time.After(time.Second):
		t.Fatalf("no ticker created")
		return nil
	}
}

func (f *fakeTicker) fire(t *testing.T) {
	t.Helper()
	select {
	case f.ch <- time.Now():
	case <-time.After(time.Second):
		t.Fatalf("tick not consumed")
	}
}

type fakeLink struct {
	connected atomic.Bool
	requests  atomic.Int64
	requested chan int

	// respond handles request n; nil parks the reply in pending.
	respond func(n int, reply func(int, error)) error

	mu      sync.Mutex
	pending []func(int, error)
}

func newFakeLink() *fakeLink {
	l := &fakeLink{requested: make(chan int, 64)}
	l.connected.Store(true)
	return l
}

func (l *fakeLink) Connected() bool { return l.connected.Load() }

func (l *fakeLink) RequestRSSI(reply func(int, error)) error {
	n := int(l.requests.Add(1))
	var err error
	if l.respond != nil {
		err = l.respond(n, reply)
	} else {
		l.mu.Lock()
		l.pending = append(l.pending, reply)
		l.mu.Unlock()
	}
	l.requested <- n
	return err
}

func (l *fakeLink) pendingReply(t *testing.T, i int) func(int, error) {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	require.Greater(t, len(l.pending), i)
	return l.pending[i]
}

func waitRequest(t *testing.T, l *fakeLink) int {
	t.Helper()
	select {
	case n := <-l.requested:
		return n
	case <-time.After(time.Second):
		t.Fatalf("no request issued")
		return 0
	}
}

func TestStart_RejectsInvalidLinkAndDoubleStart(t *testing.T) {
	installFakeTicker(t)
	s := New(Config{})
	ctx := context.Background()

	require.ErrorIs(t, s.Start(ctx, nil), ErrInvalidLink)

	down := newFakeLink()
	down.connected.Store(false)
	require.ErrorIs(t, s.Start(ctx, down), ErrInvalidLink)
	require.Equal(t, Idle, s.State())

	link := newFakeLink()
	require.NoError(t, s.Start(ctx, link))
	require.Equal(t, Running, s.State())
	require.ErrorIs(t, s.Start(ctx, link), ErrAlreadyRunning)

	s.Stop()
	require.Equal(t, Idle, s.State())
}

func TestStop_IdempotentAndSafeBeforeStart(t *testing.T) {
	s := New(Config{})
	require.NotPanics(t, func() {
		s.Stop()
		s.Stop()
		s.OnLinkLost()
	})
	var nilSampler *Sampler
	require.NotPanics(t, func() { nilSampler.Stop() })
}

func TestStartThenStop_NoReadingAndTickerReleased(t *testing.T) {
	created := installFakeTicker(t)
	s := New(Config{})
	link := newFakeLink()

	require.NoError(t, s.Start(context.Background(), link))
	ft := nextTicker(t, created)
	s.Stop()

	_, ok := s.Latest()
	require.False(t, ok)
	require.Eventually(t, ft.stopped.Load, time.Second, time.Millisecond)
	require.Equal(t, int64(0), link.requests.Load())
}

func TestStop_LateReplyIsDiscarded(t *testing.T) {
	created := installFakeTicker(t)
	s := New(Config{})
	link := newFakeLink()

	require.NoError(t, s.Start(context.Background(), link))
	ft := nextTicker(t, created)
	ft.fire(t)
	waitRequest(t, link)

	s.Stop()
	link.pendingReply(t, 0)(-50, nil)

	_, ok := s.Latest()
	require.False(t, ok)
	require.Equal(t, uint64(1), s.Stats().Discarded)
}

func TestRestart_ReplyFromPreviousSessionIsDiscarded(t *testing.T) {
	created := installFakeTicker(t)
	s := New(Config{})
	link := newFakeLink()
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, link))
	nextTicker(t, created).fire(t)
	waitRequest(t, link)
	s.Stop()

	require.NoError(t, s.Start(ctx, link))
	nextTicker(t, created)
	link.pendingReply(t, 0)(-42, nil)

	_, ok := s.Latest()
	require.False(t, ok)
	require.Equal(t, Running, s.State())
	s.Stop()
}

func TestTicks_FailedRequestDoesNotHaltSchedule(t *testing.T) {
	created := installFakeTicker(t)
	s := New(Config{})
	link := newFakeLink()
	link.respond = func(n int, reply func(int, error)) error {
		if n == 3 {
			reply(0, errors.New("gatt busy"))
			return nil
		}
		reply(-40-n, nil)
		return nil
	}

	require.NoError(t, s.Start(context.Background(), link))
	ft := nextTicker(t, created)
	for i := 1; i <= 5; i++ {
		ft.fire(t)
		require.Equal(t, i, waitRequest(t, link))
	}

	got, ok := s.Latest()
	require.True(t, ok)
	require.Equal(t, -45, got.DBm)
	require.Equal(t, uint64(5), got.Seq)
	require.Equal(t, int64(5), link.requests.Load())

	st := s.Stats()
	require.Equal(t, uint64(5), st.Requests)
	require.Equal(t, uint64(1), st.Failures)
	require.Equal(t, uint64(4), st.Captured)
	require.Equal(t, Running, s.State())
	s.Stop()
}

func TestTicks_SynchronousRequestErrorIsSwallowed(t *testing.T) {
	created := installFakeTicker(t)
	s := New(Config{})
	link := newFakeLink()
	link.respond = func(n int, reply func(int, error)) error {
		if n == 1 {
			return errors.New("not connected to gatt server")
		}
		reply(-70, nil)
		return nil
	}

	require.NoError(t, s.Start(context.Background(), link))
	ft := nextTicker(t, created)
	ft.fire(t)
	waitRequest(t, link)
	ft.fire(t)
	waitRequest(t, link)

	require.Eventually(t, func() bool { return s.Stats().Failures == 1 }, time.Second, time.Millisecond)
	got, ok := s.Latest()
	require.True(t, ok)
	require.Equal(t, -70, got.DBm)
	s.Stop()
}

func TestTicks_OlderReplyDoesNotOverwriteNewer(t *testing.T) {
	created := installFakeTicker(t)
	s := New(Config{})
	link := newFakeLink()

	require.NoError(t, s.Start(context.Background(), link))
	ft := nextTicker(t, created)
	ft.fire(t)
	waitRequest(t, link)
	ft.fire(t)
	waitRequest(t, link)

	link.pendingReply(t, 1)(-60, nil)
	link.pendingReply(t, 0)(-90, nil)

	got, ok := s.Latest()
	require.True(t, ok)
	require.Equal(t, -60, got.DBm)
	require.Equal(t, uint64(2), got.Seq)
	require.Equal(t, uint64(1), s.Stats().Discarded)
	s.Stop()
}

func TestTick_DisconnectedLinkAutoStopsByDefault(t *testing.T) {
	created := installFakeTicker(t)
	s := New(Config{})
	link := newFakeLink()

	require.NoError(t, s.Start(context.Background(), link))
	ft := nextTicker(t, created)
	link.connected.Store(false)
	ft.fire(t)

	require.Eventually(t, func() bool { return s.State() == Idle }, time.Second, time.Millisecond)
	require.Eventually(t, ft.stopped.Load, time.Second, time.Millisecond)
	require.Equal(t, int64(0), link.requests.Load())
}

func TestTick_DisconnectedLinkSkippedWithoutAutoStop(t *testing.T) {
	created := installFakeTicker(t)
	s := New(Config{KeepRunningOnDisconnect: true})
	link := newFakeLink()
	link.respond = func(n int, reply func(int, error)) error {
		reply(-55, nil)
		return nil
	}

	require.NoError(t, s.Start(context.Background(), link))
	ft := nextTicker(t, created)
	link.connected.Store(false)
	ft.fire(t)
	require.Eventually(t, func() bool { return s.Stats().Ticks == 1 }, time.Second, time.Millisecond)
	require.Equal(t, Running, s.State())
	require.Equal(t, int64(0), link.requests.Load())

	link.connected.Store(true)
	ft.fire(t)
	waitRequest(t, link)
	got, ok := s.Latest()
	require.True(t, ok)
	require.Equal(t, -55, got.DBm)
	s.Stop()
}

func TestOnLinkLost_StopsAndDiscardsInFlight(t *testing.T) {
	created := installFakeTicker(t)
	s := New(Config{})
	link := newFakeLink()

	require.NoError(t, s.Start(context.Background(), link))
	ft := nextTicker(t, created)
	ft.fire(t)
	waitRequest(t, link)

	s.OnLinkLost()
	require.Equal(t, Idle, s.State())
	link.pendingReply(t, 0)(-48, nil)
	_, ok := s.Latest()
	require.False(t, ok)

	s.mu.Lock()
	held := s.link
	s.mu.Unlock()
	require.Nil(t, held)
}

func TestContextCancelStopsSampler(t *testing.T) {
	created := installFakeTicker(t)
	s := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx, newFakeLink()))
	ft := nextTicker(t, created)
	cancel()

	require.Eventually(t, func() bool { return s.State() == Idle }, time.Second, time.Millisecond)
	require.Eventually(t, ft.stopped.Load, time.Second, time.Millisecond)
}

func TestRealTicker_CapturesReadings(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(Config{Period: 2 * time.Millisecond, Metrics: metrics.NewSampler(reg)})
	link := newFakeLink()
	link.respond = func(n int, reply func(int, error)) error {
		go reply(-30-n%10, nil)
		return nil
	}

	require.NoError(t, s.Start(context.Background(), link))
	defer s.Stop()

	require.Eventually(t, func() bool {
		_, ok := s.Latest()
		return ok && s.Stats().Captured >= 3
	}, 2*time.Second, time.Millisecond)

	got, _ := s.Latest()
	require.Greater(t, got.At, time.Duration(0))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "running", Running.String())
	require.Equal(t, "unknown", State(9).String())
}

func TestStop_WaitsForRequestCallThenDiscardsReply(t *testing.T) {
	created := installFakeTicker(t)
	s := New(Config{})
	link := newFakeLink()
	entered := make(chan struct{})
	release := make(chan struct{})
	var reply func(int, error)
	link.respond = func(n int, r func(int, error)) error {
		reply = r
		close(entered)
		<-release
		return nil
	}

	require.NoError(t, s.Start(context.Background(), link))
	ft := nextTicker(t, created)
	ft.fire(t)
	<-entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatalf("Stop returned while RequestRSSI was still issuing")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	waitRequest(t, link)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("Stop did not return after RequestRSSI")
	}

	// The reply itself arrives after Stop and is not waited for.
	reply(-40, nil)
	_, ok := s.Latest()
	require.False(t, ok)
	require.Equal(t, uint64(1), s.Stats().Discarded)
	require.Equal(t, int64(1), link.requests.Load())
}
