// Package rssi periodically samples the received signal strength of a live
// link.
package rssi

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"bletelemetry/internal/metrics"
	"bletelemetry/internal/monoclock"
)

const DefaultPeriod = 100 * time.Millisecond

var (
	ErrAlreadyRunning = errors.New("rssi: sampler already running")
	ErrInvalidLink    = errors.New("rssi: link is not connected")
)

// Link is a connected bidirectional link owned by the host.
//
// RequestRSSI starts an asynchronous signal-strength read and must return
// promptly. reply is called at most once, from any goroutine, possibly long
// after the sampler has stopped. Neither method may call back into the
// Sampler's Stop or OnLinkLost synchronously.
type Link interface {
	Connected() bool
	RequestRSSI(reply func(dbm int, err error)) error
}

type Config struct {
	// Period between read requests. Defaults to DefaultPeriod.
	Period time.Duration
	// KeepRunningOnDisconnect skips ticks that find the link disconnected.
	// By default such a tick moves the sampler to Idle and drops the link.
	KeepRunningOnDisconnect bool

	Metrics *metrics.Sampler
}

type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

// Reading is one captured RSSI value.
type Reading struct {
	DBm int `json:"dbm"`
	// At is the monotonic capture time.
	At time.Duration `json:"at_ns"`
	// Seq is the request sequence number within the sampler's lifetime.
	Seq uint64 `json:"seq"`
}

type Stats struct {
	Ticks     uint64 `json:"ticks"`
	Requests  uint64 `json:"requests"`
	Failures  uint64 `json:"failures"`
	Discarded uint64 `json:"discarded"`
	Captured  uint64 `json:"captured"`
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

var newTickerFn = func(d time.Duration) ticker { return timeTicker{t: time.NewTicker(d)} }

var nowFn = monoclock.Now

type Sampler struct {
	cfg Config

	// linkMu serializes use of the link (validity check + request) against
	// Stop and OnLinkLost, so no request is issued on a released link.
	// Lock order: linkMu before mu.
	linkMu sync.Mutex

	mu         sync.Mutex
	state      State
	epoch      uint64
	link       Link
	stopCh     chan struct{}
	seq        uint64
	latest     Reading
	haveLatest bool
	stats      Stats
}

func New(cfg Config) *Sampler {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	return &Sampler{cfg: cfg}
}

// Start begins sampling link every period. The first request is issued one
// period after Start. Cancelling ctx stops the sampler.
func (s *Sampler) Start(ctx context.Context, link Link) error {
	if s == nil {
		return errors.New("rssi: sampler is nil")
	}
	if ctx == nil {
		return errors.New("rssi: ctx is nil")
	}

	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Running {
		return ErrAlreadyRunning
	}
	if link == nil || !link.Connected() {
		return ErrInvalidLink
	}

	s.epoch++
	s.state = Running
	s.link = link
	s.stopCh = make(chan struct{})
	s.latest = Reading{}
	s.haveLatest = false
	s.cfg.Metrics.SetRunning(true)

	go s.run(ctx, s.epoch, newTickerFn(s.cfg.Period), s.stopCh)
	return nil
}

// Stop cancels sampling. Replies still in flight are discarded when they
// arrive. Safe to call repeatedly or before Start.
//
// Stop never waits for a reply, but if a tick is inside link.RequestRSSI it
// waits for that call to return, so no request is ever issued on a link the
// sampler has already released.
func (s *Sampler) Stop() {
	if s == nil {
		return
	}
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haltLocked()
}

// OnLinkLost tells the sampler the link was torn down. The link reference
// is dropped as soon as any RequestRSSI call in progress returns.
func (s *Sampler) OnLinkLost() {
	if s == nil {
		return
	}
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.haltLocked() {
		log.Printf("rssi: link lost, sampler stopped")
	}
}

// Latest returns the most recent successful reading of the current (or last)
// session.
func (s *Sampler) Latest() (Reading, bool) {
	if s == nil {
		return Reading{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.haveLatest
}

func (s *Sampler) State() State {
	if s == nil {
		return Idle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sampler) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// haltLocked ends the running session. It reports whether a session was
// running.
func (s *Sampler) haltLocked() bool {
	if s.state != Running {
		return false
	}
	s.epoch++
	s.state = Idle
	s.link = nil
	close(s.stopCh)
	s.stopCh = nil
	s.cfg.Metrics.SetRunning(false)
	return true
}

func (s *Sampler) run(ctx context.Context, epoch uint64, t ticker, stopCh <-chan struct{}) {
	defer t.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			s.linkMu.Lock()
			s.mu.Lock()
			if s.epoch == epoch {
				s.haltLocked()
			}
			s.mu.Unlock()
			s.linkMu.Unlock()
			return
		case <-t.C():
			if !s.tick(epoch) {
				return
			}
		}
	}
}

// tick issues one read request. It returns false once the session is over.
func (s *Sampler) tick(epoch uint64) bool {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()

	s.mu.Lock()
	if s.state != Running || s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	s.stats.Ticks++
	link := s.link
	if !link.Connected() {
		if !s.cfg.KeepRunningOnDisconnect {
			s.haltLocked()
			s.mu.Unlock()
			log.Printf("rssi: link no longer connected, sampler stopped")
			return false
		}
		s.mu.Unlock()
		return true
	}
	s.seq++
	seq := s.seq
	s.stats.Requests++
	s.mu.Unlock()
	s.cfg.Metrics.RequestIssued()

	// The reply may run synchronously, so mu must not be held here.
	err := link.RequestRSSI(func(dbm int, err error) {
		s.deliver(epoch, seq, dbm, err)
	})
	if err != nil {
		s.mu.Lock()
		s.stats.Failures++
		s.mu.Unlock()
		s.cfg.Metrics.ReadFailed()
	}
	return true
}

func (s *Sampler) deliver(epoch, seq uint64, dbm int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Running || s.epoch != epoch {
		s.stats.Discarded++
		s.cfg.Metrics.ReplyDiscarded()
		return
	}
	if err != nil {
		s.stats.Failures++
		s.cfg.Metrics.ReadFailed()
		return
	}
	// A slow reply must not overwrite a newer one.
	if s.haveLatest && seq < s.latest.Seq {
		s.stats.Discarded++
		s.cfg.Metrics.ReplyDiscarded()
		return
	}
	s.latest = Reading{DBm: dbm, At: nowFn(), Seq: seq}
	s.haveLatest = true
	s.stats.Captured++
	s.cfg.Metrics.Captured(dbm)
}
