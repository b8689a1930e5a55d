package sim

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"
)

const (
	minDBm = -100
	maxDBm = -30
)

var (
	ErrLinkDown   = errors.New("sim: link is not connected")
	ErrReadFailed = errors.New("sim: rssi read failed")
)

var afterFuncFn = time.AfterFunc

type LinkSim struct {
	BaseDBm      int
	WalkStepDBm  int
	FailureRate  float64
	ReplyLatency time.Duration
	// DropAfter disconnects the link after it has been up this long; zero
	// keeps it up forever.
	DropAfter time.Duration
	// ReconnectAfter brings a dropped link back; zero leaves it down.
	ReconnectAfter time.Duration
}

// Link is a simulated connection whose signal strength follows a bounded
// random walk. It satisfies rssi.Link.
type Link struct {
	cfg LinkSim

	mu        sync.Mutex
	rng       *rand.Rand
	dbm       int
	connected bool
	requests  uint64
	onChange  []func(connected bool)
}

func NewLink(cfg LinkSim, seed int64) *Link {
	if cfg.BaseDBm == 0 {
		cfg.BaseDBm = -60
	}
	if cfg.WalkStepDBm <= 0 {
		cfg.WalkStepDBm = 2
	}
	return &Link{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(seed)),
		dbm:       clampDBm(cfg.BaseDBm),
		connected: true,
	}
}

func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// RequestRSSI schedules a reply after ReplyLatency. The reply is delivered
// even if the link drops in the meantime, like a late radio callback.
func (l *Link) RequestRSSI(reply func(dbm int, err error)) error {
	if reply == nil {
		return errors.New("sim: reply callback is nil")
	}
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return ErrLinkDown
	}
	l.requests++
	step := l.cfg.WalkStepDBm
	l.dbm = clampDBm(l.dbm + l.rng.Intn(2*step+1) - step)
	dbm := l.dbm
	fail := l.cfg.FailureRate > 0 && l.rng.Float64() < l.cfg.FailureRate
	latency := l.cfg.ReplyLatency
	l.mu.Unlock()

	deliver := func() {
		if fail {
			reply(0, ErrReadFailed)
			return
		}
		reply(dbm, nil)
	}
	if latency <= 0 {
		go deliver()
		return nil
	}
	afterFuncFn(latency, deliver)
	return nil
}

// Requests returns the number of accepted read requests.
func (l *Link) Requests() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.requests
}

// OnChange registers fn to be called after every connection state change.
// fn runs without the link's lock held.
func (l *Link) OnChange(fn func(connected bool)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.onChange = append(l.onChange, fn)
	l.mu.Unlock()
}

func (l *Link) SetConnected(up bool) {
	l.mu.Lock()
	if l.connected == up {
		l.mu.Unlock()
		return
	}
	l.connected = up
	if up {
		l.dbm = clampDBm(l.cfg.BaseDBm)
	}
	hooks := append([]func(bool){}, l.onChange...)
	l.mu.Unlock()

	if up {
		log.Printf("sim: link connected")
	} else {
		log.Printf("sim: link dropped")
	}
	for _, fn := range hooks {
		fn(up)
	}
}

// Run cycles the link through the configured drop/reconnect schedule until ctx
// is done. It returns immediately when DropAfter is zero.
func (l *Link) Run(ctx context.Context) {
	if l.cfg.DropAfter <= 0 {
		return
	}
	for {
		if !sleepCtx(ctx, l.cfg.DropAfter) {
			return
		}
		l.SetConnected(false)
		if l.cfg.ReconnectAfter <= 0 {
			return
		}
		if !sleepCtx(ctx, l.cfg.ReconnectAfter) {
			return
		}
		l.SetConnected(true)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func clampDBm(v int) int {
	if v < minDBm {
		return minDBm
	}
	if v > maxDBm {
		return maxDBm
	}
	return v
}
