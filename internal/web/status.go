package web

import (
	"sync/atomic"
	"time"

	"bletelemetry/internal/rssi"
)

// Status collects the values served at /api/status. All setters are safe for
// concurrent use.
type Status struct {
	startUnixNano   int64
	framesPublished uint64
	publishErrors   uint64
	lastFrameNano   int64
	session         atomic.Value // string
	source          atomic.Value // string
	updateInterval  atomic.Value // string
	rssiPeriod      atomic.Value // string
	sinks           atomic.Value // []string
	linkConnected   atomic.Bool
	rssiStats       atomic.Value // rssi.Stats
	lastError       atomic.Value // string
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.session.Store("")
	s.source.Store("")
	s.updateInterval.Store("")
	s.rssiPeriod.Store("")
	s.sinks.Store([]string{})
	s.rssiStats.Store(rssi.Stats{})
	s.lastError.Store("")
	return s
}

// SetStatic records values that do not change during a session.
func (s *Status) SetStatic(session, source string, updateInterval, rssiPeriod time.Duration, sinks []string) {
	if session != "" {
		s.session.Store(session)
	}
	if source != "" {
		s.source.Store(source)
	}
	if updateInterval > 0 {
		s.updateInterval.Store(updateInterval.String())
	}
	if rssiPeriod > 0 {
		s.rssiPeriod.Store(rssiPeriod.String())
	}
	if sinks != nil {
		s.sinks.Store(append([]string(nil), sinks...))
	}
}

func (s *Status) MarkPublished(nowUTC time.Time, failed int) {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	atomic.StoreInt64(&s.lastFrameNano, nowUTC.UnixNano())
	atomic.AddUint64(&s.framesPublished, 1)
	if failed > 0 {
		atomic.AddUint64(&s.publishErrors, uint64(failed))
	}
}

func (s *Status) SetLink(connected bool) { s.linkConnected.Store(connected) }

func (s *Status) SetRSSIStats(st rssi.Stats) { s.rssiStats.Store(st) }

// SetLastError records the most recent host-level error; empty clears it.
func (s *Status) SetLastError(msg string) { s.lastError.Store(msg) }

type StatusSnapshot struct {
	Service         string     `json:"service"`
	NowUTC          string     `json:"now_utc"`
	UptimeSec       int64      `json:"uptime_sec"`
	Session         string     `json:"session"`
	Source          string     `json:"source"`
	UpdateInterval  string     `json:"update_interval"`
	RSSIPeriod      string     `json:"rssi_period"`
	Sinks           []string   `json:"sinks"`
	FramesPublished uint64     `json:"frames_published_total"`
	PublishErrors   uint64     `json:"publish_errors_total"`
	LastFrameUTC    string     `json:"last_frame_utc,omitempty"`
	LinkConnected   bool       `json:"link_connected"`
	RSSI            rssi.Stats `json:"rssi"`
	LastError       string     `json:"last_error,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	last := atomic.LoadInt64(&s.lastFrameNano)

	snap := StatusSnapshot{
		Service:         "bletelemetry",
		NowUTC:          nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:       int64(nowUTC.Sub(start).Seconds()),
		Session:         s.session.Load().(string),
		Source:          s.source.Load().(string),
		UpdateInterval:  s.updateInterval.Load().(string),
		RSSIPeriod:      s.rssiPeriod.Load().(string),
		Sinks:           s.sinks.Load().([]string),
		FramesPublished: atomic.LoadUint64(&s.framesPublished),
		PublishErrors:   atomic.LoadUint64(&s.publishErrors),
		LinkConnected:   s.linkConnected.Load(),
		RSSI:            s.rssiStats.Load().(rssi.Stats),
		LastError:       s.lastError.Load().(string),
	}
	if last != 0 {
		snap.LastFrameUTC = time.Unix(0, last).UTC().Format(time.RFC3339Nano)
	}
	return snap
}
