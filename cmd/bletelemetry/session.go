package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"bletelemetry/internal/config"
	"bletelemetry/internal/magcal"
	"bletelemetry/internal/metrics"
	"bletelemetry/internal/mqttpub"
	"bletelemetry/internal/orientation"
	"bletelemetry/internal/replay"
	"bletelemetry/internal/rssi"
	"bletelemetry/internal/sim"
	"bletelemetry/internal/telemetry"
	"bletelemetry/internal/udp"
	"bletelemetry/internal/web"
)

type namedSink struct {
	name string
	sink telemetry.Sink
	// lastErr suppresses repeated identical publish errors in the log.
	lastErr string
}

// session owns one estimator and one sampler for the lifetime of a single
// sensing session and republishes their outputs.
type session struct {
	id  uuid.UUID
	cfg config.Config

	reg       *prometheus.Registry
	estimator *orientation.Estimator
	sampler   *rssi.Sampler
	link      *sim.Link

	status *web.Status
	logs   *web.LogBuffer
	frames *web.FrameBroadcaster
	sinks  []*namedSink

	udpOut   *udp.Broadcaster
	mqttOut  *mqttpub.Publisher
	recorder *replay.Writer

	mu      sync.Mutex
	seq     uint64
	lastErr error
}

var dialMQTTFn = mqttpub.Dial

func newSession(cfg config.Config, logs *web.LogBuffer) (*session, error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}

	s := &session{
		id:     uuid.New(),
		cfg:    c,
		reg:    prometheus.NewRegistry(),
		status: web.NewStatus(),
		logs:   logs,
		frames: web.NewFrameBroadcaster(),
	}
	s.reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	var cal *magcal.Calibration
	mc := c.Orientation.MagCalibration
	if len(mc.Offset) > 0 || len(mc.Matrix) > 0 {
		v, err := magcal.FromSlices(mc.Offset, mc.Matrix)
		if err != nil {
			return nil, fmt.Errorf("orientation.mag_calibration: %w", err)
		}
		cal = &v
	}
	est, err := orientation.New(orientation.Config{
		Alpha:          c.Orientation.Alpha,
		MinSinAngle:    c.Orientation.MinSinAngle,
		MagCalibration: cal,
		Metrics:        metrics.NewOrientation(s.reg),
	})
	if err != nil {
		return nil, err
	}
	s.estimator = est

	s.sampler = rssi.New(rssi.Config{
		Period:                  c.RSSI.Period,
		KeepRunningOnDisconnect: !c.RSSI.AutoStop(),
		Metrics:                 metrics.NewSampler(s.reg),
	})

	l := c.Sim.Link
	s.link = sim.NewLink(sim.LinkSim{
		BaseDBm:        l.Base(),
		WalkStepDBm:    l.WalkStepDBm,
		FailureRate:    l.FailureRate,
		ReplyLatency:   l.ReplyLatency,
		DropAfter:      l.DropAfter,
		ReconnectAfter: l.ReconnectAfter,
	}, l.Seed)

	s.sinks = append(s.sinks, &namedSink{name: "web", sink: s.frames})
	if c.UDP.Dest != "" {
		b, err := udp.NewBroadcaster(c.UDP.Dest)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("udp: %w", err)
		}
		s.udpOut = b
		s.sinks = append(s.sinks, &namedSink{name: "udp", sink: b})
	}
	if c.MQTT.Enable {
		p, err := dialMQTTFn(mqttpub.Config{
			Broker:      c.MQTT.Broker,
			ClientID:    c.MQTT.ClientID,
			TopicPrefix: c.MQTT.TopicPrefix,
			QoS:         c.MQTT.QoS,
		})
		if err != nil {
			// Keep running without MQTT; the other sinks still work.
			log.Printf("mqtt init failed: %v", err)
		} else {
			s.mqttOut = p
			s.sinks = append(s.sinks, &namedSink{name: "mqtt", sink: p})
		}
	}
	if c.Source.Record.Enable {
		w, err := replay.CreateWriter(c.Source.Record.Path)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("source.record: %w", err)
		}
		s.recorder = w
		log.Printf("recording sensor samples to %s", c.Source.Record.Path)
	}

	names := make([]string, 0, len(s.sinks))
	for _, ns := range s.sinks {
		names = append(names, ns.name)
	}
	s.status.SetStatic(s.id.String(), c.Source.Mode, c.Orientation.UpdateInterval, c.RSSI.Period, names)
	return s, nil
}

// Run drives the session until ctx is done.
func (s *session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	if listen := s.cfg.Web.Listen; listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("web listening on %s", listen)
			err := web.Serve(ctx, listen, web.Deps{Status: s.status, Logs: s.logs, Frames: s.frames, Gatherer: s.reg})
			if err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("web: %w", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := s.runSource(ctx)
		switch {
		case err == nil:
			log.Printf("source: finished")
		case errors.Is(err, context.Canceled):
		default:
			log.Printf("source: stopped: %v", err)
		}
	}()

	s.startLink(ctx, &wg)

	ticker := time.NewTicker(s.cfg.Orientation.UpdateInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			runErr = err
			break loop
		case now := <-ticker.C:
			s.step(now)
		}
	}

	cancel()
	s.sampler.Stop()
	wg.Wait()
	return runErr
}

// startLink starts the sampler on the simulated link and keeps it attached
// across drops and reconnects.
func (s *session) startLink(ctx context.Context, wg *sync.WaitGroup) {
	s.link.OnChange(func(up bool) {
		s.status.SetLink(up)
		if !up {
			s.sampler.OnLinkLost()
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err := s.sampler.Start(ctx, s.link); err != nil && !errors.Is(err, rssi.ErrAlreadyRunning) {
			log.Printf("rssi: restart failed: %v", err)
		}
	})

	s.status.SetLink(s.link.Connected())
	if err := s.sampler.Start(ctx, s.link); err != nil {
		log.Printf("rssi: start failed: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.link.Run(ctx)
	}()
}

func (s *session) runSource(ctx context.Context) error {
	switch s.cfg.Source.Mode {
	case "replay":
		rp := s.cfg.Source.Replay
		recs, err := replay.ReadFile(rp.Path)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		log.Printf("replaying %d records from %s speed=%.2fx loop=%t", len(recs), rp.Path, rp.Speed, rp.Loop)
		return replay.Play(ctx, recs, rp.Speed, rp.Loop, nil, func(r replay.Record) error {
			s.feed(r.Kind, r.Vec)
			return nil
		})
	default:
		d := s.cfg.Sim.Device
		dev := sim.DeviceSim{
			YawPeriod:   d.YawPeriod,
			PitchAmpDeg: d.PitchAmpDeg,
			RollAmpDeg:  d.RollAmpDeg,
			FieldUT:     d.FieldUT,
			DipDeg:      d.Dip(),
		}
		return dev.Stream(ctx, d.SampleInterval, d.Noise, d.Seed, func(_ time.Duration, accel, mag orientation.Vector3) {
			s.feed(replay.Accelerometer, accel)
			s.feed(replay.Magnetometer, mag)
		})
	}
}

// feed routes one sensor sample to the estimator and the recorder.
func (s *session) feed(kind replay.Kind, v orientation.Vector3) {
	switch kind {
	case replay.Accelerometer:
		s.estimator.FeedAccelerometer(v)
	case replay.Magnetometer:
		s.estimator.FeedMagnetometer(v)
	default:
		return
	}
	if s.recorder != nil {
		if err := s.recorder.WriteSample(time.Now(), kind, v); err != nil {
			log.Printf("record: %v", err)
		}
	}
}

// step runs one estimator update and publishes the resulting frame. On
// estimator errors the last good fused sample is published unchanged.
func (s *session) step(now time.Time) telemetry.Frame {
	_, err := s.estimator.Update()

	s.mu.Lock()
	if err != nil && (s.lastErr == nil || s.lastErr.Error() != err.Error()) {
		log.Printf("orientation: keeping last sample: %v", err)
	}
	s.lastErr = err
	s.seq++
	f := telemetry.NewFrame(s.id.String(), s.seq, now)
	s.mu.Unlock()

	f.SetOrientation(s.estimator.Current(), s.estimator.Updates(), err)
	r, ok := s.sampler.Latest()
	f.SetRSSI(r, ok, s.sampler.State())

	failed := 0
	for _, ns := range s.sinks {
		err := ns.sink.Publish(f)
		if err != nil {
			failed++
			if msg := err.Error(); msg != ns.lastErr {
				log.Printf("%s: publish failed: %v", ns.name, err)
				ns.lastErr = msg
			}
			continue
		}
		ns.lastErr = ""
	}
	s.status.MarkPublished(now.UTC(), failed)
	s.status.SetRSSIStats(s.sampler.Stats())
	if err != nil {
		s.status.SetLastError(err.Error())
	} else {
		s.status.SetLastError("")
	}
	return f
}

func (s *session) Close() {
	if s == nil {
		return
	}
	s.sampler.Stop()
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			log.Printf("record: close: %v", err)
		}
	}
	if s.udpOut != nil {
		_ = s.udpOut.Close()
	}
	s.mqttOut.Close()
}
