// Package session runs one device pipeline per connection on its own
// goroutine and wires its output to the broker, the registry and metrics.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"medlink/gateway/internal/adapter"
	"medlink/gateway/internal/log"
	"medlink/gateway/internal/metrics"
	"medlink/gateway/internal/pipeline"
	"medlink/gateway/internal/protocol"
	"medlink/gateway/internal/sink"
)

var (
	// ErrClosed is returned when feeding or writing to a finished session.
	ErrClosed = errors.New("session closed")
	// ErrQueueFull is returned when the outbound queue cannot take a write.
	ErrQueueFull = errors.New("outbound queue full")
)

const registryTimeout = 2 * time.Second

// Config describes one device connection.
type Config struct {
	Device   string
	Protocol string
	ConnID   string
	Remote   string
	Spec     *protocol.FrameSpec

	MaxBuffer int
	QueueSize int

	// Optional collaborators.
	Publisher sink.Publisher
	Registry  *Registry
	Metrics   *metrics.Collector
	Logger    *log.Logger
	Now       func() time.Time
}

// Info is a point-in-time view of a session, safe to read from any
// goroutine.
type Info struct {
	Device      string         `json:"device_id"`
	Protocol    string         `json:"protocol"`
	ConnID      string         `json:"conn_id"`
	Remote      string         `json:"remote"`
	ConnectedAt time.Time      `json:"connected_at"`
	LastActive  time.Time      `json:"last_active"`
	LastPacket  time.Time      `json:"last_packet,omitempty"`
	State       string         `json:"state"`
	Buffered    int            `json:"buffered"`
	OpenLosses  int            `json:"open_losses"`
	Stats       pipeline.Stats `json:"stats"`
}

// Session serializes Feed, retry timers and Close for one device.
type Session struct {
	cfg  Config
	log  *log.Logger
	pipe *pipeline.Pipeline

	in      chan []byte
	out     chan []byte
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
	running atomic.Bool

	lastTouch time.Time
	shadow    *shadowWriter

	mu   sync.Mutex
	info Info
}

// New builds the device pipeline. Run must be called to start processing.
func New(cfg Config) (*Session, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}

	s := &Session{
		cfg:     cfg,
		log:     cfg.Logger.ForDevice(cfg.Device, cfg.Protocol, cfg.ConnID),
		in:      make(chan []byte, 16),
		out:     make(chan []byte, cfg.QueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	now := cfg.Now()
	s.info = Info{
		Device:      cfg.Device,
		Protocol:    cfg.Protocol,
		ConnID:      cfg.ConnID,
		Remote:      cfg.Remote,
		ConnectedAt: now,
		LastActive:  now,
		State:       pipeline.StateIdle.String(),
	}

	pipe, err := pipeline.New(pipeline.Config{
		Spec:      cfg.Spec,
		Device:    cfg.Device,
		MaxBuffer: cfg.MaxBuffer,
		Now:       cfg.Now,
		Write:     s.Send,
		Handlers: protocol.Handlers{
			OnFrame:  s.onFrame,
			OnPacket: s.onPacket,
			OnLoss:   s.onLoss,
			OnError:  s.onError,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", cfg.Device, err)
	}
	s.pipe = pipe
	return s, nil
}

// Device returns the device id.
func (s *Session) Device() string { return s.cfg.Device }

// ConnID returns the connection id.
func (s *Session) ConnID() string { return s.cfg.ConnID }

// Outbound delivers bytes to write to the device, in order.
func (s *Session) Outbound() <-chan []byte { return s.out }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run processes input until ctx ends or Close is called.
func (s *Session) Run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	defer close(s.done)

	s.register()
	if r := s.cfg.Registry; r != nil {
		s.shadow = newShadowWriter(r, s.cfg.Device, s.log, s.cfg.Metrics)
	}
	s.log.Info("session started", map[string]any{"remote": s.cfg.Remote})

	var timer *time.Timer
	var fire <-chan time.Time
	arm := func() {
		if timer != nil {
			timer.Stop()
			timer, fire = nil, nil
		}
		if at, ok := s.pipe.NextDeadline(); ok {
			wait := at.Sub(s.cfg.Now())
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			fire = timer.C
		}
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case chunk := <-s.in:
			s.pipe.Feed(chunk)
			s.touch()
			arm()
		case <-fire:
			s.pipe.Advance(s.cfg.Now())
			arm()
		case <-s.closing:
			s.finish()
			return
		case <-ctx.Done():
			s.finish()
			return
		}
		s.snapshot()
	}
}

// Feed hands a transport chunk to the session goroutine. The chunk is
// copied.
func (s *Session) Feed(ctx context.Context, chunk []byte) error {
	select {
	case <-s.closing:
		return ErrClosed
	default:
	}
	buf := append([]byte(nil), chunk...)
	select {
	case s.in <- buf:
		return nil
	case <-s.closing:
		return ErrClosed
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues bytes for the device without blocking.
func (s *Session) Send(b []byte) error {
	select {
	case <-s.closing:
		return ErrClosed
	default:
	}
	select {
	case s.out <- b:
		return nil
	default:
		s.cfg.Metrics.IncOutboundDropped()
		return ErrQueueFull
	}
}

// Close stops the session and waits for a running session to finish. Safe
// to call more than once and from any goroutine.
func (s *Session) Close() {
	s.once.Do(func() { close(s.closing) })
	if s.running.Load() {
		<-s.done
	}
}

// Info returns the latest snapshot.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Session) snapshot() {
	s.mu.Lock()
	s.info.State = s.pipe.State().String()
	s.info.Buffered = s.pipe.Buffered()
	s.info.OpenLosses = len(s.pipe.OpenLosses())
	s.info.Stats = s.pipe.Stats()
	s.mu.Unlock()
}

func (s *Session) touch() {
	now := s.cfg.Now()
	s.mu.Lock()
	s.info.LastActive = now
	s.mu.Unlock()

	r := s.cfg.Registry
	if r == nil || s.shadow == nil || now.Sub(s.lastTouch) < r.TTL()/3 {
		return
	}
	if s.shadow.enqueue(shadowUpdate{touch: true}) {
		s.lastTouch = now
	}
}

func (s *Session) register() {
	r := s.cfg.Registry
	if r == nil {
		return
	}
	s.lastTouch = s.cfg.Now()
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	err := r.Register(ctx, Entry{
		Device:      s.cfg.Device,
		ConnID:      s.cfg.ConnID,
		Protocol:    s.cfg.Protocol,
		Remote:      s.cfg.Remote,
		ConnectedAt: s.info.ConnectedAt,
	})
	if err != nil {
		s.log.Warn("session register failed", map[string]any{"error": err.Error()})
	}
}

func (s *Session) finish() {
	st := s.pipe.Stats()
	s.cfg.Metrics.AbsorbPipeline(metrics.PipelineTotals{
		Protocol:         s.cfg.Protocol,
		BytesIn:          st.BytesIn,
		Frames:           st.Scanner.Frames,
		Packets:          st.Packets,
		ResyncBytes:      st.Scanner.ResyncBytes,
		ChecksumFailures: st.Scanner.ChecksumFailures,
		LengthFailures:   st.Scanner.LengthFailures,
		Overflows:        st.Overflows,
		LossOpened:       st.LossOpened,
		LossRecovered:    st.LossRecovered,
		LossAbandoned:    st.LossAbandoned,
		RetriesSent:      st.RetriesSent,
		RetryFailures:    st.RetryFailures,
		SequenceResets:   st.SequenceResets,
	})
	s.cfg.Metrics.IncSessionClosed()

	if open := len(s.pipe.OpenLosses()); open > 0 {
		s.log.Info("dropping open losses on disconnect", map[string]any{"open": open})
	}
	s.snapshot()
	s.pipe.Close()
	s.mu.Lock()
	s.info.State = s.pipe.State().String()
	s.mu.Unlock()

	if s.shadow != nil {
		s.shadow.close()
	}
	if r := s.cfg.Registry; r != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()
		if err := r.Unregister(ctx, s.cfg.Device, s.cfg.ConnID); err != nil {
			s.log.Warn("session unregister failed", map[string]any{"error": err.Error()})
		}
	}
	s.log.Info("session closed", map[string]any{
		"frames":  st.Scanner.Frames,
		"packets": st.Packets,
		"bytes":   st.BytesIn,
	})
}

func (s *Session) onFrame(f protocol.Frame) {
	if s.cfg.Spec.Segments != nil || s.cfg.Publisher == nil {
		return
	}
	msg := sink.FrameMessage{
		Device:     s.cfg.Device,
		Protocol:   f.Protocol,
		Seq:        f.Seq,
		Raw:        f.Raw,
		ReceivedAt: s.cfg.Now(),
	}
	decoded, err := adapter.DecodeFrame(f)
	switch {
	case err == nil:
		msg.Decoded = decoded
	case errors.Is(err, adapter.ErrNotMeasurement):
	default:
		s.log.Warn("frame decode failed", map[string]any{"error": err.Error(), "seq": f.Seq})
	}
	s.publish("frame", func() error { return s.cfg.Publisher.PublishFrame(msg) })
}

func (s *Session) onPacket(p *protocol.Packet) {
	s.mu.Lock()
	s.info.LastPacket = p.Timestamp
	s.mu.Unlock()

	if s.cfg.Publisher != nil {
		s.publish("packet", func() error { return s.cfg.Publisher.PublishPacket(p) })
	}
	if s.shadow != nil {
		s.shadow.enqueue(shadowUpdate{fields: map[string]any{
			"protocol":       p.Protocol,
			"last_packet_ts": p.Timestamp.UnixMilli(),
			"last_packet_sn": p.Seq,
		}})
	}
}

func (s *Session) onLoss(ev protocol.LossEvent) {
	fields := map[string]any{"seq": ev.Seq, "retries": ev.Retries, "state": ev.State.String()}
	if ev.DeviceID != 0 {
		fields["id"] = ev.DeviceID
	}
	switch ev.State {
	case protocol.LossAbandoned:
		s.log.Info("gap accepted", fields)
	default:
		s.log.Debug("loss event", fields)
	}

	if s.cfg.Publisher != nil {
		s.publish("loss", func() error { return s.cfg.Publisher.PublishLoss(ev) })
	}
	if s.shadow != nil {
		s.shadow.enqueue(shadowUpdate{counter: "loss_" + ev.State.String()})
	}
}

func (s *Session) onError(ev protocol.ErrorEvent) {
	fields := map[string]any{"kind": ev.Kind.String(), "detail": ev.Detail, "bytes": ev.Bytes}
	if ev.Severity == protocol.SeverityWarning {
		if ev.Kind == protocol.KindDesync {
			s.log.Debug("resync", fields)
		} else {
			s.log.Warn("stream warning", fields)
		}
		return
	}

	s.log.Error("stream error", fields)
	if s.cfg.Publisher != nil {
		a := sink.Alert{Device: s.cfg.Device, Event: ev, At: s.cfg.Now()}
		s.publish("alert", func() error { return s.cfg.Publisher.PublishAlert(a) })
	}
}

func (s *Session) publish(what string, f func() error) {
	if err := f(); err != nil {
		s.cfg.Metrics.IncPublishFailure()
		s.log.Warn("publish failed", map[string]any{"what": what, "error": err.Error()})
		return
	}
	s.cfg.Metrics.IncPublishSuccess()
}
