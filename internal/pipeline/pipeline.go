// Package pipeline composes the accumulator, scanner, reassembler and loss
// coordinator of one connected device.
package pipeline

import (
	"fmt"
	"time"

	"medlink/gateway/internal/accumulator"
	"medlink/gateway/internal/loss"
	"medlink/gateway/internal/protocol"
	"medlink/gateway/internal/reassembly"
	"medlink/gateway/internal/scanner"
)

// DefaultMaxBuffer bounds the accumulator when Config.MaxBuffer is zero.
const DefaultMaxBuffer = 16 * 1024

// State is the connection state of a device pipeline.
type State int

const (
	StateIdle State = iota
	StateStreaming
)

func (s State) String() string {
	if s == StateStreaming {
		return "streaming"
	}
	return "idle"
}

// Config wires a pipeline to one device.
type Config struct {
	Spec   *protocol.FrameSpec
	Device string
	// MaxBuffer bounds the bytes kept while waiting for a frame to complete.
	// A value below Spec.MaxFrame trades the largest frames for memory.
	MaxBuffer int
	// Now is the clock used for packet timestamps and loss accounting.
	Now func() time.Time
	// Write sends retry requests to the device. It must not block.
	Write    func([]byte) error
	Handlers protocol.Handlers
}

// Stats counts pipeline activity since creation. Close does not reset it.
type Stats struct {
	Scanner        scanner.Stats
	BytesIn        int64
	Packets        int64
	Overflows      int64
	LossOpened     int64
	LossRecovered  int64
	LossAbandoned  int64
	RetriesSent    int64
	RetryFailures  int64
	SequenceResets int64
}

// Pipeline runs scan, reassembly and loss accounting to completion on every
// Feed. It is not safe for concurrent use.
type Pipeline struct {
	cfg      Config
	spec     *protocol.FrameSpec
	handlers protocol.Handlers

	acc   *accumulator.Accumulator
	scan  *scanner.Scanner
	reasm *reassembly.Reassembler
	loss  *loss.Coordinator

	state State
	stats Stats
}

// New validates cfg.Spec and builds the per-device stages. The error wraps
// protocol.ErrUnknownProtocol.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Spec.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = DefaultMaxBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	p := &Pipeline{cfg: cfg, spec: cfg.Spec}
	p.handlers = cfg.Handlers
	p.acc = accumulator.New(cfg.MaxBuffer)
	p.scan = scanner.New(p.spec, p.report)
	if p.spec.Segments != nil {
		p.reasm = reassembly.New(p.spec, cfg.Device, cfg.Now, p.report)
	}
	if p.spec.Retry != nil {
		p.loss = loss.New(p.spec, cfg.Device, loss.Hooks{
			Write:   p.writeRetry,
			OnLoss:  p.onLoss,
			OnError: p.report,
		})
	}
	return p, nil
}

// Protocol returns the spec name.
func (p *Pipeline) Protocol() string { return p.spec.Name }

// Device returns the device this pipeline serves.
func (p *Pipeline) Device() string { return p.cfg.Device }

// State returns the connection state.
func (p *Pipeline) State() State { return p.state }

// Feed consumes one transport chunk. Nothing raised while processing it
// escapes to the caller; failures are reported through OnError.
func (p *Pipeline) Feed(chunk []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.acc.Clear()
			p.report(protocol.ErrorEvent{
				Kind:     protocol.KindHandlerPanic,
				Severity: protocol.SeverityError,
				Protocol: p.spec.Name,
				Detail:   fmt.Sprintf("feed panicked: %v", r),
			})
		}
	}()

	if len(chunk) == 0 {
		return
	}
	p.stats.BytesIn += int64(len(chunk))
	// Overflow is judged after the scan pass below.
	_, _ = p.acc.Append(chunk)

	p.scan.Scan(p.acc, p.onFrame)
	p.stats.Scanner = p.scan.Stats()

	if n := p.acc.Size(); n > p.cfg.MaxBuffer {
		p.acc.Clear()
		p.stats.Overflows++
		p.report(protocol.ErrorEvent{
			Kind:     protocol.KindOverflow,
			Severity: protocol.SeverityError,
			Protocol: p.spec.Name,
			Detail:   fmt.Sprintf("buffer exceeded %d bytes", p.cfg.MaxBuffer),
			Bytes:    n,
		})
	}
}

// Advance fires retries and abandonments due at now.
func (p *Pipeline) Advance(now time.Time) {
	if p.loss != nil {
		p.loss.Advance(now)
	}
}

// NextDeadline reports when Advance next has work to do.
func (p *Pipeline) NextDeadline() (time.Time, bool) {
	if p.loss == nil {
		return time.Time{}, false
	}
	return p.loss.NextDeadline()
}

// OpenLosses returns the outstanding loss events.
func (p *Pipeline) OpenLosses() []protocol.LossEvent {
	if p.loss == nil {
		return nil
	}
	return p.loss.Open()
}

// Close discards every buffered byte, partial packet and open loss event
// and returns to Idle. Open losses are not reported.
func (p *Pipeline) Close() {
	p.acc.Clear()
	if p.reasm != nil {
		p.reasm.Reset()
	}
	if p.loss != nil {
		p.loss.Reset()
	}
	p.state = StateIdle
}

// Stats returns a copy of the counters.
func (p *Pipeline) Stats() Stats {
	return p.stats
}

// Buffered returns the number of bytes waiting for a frame to complete.
func (p *Pipeline) Buffered() int {
	return p.acc.Size()
}

func (p *Pipeline) onFrame(f protocol.Frame) {
	p.state = StateStreaming
	p.handlers.Frame(f)
	if p.reasm != nil {
		p.reasm.Push(f, p.onPacket)
	}
	if p.loss != nil {
		p.loss.Observe(f, p.cfg.Now())
	}
}

func (p *Pipeline) onPacket(pkt *protocol.Packet) {
	p.stats.Packets++
	p.handlers.Packet(pkt)
}

func (p *Pipeline) onLoss(ev protocol.LossEvent) {
	switch ev.State {
	case protocol.LossOpen:
		p.stats.LossOpened++
	case protocol.LossRecovered:
		p.stats.LossRecovered++
	case protocol.LossAbandoned:
		p.stats.LossAbandoned++
	}
	p.handlers.Loss(ev)
}

func (p *Pipeline) writeRetry(b []byte) error {
	p.stats.RetriesSent++
	if p.cfg.Write == nil {
		return nil
	}
	if err := p.cfg.Write(b); err != nil {
		p.stats.RetryFailures++
		return err
	}
	return nil
}

func (p *Pipeline) report(ev protocol.ErrorEvent) {
	if ev.Kind == protocol.KindSequenceReset {
		p.stats.SequenceResets++
	}
	p.handlers.Error(ev)
}
