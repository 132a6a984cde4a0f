package protocol

import "fmt"

// Handlers are the consumer callbacks of a pipeline. Each one is optional.
// Panics raised inside a handler are recovered and reported through OnError
// so a misbehaving consumer cannot stop the scanning loop.
type Handlers struct {
	OnFrame  func(Frame)
	OnPacket func(*Packet)
	OnLoss   func(LossEvent)
	OnError  func(ErrorEvent)
}

// Frame delivers f to OnFrame when set.
func (h *Handlers) Frame(f Frame) {
	if h.OnFrame == nil {
		return
	}
	defer h.recoverAs(f.Protocol, "OnFrame")
	h.OnFrame(f)
}

// Packet delivers p to OnPacket when set.
func (h *Handlers) Packet(p *Packet) {
	if h.OnPacket == nil {
		return
	}
	defer h.recoverAs(p.Protocol, "OnPacket")
	h.OnPacket(p)
}

// Loss delivers ev to OnLoss when set.
func (h *Handlers) Loss(ev LossEvent) {
	if h.OnLoss == nil {
		return
	}
	defer h.recoverAs(ev.Protocol, "OnLoss")
	h.OnLoss(ev)
}

// Error delivers ev to OnError when set. A panicking OnError is swallowed.
func (h *Handlers) Error(ev ErrorEvent) {
	if h.OnError == nil {
		return
	}
	defer func() { _ = recover() }()
	h.OnError(ev)
}

func (h *Handlers) recoverAs(proto, name string) {
	r := recover()
	if r == nil {
		return
	}
	h.Error(ErrorEvent{
		Kind:     KindHandlerPanic,
		Severity: SeverityError,
		Protocol: proto,
		Detail:   fmt.Sprintf("%s panicked: %v", name, r),
	})
}
