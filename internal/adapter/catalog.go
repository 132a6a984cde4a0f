// Package adapter holds the device catalog: one FrameSpec per supported
// device protocol, with its pure decode and command encode functions.
package adapter

import (
	"fmt"
	"sort"

	"medlink/gateway/internal/protocol"
)

// Options carries per-deployment device data that the catalog cannot know.
type Options struct {
	ECG ECGCalibration
}

// Constructor builds a fresh spec for one protocol.
type Constructor func(opts Options) *protocol.FrameSpec

// Registry maps protocol names to spec constructors.
type Registry struct {
	ctors map[string]Constructor
}

// NewRegistry returns a registry holding the built-in device protocols.
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]Constructor)}
	r.Register(ProtocolECG, func(o Options) *protocol.FrameSpec { return ECG(o.ECG) })
	r.Register(ProtocolResp, func(Options) *protocol.FrameSpec { return Resp() })
	r.Register(ProtocolBP, func(Options) *protocol.FrameSpec { return BloodPressure() })
	r.Register(ProtocolTrainer, func(Options) *protocol.FrameSpec { return Trainer() })
	return r
}

// Register adds or replaces a protocol.
func (r *Registry) Register(name string, ctor Constructor) {
	r.ctors[name] = ctor
}

// Lookup builds and validates the spec registered under name.
func (r *Registry) Lookup(name string, opts Options) (*protocol.FrameSpec, error) {
	ctor, ok := r.ctors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownProtocol, name)
	}
	spec := ctor(opts)
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Names lists the registered protocols in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = NewRegistry()

// Lookup resolves name against the built-in catalog.
func Lookup(name string, opts Options) (*protocol.FrameSpec, error) {
	return defaultRegistry.Lookup(name, opts)
}

// Names lists the built-in protocols.
func Names() []string {
	return defaultRegistry.Names()
}

// DecodeFrame decodes the message carried by a frame of a protocol without
// a segment layout. It returns nil for protocols whose frames only feed
// packets.
func DecodeFrame(f protocol.Frame) (any, error) {
	switch f.Protocol {
	case ProtocolBP:
		return DecodeBloodPressure(f)
	case ProtocolTrainer:
		return DecodeTrainerState(f)
	default:
		return nil, nil
	}
}
