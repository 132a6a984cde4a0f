package protocol

import "time"

// Frame is one validated envelope cut from the raw stream. Payload aliases
// Raw. A Frame is handed downstream once and never mutated afterwards.
type Frame struct {
	Protocol      string `json:"protocol" msgpack:"protocol"`
	Raw           []byte `json:"raw" msgpack:"raw"`
	Payload       []byte `json:"-" msgpack:"-"`
	Length        int    `json:"length" msgpack:"length"`
	ChecksumValid bool   `json:"checksum_valid" msgpack:"checksum_valid"`
	DeviceID      uint32 `json:"device_id,omitempty" msgpack:"device_id,omitempty"`
	HasDeviceID   bool   `json:"-" msgpack:"-"`
	Seq           uint32 `json:"seq,omitempty" msgpack:"seq,omitempty"`
	HasSeq        bool   `json:"-" msgpack:"-"`
}

// Channel is one named sample series of a packet.
type Channel struct {
	Name    string    `json:"name" msgpack:"name"`
	Samples []float64 `json:"samples" msgpack:"samples"`
}

// Packet is a completed, timestamped multi-channel episode.
type Packet struct {
	Protocol  string    `json:"protocol" msgpack:"protocol"`
	Device    string    `json:"device" msgpack:"device"`
	Seq       uint64    `json:"seq" msgpack:"seq"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Frames    int       `json:"frames" msgpack:"frames"`
	Channels  []Channel `json:"channels" msgpack:"channels"`
}

// Channel returns the samples of the named channel, or nil.
func (p *Packet) Channel(name string) []float64 {
	for i := range p.Channels {
		if p.Channels[i].Name == name {
			return p.Channels[i].Samples
		}
	}
	return nil
}

// SetChannel replaces or appends a channel.
func (p *Packet) SetChannel(name string, samples []float64) {
	for i := range p.Channels {
		if p.Channels[i].Name == name {
			p.Channels[i].Samples = samples
			return
		}
	}
	p.Channels = append(p.Channels, Channel{Name: name, Samples: samples})
}

// Samples returns the length of the longest channel.
func (p *Packet) Samples() int {
	n := 0
	for _, c := range p.Channels {
		if len(c.Samples) > n {
			n = len(c.Samples)
		}
	}
	return n
}

// LossState is the lifecycle stage reported with a LossEvent.
type LossState int

const (
	LossOpen LossState = iota
	LossRetried
	LossRecovered
	LossAbandoned
)

func (s LossState) String() string {
	switch s {
	case LossOpen:
		return "open"
	case LossRetried:
		return "retried"
	case LossRecovered:
		return "recovered"
	case LossAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML output.
func (s LossState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LossEvent tracks one missing sequence number. DeviceID names the sender
// on links shared by several devices and is zero otherwise.
type LossEvent struct {
	Device        string    `json:"device"`
	Protocol      string    `json:"protocol"`
	DeviceID      uint32    `json:"device_id,omitempty"`
	Seq           uint32    `json:"seq"`
	Retries       int       `json:"retries"`
	FirstDetected time.Time `json:"first_detected"`
	LastRetry     time.Time `json:"last_retry,omitempty"`
	State         LossState `json:"state"`
}
