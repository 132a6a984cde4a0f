package protocol

import "fmt"

// ErrorKind classifies non-fatal streaming diagnostics.
type ErrorKind int

const (
	// KindDesync means leading bytes did not match the header and were dropped.
	KindDesync ErrorKind = iota
	// KindChecksum means a candidate frame failed checksum validation.
	KindChecksum
	// KindLength means a candidate frame declared an impossible length.
	KindLength
	// KindOverflow means the accumulator was cleared to bound memory.
	KindOverflow
	// KindDecode means a frame payload could not be split into segments.
	KindDecode
	// KindRetryWrite means a retransmission request could not be written.
	KindRetryWrite
	// KindSequenceReset means a sequence jump was too large to recover.
	KindSequenceReset
	// KindHandlerPanic means a consumer callback panicked.
	KindHandlerPanic
)

func (k ErrorKind) String() string {
	switch k {
	case KindDesync:
		return "desync"
	case KindChecksum:
		return "checksum_mismatch"
	case KindLength:
		return "bad_length"
	case KindOverflow:
		return "buffer_overflow"
	case KindDecode:
		return "decode"
	case KindRetryWrite:
		return "retry_write"
	case KindSequenceReset:
		return "sequence_reset"
	case KindHandlerPanic:
		return "handler_panic"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind by name.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Severity ranks an ErrorEvent.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// MarshalText renders the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrorEvent is a diagnostic reported through Handlers.OnError. It is never
// returned across the Feed boundary.
type ErrorEvent struct {
	Kind     ErrorKind `json:"kind"`
	Severity Severity  `json:"severity"`
	Protocol string    `json:"protocol"`
	Detail   string    `json:"detail"`
	// Bytes is the number of buffered bytes dropped by the recovery action.
	Bytes int `json:"bytes,omitempty"`
}

func (e ErrorEvent) Error() string {
	if e.Bytes > 0 {
		return fmt.Sprintf("%s %s: %s (%d bytes dropped)", e.Protocol, e.Kind, e.Detail, e.Bytes)
	}
	return fmt.Sprintf("%s %s: %s", e.Protocol, e.Kind, e.Detail)
}
