// Package replay feeds a recorded hex capture through one device pipeline
// on a simulated clock and writes what it produces as JSON lines.
package replay

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"medlink/gateway/internal/adapter"
	"medlink/gateway/internal/pipeline"
	"medlink/gateway/internal/protocol"
)

// ErrBadCapture is returned for a capture that is not hex.
var ErrBadCapture = errors.New("bad capture")

// Options controls one replay.
type Options struct {
	Spec   *protocol.FrameSpec
	Device string
	// Chunk is the number of bytes handed to each Feed. Zero feeds the
	// capture in one call.
	Chunk int
	// Interval is the simulated time between chunks.
	Interval  time.Duration
	MaxBuffer int
	Start     time.Time
}

// Summary is the outcome of a replay.
type Summary struct {
	Protocol   string         `json:"protocol"`
	Chunks     int            `json:"chunks"`
	Elapsed    time.Duration  `json:"elapsed"`
	OpenLosses int            `json:"open_losses"`
	Stats      pipeline.Stats `json:"stats"`
}

// Record is one JSON line of replay output.
type Record struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

type frameRecord struct {
	Seq      uint32 `json:"seq,omitempty"`
	DeviceID uint32 `json:"device_id,omitempty"`
	Length   int    `json:"length"`
	Raw      string `json:"raw"`
	Decoded  any    `json:"decoded,omitempty"`
}

// ReadCapture parses a capture file: hex bytes separated by any whitespace,
// with an optional 0x prefix, and '#' comments to the end of the line.
func ReadCapture(r io.Reader) ([]byte, error) {
	var sb strings.Builder
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		for _, f := range strings.Fields(text) {
			f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
			if len(f)%2 != 0 {
				return nil, fmt.Errorf("%w: line %d: odd hex group %q", ErrBadCapture, line, f)
			}
			sb.WriteString(f)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read capture: %w", err)
	}
	data, err := hex.DecodeString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCapture, err)
	}
	return data, nil
}

// Run feeds data through a fresh pipeline and writes one Record per frame,
// packet, loss event, diagnostic and retry write to w.
func Run(data []byte, w io.Writer, opts Options) (Summary, error) {
	if opts.Start.IsZero() {
		opts.Start = time.Unix(0, 0).UTC()
	}
	if opts.Chunk <= 0 || opts.Chunk > len(data) {
		opts.Chunk = len(data)
	}
	if opts.Device == "" {
		opts.Device = "replay"
	}

	now := opts.Start
	clock := func() time.Time { return now }
	enc := json.NewEncoder(w)
	var werr error
	emit := func(typ string, v any) {
		if werr != nil {
			return
		}
		werr = enc.Encode(Record{Type: typ, At: now, Data: v})
	}

	pipe, err := pipeline.New(pipeline.Config{
		Spec:      opts.Spec,
		Device:    opts.Device,
		MaxBuffer: opts.MaxBuffer,
		Now:       clock,
		Write: func(b []byte) error {
			emit("retry", hex.EncodeToString(b))
			return nil
		},
		Handlers: protocol.Handlers{
			OnFrame: func(f protocol.Frame) {
				rec := frameRecord{Seq: f.Seq, DeviceID: f.DeviceID, Length: f.Length, Raw: hex.EncodeToString(f.Raw)}
				if opts.Spec.Segments == nil {
					rec.Decoded, _ = adapter.DecodeFrame(f)
				}
				emit("frame", rec)
			},
			OnPacket: func(p *protocol.Packet) { emit("packet", p) },
			OnLoss:   func(ev protocol.LossEvent) { emit("loss", ev) },
			OnError:  func(ev protocol.ErrorEvent) { emit("error", ev) },
		},
	})
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Protocol: opts.Spec.Name}
	for off := 0; off < len(data); off += opts.Chunk {
		end := min(off+opts.Chunk, len(data))
		if sum.Chunks > 0 {
			now = now.Add(opts.Interval)
			pipe.Advance(now)
		}
		pipe.Feed(data[off:end])
		sum.Chunks++
		if werr != nil {
			return sum, fmt.Errorf("write output: %w", werr)
		}
	}

	// Let pending retries run out so the summary shows their outcome.
	for {
		at, ok := pipe.NextDeadline()
		if !ok {
			break
		}
		now = at
		pipe.Advance(now)
	}
	if werr != nil {
		return sum, fmt.Errorf("write output: %w", werr)
	}

	sum.Elapsed = now.Sub(opts.Start)
	sum.OpenLosses = len(pipe.OpenLosses())
	sum.Stats = pipe.Stats()
	return sum, nil
}
