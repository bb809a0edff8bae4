// Package boundary declares the engine's external collaborator
// contracts: the codec, wire-framing, and storage pieces the core
// consumes through OneToOne/ManyToOne/Tail filters but never implements
// itself.
package boundary

import "github.com/zsiec/fluxion/internal/frame"

// Receiver produces Frames from an external source (wire socket, capture
// device). Timestamps are monotonic per stream.
type Receiver interface {
	// NextFrame fills out with the next available frame, reporting
	// produced=false if nothing is available this cycle.
	NextFrame(out *frame.Frame) (produced bool, err error)
}

// Decoder accepts an encoded Frame and produces one with geometry set.
type Decoder interface {
	Decode(in, out *frame.Frame) error
}

// Encoder accepts a raw Frame and produces an encoded one with a codec tag
// and an IsIntra flag for video.
type Encoder interface {
	Encode(in, out *frame.Frame) error
}

// Segmenter consumes an encoded Frame and produces opaque byte segments;
// it is the one collaborator that persists state (manifest and segment
// files) across the otherwise-stateless core.
type Segmenter interface {
	WriteSegment(in *frame.Frame) error
}

// Transmitter consumes an encoded Frame and owns the wire socket. Send is
// its only method; the interface has no way to report per-connection
// stats.
type Transmitter interface {
	Send(in *frame.Frame) error
}
