// Package frame defines the media unit that flows across every queue in
// the engine: an immutable-once-committed frame of audio or video with
// codec metadata, a reusable payload buffer, and a presentation timestamp.
package frame

import "fmt"

// Kind distinguishes the two media types the core understands. The core
// never branches on codec identity beyond propagating it; Kind is the one
// axis it does reason about (queue typing, mixer fan-in, geometry shape).
type Kind uint8

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// PixelFormat is an opaque, closed tag for raw video sample layout. The
// core only ever compares or propagates it; the meaning of each value is
// owned by whichever Decoder/Encoder boundary produced it.
type PixelFormat uint8

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatYUV420P
	PixelFormatYUV422P
	PixelFormatNV12
	PixelFormatRGBA
)

// SampleFormat is the audio analogue of PixelFormat.
type SampleFormat uint8

const (
	SampleFormatUnknown SampleFormat = iota
	SampleFormatS16
	SampleFormatS32
	SampleFormatFLTP
)

// VideoGeometry describes a video frame's picture shape. Geometry is set
// once at allocation; a later change must be signaled to downstream
// filters via a reconfigure event rather than silently mutated.
type VideoGeometry struct {
	Width       int
	Height      int
	PixelFormat PixelFormat
	IsIntra     bool
}

// AudioGeometry describes an audio frame's sample layout.
type AudioGeometry struct {
	Channels     int
	SampleRate   int
	SampleFormat SampleFormat
	SampleCount  int
}

// Frame is a media unit living in exactly one FrameQueue slot at a time.
// Its payload buffer is allocated once, at queue construction, and reused
// in place for the life of the queue; only the metadata and the logical
// length of Payload change between commits.
//
// A Frame is lent to a producer between GetRear and Commit, and to a
// consumer between GetFront and Release; it must never be lent to both
// at once (the queue enforces this, not Frame itself).
type Frame struct {
	Kind  Kind
	Codec string

	Video VideoGeometry
	Audio AudioGeometry

	PTS      int64 // presentation time, monotonic microseconds since engine start
	DTS      int64 // decode time; zero means "not set"
	HasDTS   bool
	Sequence uint64

	Payload []byte // logical length; cap(Payload) is the slot's fixed capacity

	// Planes, when non-empty, views Payload as planar data: each element
	// aliases a contiguous region of the payload buffer (Y/U/V planes for
	// video, one plane per channel for planar audio). Configured by the
	// producer via ConfigurePlanes before commit.
	Planes [][]byte
}

// Reset clears metadata and truncates the payload to zero length without
// releasing the underlying array, so the slot's backing buffer is reused
// by the next writer.
func (f *Frame) Reset() {
	f.Codec = ""
	f.Video = VideoGeometry{}
	f.Audio = AudioGeometry{}
	f.PTS = 0
	f.DTS = 0
	f.HasDTS = false
	f.Sequence = 0
	f.Payload = f.Payload[:0]
	f.Planes = nil
}

// FillVideoMetadata sets codec and video geometry. Callers should treat a
// change of geometry on a slot already carrying committed frames of a
// different geometry as configuration drift and raise a reconfigure event
// rather than call this mid-flight.
func (f *Frame) FillVideoMetadata(codec string, geom VideoGeometry) {
	f.Kind = KindVideo
	f.Codec = codec
	f.Video = geom
}

// FillAudioMetadata sets codec and audio geometry.
func (f *Frame) FillAudioMetadata(codec string, geom AudioGeometry) {
	f.Kind = KindAudio
	f.Codec = codec
	f.Audio = geom
}

// SetPresentationTime sets the frame's PTS. Called by the producing
// Writer before Commit.
func (f *Frame) SetPresentationTime(ptsMicros int64) {
	f.PTS = ptsMicros
}

// SetDecodeTime sets the frame's optional DTS.
func (f *Frame) SetDecodeTime(dtsMicros int64) {
	f.DTS = dtsMicros
	f.HasDTS = true
}

// SetSequenceNumber sets the frame's monotonic sequence number.
func (f *Frame) SetSequenceNumber(n uint64) {
	f.Sequence = n
}

// DataBuf returns the frame's payload buffer for in-place writing. The
// caller must not retain it past Commit (producer side) or Release
// (consumer side).
func (f *Frame) DataBuf() []byte {
	return f.Payload
}

// ConfigurePlanes carves the payload buffer into len(sizes) contiguous
// planes, growing the underlying array only if the total exceeds the
// slot's current capacity. The logical payload length becomes the sum of
// the plane sizes.
func (f *Frame) ConfigurePlanes(sizes ...int) {
	total := 0
	for _, n := range sizes {
		total += n
	}
	if cap(f.Payload) < total {
		f.Payload = make([]byte, total)
	} else {
		f.Payload = f.Payload[:total]
	}
	f.Planes = f.Planes[:0]
	off := 0
	for _, n := range sizes {
		f.Planes = append(f.Planes, f.Payload[off:off+n:off+n])
		off += n
	}
}

// PlanarDataBuf returns the per-plane views configured by ConfigurePlanes,
// under the same lending rules as DataBuf.
func (f *Frame) PlanarDataBuf() [][]byte {
	return f.Planes
}

// SetData copies src into the frame's payload buffer, growing the
// underlying array only if src exceeds the slot's current capacity.
func (f *Frame) SetData(src []byte) {
	f.Planes = nil
	if cap(f.Payload) < len(src) {
		f.Payload = make([]byte, len(src))
	} else {
		f.Payload = f.Payload[:len(src)]
	}
	copy(f.Payload, src)
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame{kind=%s codec=%s pts=%d seq=%d len=%d}",
		f.Kind, f.Codec, f.PTS, f.Sequence, len(f.Payload))
}
