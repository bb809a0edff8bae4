// Package fixture provides dependency-free, in-memory implementations of
// the internal/boundary collaborator contracts. They carry no codec or
// wire logic — only enough behavior to drive the engine's invariants
// through a full pipeline in tests, wired in via internal/boundary's
// adapters rather than the filter hook interfaces directly. GainMixer,
// which has no boundary contract, is the one exception.
package fixture

import (
	"sync"

	"github.com/zsiec/fluxion/internal/boundary"
	"github.com/zsiec/fluxion/internal/frame"
)

var (
	_ boundary.Receiver    = (*FixedReceiver)(nil)
	_ boundary.Decoder     = PassthroughDecoder{}
	_ boundary.Encoder     = PassthroughEncoder{}
	_ boundary.Transmitter = (*RecordingTransmitter)(nil)
	_ boundary.Segmenter   = (*RecordingSegmenter)(nil)
)

// FixedReceiver emits a prescribed number of frames at a fixed
// presentation-time step, then reports produced=false forever after.
type FixedReceiver struct {
	mu        sync.Mutex
	remaining int
	seq       uint64
	ptsStep   int64
	codec     string
	payload   []byte
}

// NewFixedReceiver constructs a FixedReceiver that emits count frames with
// presentation times 0, ptsStep, 2*ptsStep, ....
func NewFixedReceiver(count int, ptsStep int64, codec string, payload []byte) *FixedReceiver {
	return &FixedReceiver{remaining: count, ptsStep: ptsStep, codec: codec, payload: payload}
}

// NextFrame implements boundary.Receiver.
func (r *FixedReceiver) NextFrame(out *frame.Frame) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remaining <= 0 {
		return false, nil
	}
	pts := int64(r.seq) * r.ptsStep
	out.Codec = r.codec
	out.SetSequenceNumber(r.seq)
	out.SetPresentationTime(pts)
	if r.payload != nil {
		out.SetData(r.payload)
	}
	r.seq++
	r.remaining--
	return true, nil
}

// PassthroughDecoder copies payload and timing through unchanged, setting
// geometry to a fixed value — enough to drive a pipeline without real
// codec parsing.
type PassthroughDecoder struct {
	Geometry frame.VideoGeometry
}

// Decode implements boundary.Decoder.
func (d PassthroughDecoder) Decode(in, out *frame.Frame) error {
	out.Kind = in.Kind
	out.Video = d.Geometry
	out.SetSequenceNumber(in.Sequence)
	out.SetPresentationTime(in.PTS)
	out.SetData(in.Payload)
	return nil
}

// PassthroughEncoder copies payload and timing through, tagging the
// output with its Codec and an IsIntra cadence.
type PassthroughEncoder struct {
	Codec     string
	EveryKeyN int // every EveryKeyN-th frame (by sequence) is marked IsIntra
}

// Encode implements boundary.Encoder.
func (e PassthroughEncoder) Encode(in, out *frame.Frame) error {
	out.Kind = in.Kind
	out.Codec = e.Codec
	out.Video = in.Video
	if e.EveryKeyN > 0 {
		out.Video.IsIntra = in.Sequence%uint64(e.EveryKeyN) == 0
	}
	out.SetSequenceNumber(in.Sequence)
	out.SetPresentationTime(in.PTS)
	out.SetData(in.Payload)
	return nil
}

// GainMixer sums each reader's payload, interpreted as little-endian
// int16 PCM samples, scaled by a per-reader gain. Mixing has no
// external-codec analogue among the boundary collaborators, so GainMixer
// implements filter.ManyToOneProcessor directly rather than going
// through an internal/boundary adapter.
type GainMixer struct {
	Gains map[int]float64 // reader id -> gain
}

// DoProcessFrame implements filter.ManyToOneProcessor.
func (m GainMixer) DoProcessFrame(ins map[int]*frame.Frame, out *frame.Frame) (bool, int64, error) {
	var sampleCount int
	for _, in := range ins {
		n := len(in.Payload) / 2
		if n > sampleCount {
			sampleCount = n
		}
	}
	if sampleCount == 0 {
		return false, 1000, nil
	}

	mixed := make([]int32, sampleCount)
	var refAudio frame.AudioGeometry
	var refPTS int64
	var refSeq uint64
	for rid, in := range ins {
		gain, ok := m.Gains[rid]
		if !ok {
			gain = 1
		}
		refAudio = in.Audio
		refPTS = in.PTS
		refSeq = in.Sequence
		for i := 0; i < len(in.Payload)/2 && i < sampleCount; i++ {
			sample := int16(uint16(in.Payload[2*i]) | uint16(in.Payload[2*i+1])<<8)
			mixed[i] += int32(float64(sample) * gain)
		}
	}

	buf := make([]byte, sampleCount*2)
	for i, v := range mixed {
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		buf[2*i] = byte(v)
		buf[2*i+1] = byte(v >> 8)
	}

	out.Kind = frame.KindAudio
	out.Audio = refAudio
	out.SetSequenceNumber(refSeq)
	out.SetPresentationTime(refPTS)
	out.SetData(buf)
	return true, 1000, nil
}

// RecordingTransmitter appends every received frame's raw bytes and
// metadata to an in-memory slice under a mutex, so tests can assert on
// delivery order and count.
type RecordingTransmitter struct {
	mu       sync.Mutex
	Received []RecordedFrame
}

// RecordedFrame is a cheap snapshot of a Frame's metadata and payload,
// safe to retain past the frame slot's reuse.
type RecordedFrame struct {
	Sequence uint64
	PTS      int64
	Codec    string
	Payload  []byte
}

// Send implements boundary.Transmitter.
func (t *RecordingTransmitter) Send(in *frame.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Received = append(t.Received, RecordedFrame{
		Sequence: in.Sequence,
		PTS:      in.PTS,
		Codec:    in.Codec,
		Payload:  append([]byte(nil), in.Payload...),
	})
	return nil
}

// Snapshot returns a copy of the frames received so far.
func (t *RecordingTransmitter) Snapshot() []RecordedFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RecordedFrame(nil), t.Received...)
}

// RecordingSegmenter is RecordingTransmitter's Segmenter-contract
// counterpart: it records one segment per received frame rather than
// sending over a wire socket.
type RecordingSegmenter struct {
	mu       sync.Mutex
	Segments []RecordedFrame
}

// WriteSegment implements boundary.Segmenter.
func (s *RecordingSegmenter) WriteSegment(in *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Segments = append(s.Segments, RecordedFrame{
		Sequence: in.Sequence,
		PTS:      in.PTS,
		Codec:    in.Codec,
		Payload:  append([]byte(nil), in.Payload...),
	})
	return nil
}

// Snapshot returns a copy of the segments written so far.
func (s *RecordingSegmenter) Snapshot() []RecordedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedFrame(nil), s.Segments...)
}
