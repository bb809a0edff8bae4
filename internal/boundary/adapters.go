package boundary

import (
	"github.com/zsiec/fluxion/internal/filter"
	"github.com/zsiec/fluxion/internal/frame"
)

// The collaborator contracts in boundary.go say nothing about pacing — a Receiver
// either has a frame or it doesn't, a Decoder either succeeds or fails.
// Rescheduling cadence is a filter.*Processor concern, so every adapter
// here takes the hint it hands back to the pool as an explicit parameter
// rather than inventing one.

type receiverAdapter struct {
	r          Receiver
	hintMicros int64
}

// ReceiverAdapter lets any Receiver drive a HeadFilter, reporting
// hintMicros back to the pool on every cycle regardless of whether a
// frame was produced.
func ReceiverAdapter(r Receiver, hintMicros int64) filter.HeadProcessor {
	return receiverAdapter{r: r, hintMicros: hintMicros}
}

func (a receiverAdapter) DoProcessFrame(_ int, out *frame.Frame) (bool, int64, error) {
	produced, err := a.r.NextFrame(out)
	return produced, a.hintMicros, err
}

type decoderAdapter struct {
	d          Decoder
	hintMicros int64
}

// DecoderAdapter lets any Decoder drive a OneToOneFilter.
func DecoderAdapter(d Decoder, hintMicros int64) filter.OneToOneProcessor {
	return decoderAdapter{d: d, hintMicros: hintMicros}
}

func (a decoderAdapter) DoProcessFrame(in, out *frame.Frame) (int64, error) {
	return a.hintMicros, a.d.Decode(in, out)
}

type encoderAdapter struct {
	e          Encoder
	hintMicros int64
}

// EncoderAdapter lets any Encoder drive a OneToOneFilter.
func EncoderAdapter(e Encoder, hintMicros int64) filter.OneToOneProcessor {
	return encoderAdapter{e: e, hintMicros: hintMicros}
}

func (a encoderAdapter) DoProcessFrame(in, out *frame.Frame) (int64, error) {
	return a.hintMicros, a.e.Encode(in, out)
}

type segmenterAdapter struct {
	s          Segmenter
	hintMicros int64
}

// SegmenterAdapter lets any Segmenter drive a TailFilter, writing one
// segment per frame ready this cycle.
func SegmenterAdapter(s Segmenter, hintMicros int64) filter.TailProcessor {
	return segmenterAdapter{s: s, hintMicros: hintMicros}
}

func (a segmenterAdapter) DoProcessFrame(ins map[int]*frame.Frame) (int64, error) {
	for _, in := range ins {
		if err := a.s.WriteSegment(in); err != nil {
			return a.hintMicros, err
		}
	}
	return a.hintMicros, nil
}

type transmitterAdapter struct {
	t          Transmitter
	hintMicros int64
}

// TransmitterAdapter lets any Transmitter drive a TailFilter. hintMicros
// is also how a slow consumer's pacing is expressed to the pool: a
// transmitter that can only keep up with one frame every 100ms reports
// hintMicros=100000 here.
func TransmitterAdapter(t Transmitter, hintMicros int64) filter.TailProcessor {
	return transmitterAdapter{t: t, hintMicros: hintMicros}
}

func (a transmitterAdapter) DoProcessFrame(ins map[int]*frame.Frame) (int64, error) {
	for _, in := range ins {
		if err := a.t.Send(in); err != nil {
			return a.hintMicros, err
		}
	}
	return a.hintMicros, nil
}
