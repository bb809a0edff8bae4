package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameResetClearsMetadataKeepsCapacity(t *testing.T) {
	f := &Frame{Payload: make([]byte, 0, 64)}
	f.FillVideoMetadata("h264", VideoGeometry{Width: 1280, Height: 720, PixelFormat: PixelFormatYUV420P})
	f.SetData([]byte{1, 2, 3, 4})
	f.SetPresentationTime(40000)
	f.SetSequenceNumber(7)

	cap0 := cap(f.Payload)
	f.Reset()

	require.Equal(t, "", f.Codec)
	require.Equal(t, VideoGeometry{}, f.Video)
	require.Equal(t, int64(0), f.PTS)
	require.Equal(t, uint64(0), f.Sequence)
	require.Len(t, f.Payload, 0)
	require.Equal(t, cap0, cap(f.Payload), "backing array must be reused, not reallocated")
}

func TestFrameSetDataGrowsOnlyWhenNeeded(t *testing.T) {
	f := &Frame{Payload: make([]byte, 0, 4)}
	f.SetData([]byte{1, 2})
	require.Equal(t, 4, cap(f.Payload))

	f.SetData([]byte{1, 2, 3, 4, 5, 6})
	require.Equal(t, 6, len(f.Payload))
	require.GreaterOrEqual(t, cap(f.Payload), 6)
}

func TestConfigurePlanesCarvesPayloadInPlace(t *testing.T) {
	f := &Frame{Payload: make([]byte, 0, 12)}
	f.ConfigurePlanes(8, 2, 2)

	planes := f.PlanarDataBuf()
	require.Len(t, planes, 3)
	require.Len(t, planes[0], 8)
	require.Len(t, planes[1], 2)
	require.Len(t, planes[2], 2)
	require.Len(t, f.Payload, 12)

	// Writing through a plane is visible in the interleaved view.
	planes[1][0] = 0xAB
	require.Equal(t, byte(0xAB), f.Payload[8])

	f.Reset()
	require.Nil(t, f.Planes)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "video", KindVideo.String())
	require.Equal(t, "audio", KindAudio.String())
}
