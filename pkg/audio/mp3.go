package audio

import (
	"bytes"
	"fmt"
	"io"

	mp3 "github.com/hajimehoshi/go-mp3"
)

// DecodedSegment is the result of decoding a container-format payload into
// raw PCM ready for the playback device.
type DecodedSegment struct {
	PCM          []byte
	SampleRateHz int
	Channels     int
}

// DecodeMP3 decodes an MP3 payload into PCM16LE. Sessions that negotiate an
// "mp3" output format receive container bytes on the wire instead of raw
// PCM; the decoder always emits two interleaved channels.
func DecodeMP3(data []byte) (DecodedSegment, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return DecodedSegment{}, fmt.Errorf("open mp3 stream: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return DecodedSegment{}, fmt.Errorf("decode mp3 stream: %w", err)
	}
	return DecodedSegment{
		PCM:          pcm,
		SampleRateHz: dec.SampleRate(),
		Channels:     2,
	}, nil
}
