package audio

import (
	"bytes"
	"encoding/binary"
)

// wavHeader is the 44-byte RIFF/WAVE preamble for uncompressed PCM.
type wavHeader struct {
	RiffID        [4]byte
	RiffSize      uint32
	WaveID        [4]byte
	FmtID         [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataID        [4]byte
	DataSize      uint32
}

// PCMToWAV wraps raw PCM samples in a WAV container so capture dumps open
// in regular players. The negotiated wire format in this module is
// sampleRate=24000, bitsPerSample=16, channels=1.
func PCMToWAV(pcm []byte, sampleRate, bitsPerSample, channels int) []byte {
	align := channels * bitsPerSample / 8
	header := wavHeader{
		RiffID:        [4]byte{'R', 'I', 'F', 'F'},
		RiffSize:      uint32(36 + len(pcm)),
		WaveID:        [4]byte{'W', 'A', 'V', 'E'},
		FmtID:         [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1, // uncompressed PCM
		Channels:      uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * align),
		BlockAlign:    uint16(align),
		BitsPerSample: uint16(bitsPerSample),
		DataID:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	_ = binary.Write(buf, binary.LittleEndian, header)
	buf.Write(pcm)
	return buf.Bytes()
}
