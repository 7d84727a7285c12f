// Package audio holds PCM-16 helpers and the WAV container used for archived
// recordings.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	BytesPerSample = 2 // mono PCM-16
	wavHeaderSize  = 44
)

var (
	ErrEmptyAudio = errors.New("audio chunk is empty")
	ErrOddLength  = errors.New("audio chunk is not whole 16-bit samples")
	ErrNotWAV     = errors.New("not a PCM WAV file")
	ErrSampleRate = errors.New("sample rate must be positive")
)

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// ValidatePCM16 checks that a chunk holds whole little-endian 16-bit samples.
func ValidatePCM16(chunk []byte) error {
	if len(chunk) == 0 {
		return ErrEmptyAudio
	}
	if len(chunk)%BytesPerSample != 0 {
		return ErrOddLength
	}
	return nil
}

// Duration returns the playback length of n bytes of mono PCM-16.
func Duration(n int64, sampleRate int) time.Duration {
	if sampleRate <= 0 || n <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesFor returns how many bytes of mono PCM-16 hold d of audio.
func BytesFor(d time.Duration, sampleRate int) int64 {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	rate := int64(sampleRate)
	samples := int64(d/time.Second)*rate + int64(d%time.Second)*rate/int64(time.Second)
	return samples * BytesPerSample
}

// EncodeWAV wraps raw mono PCM-16 bytes in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w, got %d", ErrSampleRate, sampleRate)
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, ErrOddLength
	}

	numChannels := uint16(1)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(pcm))

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// ReadWAVHeader parses and validates the header of a mono PCM-16 WAV file.
func ReadWAVHeader(data []byte) (WAVHeader, error) {
	var h WAVHeader
	if len(data) < wavHeaderSize {
		return h, fmt.Errorf("%w: need at least %d bytes, got %d", ErrNotWAV, wavHeaderSize, len(data))
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("failed to read WAV header: %w", err)
	}
	switch {
	case string(h.ChunkID[:]) != "RIFF", string(h.Format[:]) != "WAVE":
		return h, fmt.Errorf("%w: missing RIFF/WAVE magic", ErrNotWAV)
	case string(h.Subchunk1ID[:]) != "fmt ", string(h.Subchunk2ID[:]) != "data":
		return h, fmt.Errorf("%w: unexpected chunk layout", ErrNotWAV)
	case h.AudioFormat != 1 || h.BitsPerSample != 16:
		return h, fmt.Errorf("%w: format %d, %d bits", ErrNotWAV, h.AudioFormat, h.BitsPerSample)
	}
	return h, nil
}
