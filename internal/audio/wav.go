package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	wavHeaderSize  = 44
	bitsPerSample  = 16
	bytesPerSample = bitsPerSample / 8
)

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumFrames     uint32  `json:"num_frames"`
}

// FrameSize returns the size in bytes of one interleaved PCM-16 frame
func FrameSize(channels int) int {
	return channels * bytesPerSample
}

// AlignPCM trims a trailing partial frame so the data holds whole frames only
func AlignPCM(pcm []byte, channels int) []byte {
	frame := FrameSize(channels)
	if frame <= 0 {
		return pcm
	}
	return pcm[:len(pcm)-len(pcm)%frame]
}

// PCMDuration returns the playback duration of interleaved PCM-16 data
func PCMDuration(size, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := size / FrameSize(channels)
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// EncodePCM wraps interleaved little-endian PCM-16 bytes into a WAV container
func EncodePCM(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio data")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if channels <= 0 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}

	if len(pcm)%FrameSize(channels) != 0 {
		return nil, fmt.Errorf("audio data length %d is not a multiple of the %d-byte frame size",
			len(pcm), FrameSize(channels))
	}

	header := newHeader(uint32(len(pcm)), sampleRate, channels)

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

func newHeader(dataSize uint32, sampleRate, channels int) WAVHeader {
	numChannels := uint16(channels)
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * bitsPerSample / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// DecodeWAV decodes WAV data back to interleaved PCM-16 samples
func DecodeWAV(data []byte) ([]int16, *WAVInfo, error) {
	info, err := GetWAVInfo(data)
	if err != nil {
		return nil, nil, err
	}

	if info.BitsPerSample != bitsPerSample {
		return nil, nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", info.BitsPerSample)
	}

	body := data[wavHeaderSize:]
	if int(info.DataSize) > len(body) {
		return nil, nil, fmt.Errorf("WAV data truncated: header declares %d bytes, got %d", info.DataSize, len(body))
	}

	samples := make([]int16, info.DataSize/bytesPerSample)
	if err := binary.Read(bytes.NewReader(body[:info.DataSize]), binary.LittleEndian, samples); err != nil {
		return nil, nil, fmt.Errorf("failed to read audio samples: %w", err)
	}

	return samples, info, nil
}

// validateWAV validates a WAV file format without decoding the audio data
func validateWAV(data []byte) error {
	if len(data) < wavHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	if err := validateWAV(data); err != nil {
		return nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if header.AudioFormat != 1 {
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}

	if header.SampleRate == 0 || header.BlockAlign == 0 {
		return nil, fmt.Errorf("invalid WAV header: sample_rate=%d block_align=%d",
			header.SampleRate, header.BlockAlign)
	}

	numFrames := header.Subchunk2Size / uint32(header.BlockAlign)

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(numFrames) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumFrames:     numFrames,
	}, nil
}
