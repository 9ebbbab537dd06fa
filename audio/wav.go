package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/youpy/go-wav"
)

const (
	RecordingSampleRate   = 44100 // Rate the microphone client records at
	WhisperSampleRate     = 16000 // Rate required by Whisper
	AudioSocketSampleRate = 8000  // Asterisk signed linear
	channels              = 1     // Mono audio
	bitsPerSample         = 16    // Using int16 for samples
)

// Format describes interleaved little-endian PCM
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// RecordingFormat is what the microphone client sends
var RecordingFormat = Format{SampleRate: RecordingSampleRate, Channels: channels, BitsPerSample: bitsPerSample}

// AudioSocketFormat is what Asterisk sends over AudioSocket
var AudioSocketFormat = Format{SampleRate: AudioSocketSampleRate, Channels: channels, BitsPerSample: bitsPerSample}

func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// Clip is a complete audio container handed to a capability
type Clip struct {
	Data   []byte
	Format string
}

// WriteTemp writes the clip into a temporary file and returns its path.
// The caller removes the file.
func (c Clip) WriteTemp(dir string) (string, error) {
	ext := c.Format
	if ext == "" {
		ext = "wav"
	}
	file, err := os.CreateTemp(dir, "clip-*."+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create clip file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(c.Data); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("failed to write clip file: %w", err)
	}
	return file.Name(), nil
}

type WavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WriteWavHeader writes a 44-byte PCM header. Recordings written incrementally start
// with a zero size and are patched with UpdateWavHeader once complete.
func WriteWavHeader(w io.Writer, format Format, dataSize uint32) error {
	header := WavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     dataSize + 36,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   wav.AudioFormatPCM,
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.ByteRate()),
		BlockAlign:    uint16(format.BlockAlign()),
		BitsPerSample: uint16(format.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	return binary.Write(w, binary.LittleEndian, header)
}

func UpdateWavHeader(file io.WriteSeeker, dataSize uint32) error {
	// Update ChunkSize (file size - 8)
	if _, err := file.Seek(4, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to ChunkSize: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, uint32(dataSize+36)); err != nil {
		return fmt.Errorf("failed to write ChunkSize: %w", err)
	}

	// Update Subchunk2Size (data size)
	if _, err := file.Seek(40, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to Subchunk2Size: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, dataSize); err != nil {
		return fmt.Errorf("failed to write Subchunk2Size: %w", err)
	}

	return nil
}

// EncodeWAV wraps raw PCM in a WAV container. Trailing bytes that do not fill a
// whole frame are dropped.
func EncodeWAV(pcm []byte, format Format) []byte {
	blockAlign := format.BlockAlign()
	numSamples := len(pcm) / blockAlign

	var out bytes.Buffer
	writer := wav.NewWriter(&out, uint32(numSamples), uint16(format.Channels), uint32(format.SampleRate), uint16(format.BitsPerSample))
	writer.Write(pcm[:numSamples*blockAlign])
	return out.Bytes()
}

// Resample converts any ffmpeg-readable file into 16kHz mono WAV next to the input
// and returns the new path. The input is left in place.
func Resample(ctx context.Context, ffmpegPath, inputPath string) (string, error) {
	return ResampleFrom(ctx, ffmpegPath, inputPath, 0)
}

// ResampleFrom is Resample starting start seconds into the input
func ResampleFrom(ctx context.Context, ffmpegPath, inputPath string, start float64) (string, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	outputPath := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + "_whisper.wav"

	args := []string{"-i", inputPath}
	if start > 0 {
		args = append(args, "-ss", strconv.FormatFloat(start, 'f', 3, 64))
	}
	args = append(args,
		"-ar", fmt.Sprintf("%d", WhisperSampleRate),
		"-ac", "1",
		"-y", // Overwrite output file
		outputPath)

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)

	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to resample audio: %w: %s", err, strings.TrimSpace(string(out)))
	}

	return outputPath, nil
}
