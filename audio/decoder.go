package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/youpy/go-wav"
)

// ErrIncomplete reports a buffer that does not (yet) hold a decodable container.
// While chunks accumulate this is the normal state, not a failure.
var ErrIncomplete = errors.New("incomplete audio container")

// Decoder measures accumulated audio and prepares it for a capability
type Decoder interface {
	// Duration returns the seconds of audio held in buf
	Duration(ctx context.Context, buf []byte) (float64, error)

	// Clip turns buf into a container a capability can read
	Clip(ctx context.Context, buf []byte) (Clip, error)
}

// PCMDecoder handles headerless little-endian PCM
type PCMDecoder struct {
	Format Format
}

func NewPCMDecoder(format Format) *PCMDecoder {
	return &PCMDecoder{Format: format}
}

func (d *PCMDecoder) Duration(ctx context.Context, buf []byte) (float64, error) {
	blockAlign := d.Format.BlockAlign()
	if blockAlign <= 0 || d.Format.SampleRate <= 0 {
		return 0, fmt.Errorf("invalid PCM format: %+v", d.Format)
	}
	if len(buf)%blockAlign != 0 {
		return 0, fmt.Errorf("%w: %d bytes is not a whole number of %d-byte frames", ErrIncomplete, len(buf), blockAlign)
	}
	return float64(len(buf)) / float64(d.Format.ByteRate()), nil
}

func (d *PCMDecoder) Clip(ctx context.Context, buf []byte) (Clip, error) {
	return Clip{Data: EncodeWAV(buf, d.Format), Format: "wav"}, nil
}

// StreamDecoder is a Decoder for containers whose header arrives once, at the start
// of a stream. After a pass the session hands the consumed buffer and its duration
// to Consumed and starts the next buffer with whatever Consumed returns. Restart
// forgets the stream so the next buffer must bring its own header.
type StreamDecoder interface {
	Decoder
	Consumed(buf []byte, seconds float64) []byte
	Restart()
}

// FrameTrimmer reports how many leading bytes of an n-byte buffer hold whole frames
type FrameTrimmer interface {
	WholeFrames(n int) int
}

func (d *PCMDecoder) WholeFrames(n int) int {
	blockAlign := d.Format.BlockAlign()
	if blockAlign <= 0 {
		return 0
	}
	return n - n%blockAlign
}

// WAVDecoder handles RIFF/WAV streams. Only data bytes actually present count
// towards the duration, so a file still being received measures what has arrived.
// Once the first buffer has been consumed the rest of the stream is headerless PCM
// in the format that header announced.
type WAVDecoder struct {
	mu     sync.Mutex
	stream *PCMDecoder
}

func NewWAVDecoder() *WAVDecoder {
	return &WAVDecoder{}
}

func (d *WAVDecoder) continued() *PCMDecoder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

func (d *WAVDecoder) Duration(ctx context.Context, buf []byte) (float64, error) {
	if pcm := d.continued(); pcm != nil {
		return pcm.Duration(ctx, buf)
	}

	format, present, err := parseWAV(buf)
	if err != nil {
		return 0, err
	}
	frames := present / int64(format.BlockAlign())
	return float64(frames) / float64(format.SampleRate), nil
}

func (d *WAVDecoder) Clip(ctx context.Context, buf []byte) (Clip, error) {
	if pcm := d.continued(); pcm != nil {
		return pcm.Clip(ctx, buf)
	}
	return Clip{Data: buf, Format: "wav"}, nil
}

// Consumed switches to headerless PCM after the first buffer. Data bytes past the
// last whole frame belong to the next buffer; the data chunk runs to the end of buf
// while streaming.
func (d *WAVDecoder) Consumed(buf []byte, seconds float64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream != nil {
		return nil
	}

	format, present, err := parseWAV(buf)
	if err != nil {
		return nil
	}
	d.stream = NewPCMDecoder(format)

	rem := int(present % int64(format.BlockAlign()))
	if rem == 0 {
		return nil
	}
	carry := make([]byte, rem)
	copy(carry, buf[len(buf)-rem:])
	return carry
}

func (d *WAVDecoder) Restart() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stream = nil
}

// WholeFrames only trims once the header is behind us
func (d *WAVDecoder) WholeFrames(n int) int {
	if pcm := d.continued(); pcm != nil {
		return pcm.WholeFrames(n)
	}
	return n
}

// parseWAV reads the format chunk and counts the data bytes present in buf
func parseWAV(buf []byte) (format Format, present int64, err error) {
	// go-riff panics on short reads instead of returning an error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrIncomplete, r)
		}
	}()

	reader := wav.NewReader(bytes.NewReader(buf))
	wf, err := reader.Format()
	if err != nil {
		return Format{}, 0, fmt.Errorf("%w: %v", ErrIncomplete, err)
	}
	if wf.BlockAlign == 0 || wf.SampleRate == 0 {
		return Format{}, 0, fmt.Errorf("%w: empty format chunk", ErrIncomplete)
	}
	format = Format{
		SampleRate:    int(wf.SampleRate),
		Channels:      int(wf.NumChannels),
		BitsPerSample: int(wf.BitsPerSample),
	}
	if format.BlockAlign() <= 0 {
		return Format{}, 0, fmt.Errorf("%w: unsupported sample layout", ErrIncomplete)
	}

	present, err = io.Copy(io.Discard, reader)
	if err != nil {
		return Format{}, 0, fmt.Errorf("%w: %v", ErrIncomplete, err)
	}
	return format, present, nil
}

// FFmpegDecoder handles compressed containers such as WebM/Opus by shelling out to
// ffprobe and ffmpeg. The container header only arrives once, so the whole stream
// stays buffered and each pass starts where the previous one stopped.
type FFmpegDecoder struct {
	FFmpegPath  string
	FFprobePath string
	// Container is the input format name, e.g. "webm"
	Container string

	mu   sync.Mutex
	skip float64
}

func (d *FFmpegDecoder) ffprobe() string {
	if d.FFprobePath != "" {
		return d.FFprobePath
	}
	return "ffprobe"
}

func (d *FFmpegDecoder) ffmpeg() string {
	if d.FFmpegPath != "" {
		return d.FFmpegPath
	}
	return "ffmpeg"
}

func (d *FFmpegDecoder) Duration(ctx context.Context, buf []byte) (float64, error) {
	if len(buf) == 0 {
		return 0, ErrIncomplete
	}

	args := []string{"-v", "error"}
	if d.Container != "" {
		args = append(args, "-f", d.Container)
	}
	args = append(args,
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		"-i", "pipe:0")

	cmd := exec.CommandContext(ctx, d.ffprobe(), args...)
	cmd.Stdin = bytes.NewReader(buf)

	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("%w: ffprobe: %v", ErrIncomplete, err)
	}

	value := strings.TrimSpace(string(output))
	seconds, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: ffprobe reported %q", ErrIncomplete, value)
	}
	if seconds -= d.consumed(); seconds < 0 {
		seconds = 0
	}
	return seconds, nil
}

func (d *FFmpegDecoder) consumed() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.skip
}

// Consumed keeps the whole container and skips the consumed audio from now on
func (d *FFmpegDecoder) Consumed(buf []byte, seconds float64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.skip += seconds
	return buf
}

func (d *FFmpegDecoder) Restart() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.skip = 0
}

func (d *FFmpegDecoder) Clip(ctx context.Context, buf []byte) (Clip, error) {
	dir, err := os.MkdirTemp("", "dictation-clip-")
	if err != nil {
		return Clip{}, fmt.Errorf("failed to create clip directory: %w", err)
	}
	defer os.RemoveAll(dir)

	ext := d.Container
	if ext == "" {
		ext = "bin"
	}
	inputPath := filepath.Join(dir, "input."+ext)
	if err := os.WriteFile(inputPath, buf, 0644); err != nil {
		return Clip{}, fmt.Errorf("failed to write clip input: %w", err)
	}

	outputPath, err := ResampleFrom(ctx, d.ffmpeg(), inputPath, d.consumed())
	if err != nil {
		return Clip{}, err
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		return Clip{}, fmt.Errorf("failed to read converted clip: %w", err)
	}
	return Clip{Data: data, Format: "wav"}, nil
}

// NewDecoder picks a decoder for a stream format name: "pcm" (or "pcm16"), "wav",
// or any container ffmpeg understands.
func NewDecoder(name string, format Format, ffmpegPath string) Decoder {
	switch strings.ToLower(name) {
	case "", "pcm", "pcm16", "s16le":
		return NewPCMDecoder(format)
	case "wav":
		return NewWAVDecoder()
	default:
		return &FFmpegDecoder{
			FFmpegPath:  ffmpegPath,
			FFprobePath: ffprobeNextTo(ffmpegPath),
			Container:   strings.ToLower(name),
		}
	}
}

func ffprobeNextTo(ffmpegPath string) string {
	if ffmpegPath == "" || !strings.Contains(ffmpegPath, string(filepath.Separator)) {
		return "ffprobe"
	}
	return filepath.Join(filepath.Dir(ffmpegPath), "ffprobe")
}
