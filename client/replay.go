package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/youpy/go-wav"

	"github.com/bosley/dictation/audio"
)

// StreamFile replays a WAV recording to the server as a single transmission and
// waits for the last segments to come back.
func StreamFile(ctx context.Context, cfg Config, filename string, handle SegmentHandler) error {
	file, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	conn, _, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	received := make(chan error, 1)
	go func() {
		received <- receiveSegments(conn, handle)
	}()

	if err := streamWAV(ctx, conn, file, cfg.Realtime); err != nil {
		return err
	}

	// The server answers the end marker, then sees EOF and hangs up
	if err := conn.CloseWrite(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}

	select {
	case err := <-received:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wavSource is what go-wav reads from
type wavSource interface {
	io.Reader
	io.ReaderAt
}

// streamWAV writes one transmission framed as the server expects. Only recordings
// in the client's capture format are accepted.
func streamWAV(ctx context.Context, w io.Writer, r wavSource, realtime bool) error {
	reader := wav.NewReader(r)

	format, err := reader.Format()
	if err != nil {
		return fmt.Errorf("failed to read WAV format: %w", err)
	}
	if int(format.SampleRate) != audio.RecordingFormat.SampleRate ||
		int(format.NumChannels) != audio.RecordingFormat.Channels ||
		int(format.BitsPerSample) != audio.RecordingFormat.BitsPerSample {
		return fmt.Errorf("unsupported WAV format %dHz/%dch/%dbit, want %dHz mono 16-bit",
			format.SampleRate, format.NumChannels, format.BitsPerSample, audio.RecordingFormat.SampleRate)
	}

	chunkDuration := time.Duration(framesPerBuffer) * time.Second / time.Duration(format.SampleRate)
	chunk := make([]int16, 0, framesPerBuffer)
	sent := 0

	sendStartTransmission(w)
	for {
		samples, err := reader.ReadSamples(framesPerBuffer)
		if len(samples) > 0 {
			chunk = chunk[:0]
			for _, sample := range samples {
				chunk = append(chunk, int16(sample.Values[0]))
			}
			if err := sendAudioChunk(ctx, w, chunk); err != nil {
				return fmt.Errorf("failed to send audio chunk: %w", err)
			}
			sent += len(chunk)

			if realtime {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(chunkDuration):
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading from WAV file: %w", err)
		}
	}
	sendEndTransmission(w)

	slog.Info("Finished streaming file",
		"samples", sent,
		"durationSeconds", float64(sent)/float64(format.SampleRate))
	return nil
}
