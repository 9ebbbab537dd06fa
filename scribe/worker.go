package scribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/metrics"
)

func (s *Scribe) worker(ctx context.Context) {
	slog.Debug("Worker starting")
	defer func() {
		slog.Debug("Worker shutting down")
		s.workers.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Worker context cancelled")
			return

		case job, ok := <-s.queue:
			if !ok {
				slog.Debug("Worker queue closed")
				return
			}

			if err := s.processJob(ctx, job); err != nil {
				metrics.RecordBatch("inbox", false)
				slog.Error("Failed to process transcription job",
					"error", err,
					"file", job.FilePath)
			}
		}
	}
}

// resultPath is where the transcript of an inbox file is written
func resultPath(audioPath string) string {
	return strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".json"
}

func (s *Scribe) processJob(ctx context.Context, job TranscriptionJob) error {
	slog.Info("Processing audio file", "file", job.FilePath)

	data, err := os.ReadFile(job.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("Audio file not found (likely processed or deleted)", "file", job.FilePath)
			return nil
		}
		return fmt.Errorf("failed to read audio file: %w", err)
	}

	clip := audio.Clip{Data: data, Format: clipFormat(job.FilePath)}
	result, err := s.pipeline.Transcribe(ctx, clip, Request{Diarize: true})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	// Written under a temporary name so the watcher never sees a partial file
	target := resultPath(job.FilePath)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, out, 0644); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write result: %w", err)
	}

	metrics.RecordBatch("inbox", true)
	s.publish(ctx, filepath.Base(job.FilePath), result.Segments)

	slog.Info("Successfully transcribed audio",
		"file", filepath.Base(job.FilePath),
		"segments", len(result.Segments),
		"duration", result.Duration,
		"output", target)

	return nil
}
