package scribe

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

var audioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".webm": true,
	".ogg":  true,
	".flac": true,
}

// isInboxAudio reports whether a file in the inbox should be transcribed.
// Resampled intermediates and unfinished recordings are ignored.
func isInboxAudio(path string) bool {
	name := filepath.Base(path)
	if strings.HasSuffix(name, ".tmp") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !audioExtensions[ext] {
		return false
	}
	return !strings.HasSuffix(strings.TrimSuffix(name, filepath.Ext(name)), "_whisper")
}

func (s *Scribe) watchFiles(ctx context.Context) {
	// Watch the inbox and everything already below it
	err := filepath.WalkDir(s.config.InboxDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return s.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		slog.Error("Failed to start watching inbox directory",
			"error", err,
			"path", s.config.InboxDir)
		return
	}

	slog.Info("Started watching inbox directory", "path", s.config.InboxDir)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}

			// Handle the file system event
			if err := s.handleFSEvent(event); err != nil {
				slog.Error("Failed to handle file system event",
					"error", err,
					"event", event)
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

func (s *Scribe) handleFSEvent(event fsnotify.Event) error {
	// Recordings are renamed into place, which surfaces as a create
	if !event.Has(fsnotify.Create) {
		return nil
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return nil
	}

	// If this is a new directory, watch it
	if info.IsDir() {
		if err := s.watcher.Add(event.Name); err != nil {
			return fmt.Errorf("failed to watch new directory: %w", err)
		}
		slog.Info("Watching new directory", "path", event.Name)
		return nil
	}

	if !isInboxAudio(event.Name) {
		return nil
	}

	slog.Info("Found new audio file", "file", event.Name)
	return s.enqueue(event.Name)
}

func (s *Scribe) enqueue(filePath string) error {
	job := TranscriptionJob{
		FilePath:  filePath,
		Timestamp: time.Now(),
	}

	// Add the job to the processing queue
	select {
	case s.queue <- job:
		slog.Info("Queued new audio file for processing", "file", filepath.Base(filePath))
	default:
		return fmt.Errorf("job queue is full")
	}

	return nil
}
