package server

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bosley/dictation/audio"
)

// recording writes one transmission to disk. The file carries a .tmp suffix until
// it is finished so the inbox watcher only ever sees complete recordings.
type recording struct {
	file     *os.File
	clientID uuid.UUID
	started  time.Time
	size     uint32
}

func recordingDir(root string, clientID uuid.UUID) string {
	return filepath.Join(root, time.Now().Format("20060102"), clientID.String())
}

func startRecording(root string, clientID uuid.UUID) (*recording, error) {
	clientDir := recordingDir(root, clientID)
	if err := os.MkdirAll(clientDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create client directory: %w", err)
	}

	timestamp := time.Now().Format("150405") // HHMMSS
	filename := fmt.Sprintf("audio_%s.wav.tmp", timestamp)
	file, err := os.Create(filepath.Join(clientDir, filename))
	if err != nil {
		return nil, err
	}

	if err := audio.WriteWavHeader(file, audio.RecordingFormat, 0); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return &recording{file: file, clientID: clientID, started: time.Now()}, nil
}

func (r *recording) write(data []byte) {
	n, err := r.file.Write(data)
	r.size += uint32(n)
	if err != nil {
		slog.Error("Failed to write chunk data to file", "error", err, "clientID", r.clientID)
	}
}

func (r *recording) final() string {
	return strings.TrimSuffix(r.file.Name(), ".tmp")
}

func (r *recording) seal() error {
	if err := audio.UpdateWavHeader(r.file, r.size); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

func (r *recording) discardIfShort() bool {
	duration := time.Since(r.started)
	if duration >= minRecording {
		return false
	}
	slog.Debug("Dropping short transmission",
		"duration", duration.Seconds(),
		"bytes", r.size,
		"clientID", r.clientID)
	r.file.Close()
	os.Remove(r.file.Name())
	return true
}

// finish seals the header and moves the file to its final name
func (r *recording) finish() {
	if r.discardIfShort() {
		return
	}
	if err := r.seal(); err != nil {
		slog.Error("Failed to update WAV header", "error", err, "clientID", r.clientID)
	}
	if err := os.Rename(r.file.Name(), r.final()); err != nil {
		slog.Error("Failed to finalize recording", "error", err, "clientID", r.clientID)
		return
	}
	slog.Info("Saved recording", "file", r.final(), "bytes", r.size, "clientID", r.clientID)
}

// incomplete keeps an interrupted transmission aside without handing it to the inbox
func (r *recording) incomplete() {
	if r.discardIfShort() {
		return
	}
	slog.Info("Saving incomplete transmission",
		"duration", time.Since(r.started).Seconds(),
		"clientID", r.clientID)
	if err := r.seal(); err != nil {
		slog.Error("Failed to update WAV header", "error", err, "clientID", r.clientID)
	}
	os.Rename(r.file.Name(), r.final()+".incomplete")
}
