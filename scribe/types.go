package scribe

import (
	"time"

	"github.com/bosley/dictation/transcript"
)

// TranscriptionResult is the outcome of a whole-file transcription
type TranscriptionResult struct {
	Text     string               `json:"text"`
	Segments []transcript.Segment `json:"segments"`
	Duration float64              `json:"duration"`
	Language string               `json:"language,omitempty"`
}

// Request selects how a file is transcribed
type Request struct {
	Method   string
	Diarize  bool
	Language string
}

// Health reports which capabilities can currently serve requests
type Health struct {
	Status               string `json:"status"`
	WhisperAvailable     bool   `json:"whisper_available"`
	CloudAvailable       bool   `json:"cloud_available"`
	DiarizationAvailable bool   `json:"diarization_available"`
	Sessions             int    `json:"sessions"`
}

// TranscriptionJob represents a job for the worker pool
type TranscriptionJob struct {
	FilePath  string
	Timestamp time.Time
}

// WebSocketMessage is sent to streaming clients
type WebSocketMessage struct {
	Type      string               `json:"type"`
	SessionID string               `json:"session_id"`
	Timestamp time.Time            `json:"timestamp"`
	Segments  []transcript.Segment `json:"segments,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// ControlMessage is a text frame from a streaming client
type ControlMessage struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
}

const (
	ControlPause    = "pause"
	ControlResume   = "resume"
	ControlFlush    = "flush"
	ControlReset    = "reset"
	ControlLanguage = "language"
)
