package session

import (
	"log/slog"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/engine"
)

// Factory creates registered sessions sharing the same capabilities. Transports
// supply the decoder matching what they receive.
type Factory struct {
	Transcriber engine.Transcriber
	Diarizer    engine.Diarizer
	Logger      *slog.Logger
	Options     Options
	Registry    *Registry
}

// Open creates a session and registers it. Callers Close it when the connection ends.
func (f *Factory) Open(decoder audio.Decoder, attrs ...any) *Session {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(attrs) > 0 {
		logger = logger.With(attrs...)
	}

	s := New(Config{
		Transcriber: f.Transcriber,
		Diarizer:    f.Diarizer,
		Decoder:     decoder,
		Logger:      logger,
		Options:     f.Options,
	})
	if f.Registry != nil {
		f.Registry.Add(s)
	}
	s.logger.Debug("Session opened")
	return s
}

// Close drops the session from the registry. Buffered audio is discarded.
func (f *Factory) Close(s *Session) {
	if f.Registry != nil {
		f.Registry.Remove(s.ID())
	}
	s.logger.Debug("Session closed", "offset", s.Offset())
}
