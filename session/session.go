// Package session accumulates streamed audio and turns it into speaker-attributed
// segments on the session's global timeline.
//
// A session buffers incoming chunks until the buffered audio reaches a minimum
// duration, then runs one transcription pass over the whole buffer, shifts the
// resulting timestamps by the running offset and clears the buffer. The offset only
// ever grows, by exactly the duration each pass consumed.
package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/engine"
	"github.com/bosley/dictation/metrics"
	"github.com/bosley/dictation/transcript"
)

const (
	DefaultMinBuffer      = 2.0 // seconds buffered before a pass runs
	DefaultFlushThreshold = 0.3 // seconds a flush needs to bother with a pass
)

type Options struct {
	MinBuffer      float64
	FlushThreshold float64
	Language       string
	// Speaker labels fragments when no diarizer runs
	Speaker string
}

func DefaultOptions() Options {
	return Options{
		MinBuffer:      DefaultMinBuffer,
		FlushThreshold: DefaultFlushThreshold,
		Speaker:        transcript.DefaultSpeaker,
	}
}

func (o Options) withDefaults() Options {
	if o.MinBuffer <= 0 {
		o.MinBuffer = DefaultMinBuffer
	}
	if o.FlushThreshold < 0 {
		o.FlushThreshold = DefaultFlushThreshold
	}
	if o.Speaker == "" {
		o.Speaker = transcript.DefaultSpeaker
	}
	return o
}

type Config struct {
	Transcriber engine.Transcriber
	// Diarizer is optional. When it is set and available each pass is diarized and
	// aligned, otherwise fragments get Options.Speaker.
	Diarizer engine.Diarizer
	Decoder  audio.Decoder
	Logger   *slog.Logger
	Options  Options
}

type Session struct {
	id          uuid.UUID
	created     time.Time
	transcriber engine.Transcriber
	diarizer    engine.Diarizer
	decoder     audio.Decoder
	logger      *slog.Logger
	opts        Options

	// mu serializes chunks, passes and control operations
	mu  sync.Mutex
	buf bytes.Buffer

	// state guards the fields below so accessors never wait on a pass
	state    sync.RWMutex
	offset   float64
	buffered float64
	paused   bool
	language string
	lastEnd  float64
	passes   int
}

func New(cfg Config) *Session {
	opts := cfg.Options.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.New()
	return &Session{
		id:          id,
		created:     time.Now(),
		transcriber: cfg.Transcriber,
		diarizer:    cfg.Diarizer,
		decoder:     cfg.Decoder,
		logger:      logger.With("sessionID", id),
		opts:        opts,
		language:    opts.Language,
	}
}

// AddChunk appends b to the buffer and runs a pass once enough audio has
// accumulated. It returns the segments that pass produced, usually none.
func (s *Session) AddChunk(ctx context.Context, b []byte) []transcript.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Paused() {
		metrics.DroppedChunksTotal.Inc()
		s.logger.Debug("Dropping chunk while paused", "bytes", len(b))
		return []transcript.Segment{}
	}

	s.buf.Write(b)

	duration, err := s.measure(ctx)
	if err != nil {
		return []transcript.Segment{}
	}

	if duration < s.opts.MinBuffer {
		return []transcript.Segment{}
	}

	return s.pass(ctx, "threshold")
}

// Flush runs a final pass over whatever is buffered, provided it is longer than the
// flush threshold. Shorter leftovers stay buffered.
func (s *Session) Flush(ctx context.Context) []transcript.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf.Len() == 0 {
		return []transcript.Segment{}
	}

	whole := s.buf.Len()
	duration, err := s.measure(ctx)
	if err != nil {
		whole, duration, err = s.measureWholeFrames(ctx, err)
		if err != nil {
			s.logger.Warn("Leftover audio cannot be decoded, nothing flushed", "bytes", s.buf.Len(), "error", err)
			return []transcript.Segment{}
		}
	}

	if duration <= s.opts.FlushThreshold {
		s.logger.Debug("Buffer too short to flush", "buffered", duration)
		return []transcript.Segment{}
	}

	if dropped := s.buf.Len() - whole; dropped > 0 {
		s.logger.Warn("Dropping partial frame before flush", "bytes", dropped)
		s.buf.Truncate(whole)
		s.state.Lock()
		s.buffered = duration
		s.state.Unlock()
	}

	return s.pass(ctx, "flush")
}

// measureWholeFrames measures the buffer without its trailing partial frame. It
// returns the length that was measured; err is returned as is when the decoder
// cannot trim.
func (s *Session) measureWholeFrames(ctx context.Context, err error) (int, float64, error) {
	trimmer, ok := s.decoder.(audio.FrameTrimmer)
	if !ok {
		return 0, 0, err
	}
	n := trimmer.WholeFrames(s.buf.Len())
	if n == s.buf.Len() {
		return 0, 0, err
	}
	duration, err := s.decoder.Duration(ctx, s.buf.Bytes()[:n])
	if err != nil {
		return 0, 0, err
	}
	return n, duration, nil
}

func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPaused(true)
}

func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPaused(false)
}

// Reset discards buffered audio and returns the session to its initial timeline
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	if sd, ok := s.decoder.(audio.StreamDecoder); ok {
		sd.Restart()
	}

	s.state.Lock()
	s.offset = 0
	s.buffered = 0
	s.paused = false
	s.lastEnd = 0
	s.passes = 0
	s.state.Unlock()

	s.logger.Debug("Session reset")
}

func (s *Session) SetLanguage(language string) {
	s.state.Lock()
	defer s.state.Unlock()
	s.language = language
}

func (s *Session) setPaused(paused bool) {
	s.state.Lock()
	defer s.state.Unlock()
	s.paused = paused
}

// measure decodes the buffer duration. A buffer that cannot be measured yet leaves
// the session untouched.
func (s *Session) measure(ctx context.Context) (float64, error) {
	duration, err := s.decoder.Duration(ctx, s.buf.Bytes())
	if err != nil {
		metrics.DecodeMissesTotal.Inc()
		if errors.Is(err, audio.ErrIncomplete) {
			s.logger.Debug("Buffer not decodable yet", "bytes", s.buf.Len(), "error", err)
		} else {
			s.logger.Debug("Failed to measure buffer", "bytes", s.buf.Len(), "error", err)
		}
		return 0, err
	}

	s.state.Lock()
	s.buffered = duration
	s.state.Unlock()
	return duration, nil
}

// pass consumes the whole buffer. The offset advances by the consumed duration
// whether or not the capabilities succeed, since the audio is gone either way. A
// stream decoder decides what the next buffer starts with.
func (s *Session) pass(ctx context.Context, trigger string) []transcript.Segment {
	data := make([]byte, s.buf.Len())
	copy(data, s.buf.Bytes())
	s.buf.Reset()

	s.state.Lock()
	consumed := s.buffered
	start := s.offset
	floor := s.lastEnd
	language := s.language
	s.offset += consumed
	s.buffered = 0
	s.passes++
	s.state.Unlock()

	metrics.AudioSecondsTotal.Add(consumed)

	logger := s.logger.With("trigger", trigger, "offset", start, "duration", consumed)

	clip, err := s.decoder.Clip(ctx, data)
	if sd, ok := s.decoder.(audio.StreamDecoder); ok {
		s.buf.Write(sd.Consumed(data, consumed))
	}
	if err != nil {
		logger.Error("Failed to prepare clip", "error", err)
		metrics.RecordPass(trigger, false)
		return []transcript.Segment{}
	}

	if s.transcriber == nil || !s.transcriber.Available() {
		logger.Error("Transcriber unavailable, audio discarded")
		metrics.RecordPass(trigger, false)
		return []transcript.Segment{}
	}

	began := time.Now()
	result, err := s.transcriber.Transcribe(ctx, clip, language)
	metrics.RecordDuration(s.transcriber.Name(), time.Since(began).Seconds())
	if err != nil {
		logger.Error("Transcription failed", "error", err)
		metrics.RecordPass(trigger, false)
		return []transcript.Segment{}
	}

	fragments := clamp(transcript.Shift(result.Fragments, start), floor)
	segments := s.attribute(ctx, clip, fragments, start, logger)

	if n := len(segments); n > 0 {
		s.state.Lock()
		if end := segments[n-1].End; end > s.lastEnd {
			s.lastEnd = end
		}
		s.state.Unlock()
	}

	metrics.RecordPass(trigger, true)
	logger.Info("Transcription pass complete", "segments", len(segments))
	return segments
}

func (s *Session) attribute(ctx context.Context, clip audio.Clip, fragments []transcript.Fragment, start float64, logger *slog.Logger) []transcript.Segment {
	if len(fragments) == 0 {
		return []transcript.Segment{}
	}
	if s.diarizer == nil || !s.diarizer.Available() {
		return transcript.Label(fragments, s.opts.Speaker)
	}

	began := time.Now()
	turns, err := s.diarizer.Diarize(ctx, clip)
	metrics.RecordDuration(s.diarizer.Name(), time.Since(began).Seconds())
	if err != nil {
		logger.Warn("Diarization failed, using single speaker", "error", err)
		return transcript.Label(fragments, s.opts.Speaker)
	}

	shifted := make([]transcript.Turn, len(turns))
	for i, t := range turns {
		shifted[i] = transcript.Turn{Start: t.Start + start, End: t.End + start, Speaker: t.Speaker}
	}
	return transcript.Merge(transcript.Align(fragments, shifted))
}

// clamp drops blank fragments and keeps every fragment at or after floor
func clamp(fragments []transcript.Fragment, floor float64) []transcript.Fragment {
	out := make([]transcript.Fragment, 0, len(fragments))
	for _, f := range fragments {
		if f.Text == "" {
			continue
		}
		if f.Start < floor {
			f.Start = floor
		}
		if f.End < f.Start {
			f.End = f.Start
		}
		floor = f.Start
		out = append(out, f)
	}
	return out
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Created() time.Time { return s.created }

// Offset is the global time, in seconds, at which the buffer begins
func (s *Session) Offset() float64 {
	s.state.RLock()
	defer s.state.RUnlock()
	return s.offset
}

// Buffered is the last measured duration of the pending buffer
func (s *Session) Buffered() float64 {
	s.state.RLock()
	defer s.state.RUnlock()
	return s.buffered
}

func (s *Session) Paused() bool {
	s.state.RLock()
	defer s.state.RUnlock()
	return s.paused
}

func (s *Session) Language() string {
	s.state.RLock()
	defer s.state.RUnlock()
	return s.language
}

// Info is a point-in-time view of a session
type Info struct {
	ID       string    `json:"id"`
	Created  time.Time `json:"created"`
	Offset   float64   `json:"offset"`
	Buffered float64   `json:"buffered"`
	Paused   bool      `json:"paused"`
	Language string    `json:"language,omitempty"`
	Passes   int       `json:"passes"`
}

func (s *Session) Info() Info {
	s.state.RLock()
	defer s.state.RUnlock()
	return Info{
		ID:       s.id.String(),
		Created:  s.created,
		Offset:   s.offset,
		Buffered: s.buffered,
		Paused:   s.paused,
		Language: s.language,
		Passes:   s.passes,
	}
}
