package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/config"
	"github.com/bosley/dictation/engine"
	"github.com/bosley/dictation/metrics"
	"github.com/bosley/dictation/transcript"
)

var ErrUnknownMethod = errors.New("unknown transcription method")

// Pipeline transcribes whole files, optionally attributing speakers
type Pipeline struct {
	Local         engine.Transcriber
	Cloud         engine.Transcriber
	Diarizer      engine.Diarizer
	DefaultMethod string
}

func (p *Pipeline) transcriber(method string) (engine.Transcriber, error) {
	if method == "" {
		method = p.DefaultMethod
	}
	switch method {
	case config.MethodLocal:
		if p.Local == nil {
			return nil, &engine.UnavailableError{Capability: "local transcription", Reason: "not configured"}
		}
		return p.Local, nil
	case config.MethodCloud:
		if p.Cloud == nil {
			return nil, &engine.UnavailableError{Capability: "cloud transcription", Reason: "not configured"}
		}
		return p.Cloud, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMethod, method)
	}
}

func (p *Pipeline) diarizationAvailable() bool {
	return p.Diarizer != nil && p.Diarizer.Available()
}

func (p *Pipeline) Health() Health {
	return Health{
		Status:               "healthy",
		WhisperAvailable:     p.Local != nil && p.Local.Available(),
		CloudAvailable:       p.Cloud != nil && p.Cloud.Available(),
		DiarizationAvailable: p.diarizationAvailable(),
	}
}

// Transcribe runs recognition, and diarization when requested and available, over
// the whole clip. Diarization problems never fail the request; the result falls back
// to a single speaker.
func (p *Pipeline) Transcribe(ctx context.Context, clip audio.Clip, req Request) (TranscriptionResult, error) {
	tr, err := p.transcriber(req.Method)
	if err != nil {
		return TranscriptionResult{}, err
	}
	if !tr.Available() {
		return TranscriptionResult{}, &engine.UnavailableError{Capability: tr.Name(), Reason: "not available"}
	}

	diarize := req.Diarize && p.diarizationAvailable()

	var (
		result engine.Result
		turns  []transcript.Turn
		diaErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		began := time.Now()
		defer func() { metrics.RecordDuration(tr.Name(), time.Since(began).Seconds()) }()

		r, err := tr.Transcribe(gctx, clip, req.Language)
		if err != nil {
			return fmt.Errorf("transcription failed: %w", err)
		}
		result = r
		return nil
	})
	if diarize {
		g.Go(func() error {
			began := time.Now()
			defer func() { metrics.RecordDuration(p.Diarizer.Name(), time.Since(began).Seconds()) }()

			turns, diaErr = p.Diarizer.Diarize(gctx, clip)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TranscriptionResult{}, err
	}

	var segments []transcript.Segment
	switch {
	case diarize && diaErr == nil:
		segments = transcript.Merge(transcript.Align(result.Fragments, turns))
	case diarize:
		slog.Warn("Diarization failed, using single speaker", "error", diaErr)
		fallthrough
	default:
		segments = transcript.Label(result.Fragments, transcript.DefaultSpeaker)
	}

	duration := result.Duration
	if duration <= 0 {
		duration = transcript.End(result.Fragments)
	}

	text := result.Text
	if text == "" {
		text = transcript.Text(result.Fragments)
	}

	language := req.Language
	if language == "" {
		language = result.Language
	}

	return TranscriptionResult{
		Text:     text,
		Segments: segments,
		Duration: duration,
		Language: language,
	}, nil
}
