package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/transcript"
)

// LazyTranscriber builds its transcriber on first use. Only a successful build is
// kept; after a failure the next call tries again.
type LazyTranscriber struct {
	name  string
	build func() (Transcriber, error)

	mu    sync.Mutex
	inner Transcriber
}

func NewLazyTranscriber(name string, build func() (Transcriber, error)) *LazyTranscriber {
	return &LazyTranscriber{name: name, build: build}
}

func (l *LazyTranscriber) get() (Transcriber, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inner != nil {
		return l.inner, nil
	}

	t, err := l.build()
	if err != nil {
		slog.Error("Failed to initialize transcriber", "name", l.name, "error", err)
		return nil, err
	}
	l.inner = t
	slog.Info("Transcriber initialized", "name", l.name)
	return t, nil
}

func (l *LazyTranscriber) Name() string { return l.name }

func (l *LazyTranscriber) Available() bool {
	t, err := l.get()
	return err == nil && t.Available()
}

func (l *LazyTranscriber) Transcribe(ctx context.Context, clip audio.Clip, language string) (Result, error) {
	t, err := l.get()
	if err != nil {
		return Result{}, unavailable(l.name, err.Error())
	}
	return t.Transcribe(ctx, clip, language)
}

// LazyDiarizer is the diarization counterpart of LazyTranscriber
type LazyDiarizer struct {
	name  string
	build func() (Diarizer, error)

	mu    sync.Mutex
	inner Diarizer
}

func NewLazyDiarizer(name string, build func() (Diarizer, error)) *LazyDiarizer {
	return &LazyDiarizer{name: name, build: build}
}

func (l *LazyDiarizer) get() (Diarizer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inner != nil {
		return l.inner, nil
	}

	d, err := l.build()
	if err != nil {
		slog.Error("Failed to initialize diarizer", "name", l.name, "error", err)
		return nil, err
	}
	l.inner = d
	slog.Info("Diarizer initialized", "name", l.name)
	return d, nil
}

func (l *LazyDiarizer) Name() string { return l.name }

func (l *LazyDiarizer) Available() bool {
	d, err := l.get()
	return err == nil && d.Available()
}

func (l *LazyDiarizer) Diarize(ctx context.Context, clip audio.Clip) ([]transcript.Turn, error) {
	d, err := l.get()
	if err != nil {
		return nil, unavailable(l.name, err.Error())
	}
	return d.Diarize(ctx, clip)
}
