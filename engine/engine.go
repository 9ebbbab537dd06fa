// Package engine adapts external speech capabilities (recognition and speaker
// diarization) behind small interfaces. Callers check Available before invoking a
// capability; invoking one that is not configured yields ErrUnavailable.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/transcript"
)

var ErrUnavailable = errors.New("capability unavailable")

// UnavailableError names the capability and why it cannot run
type UnavailableError struct {
	Capability string
	Reason     string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %s", e.Capability, e.Reason)
}

func (e *UnavailableError) Unwrap() error {
	return ErrUnavailable
}

func unavailable(capability, reason string) error {
	return &UnavailableError{Capability: capability, Reason: reason}
}

// Result is what a transcriber returns for one clip. Fragment times are relative to
// the start of the clip.
type Result struct {
	Text      string
	Fragments []transcript.Fragment
	Language  string
	Duration  float64
}

type Transcriber interface {
	Name() string
	Available() bool
	// Transcribe recognizes speech in clip. An empty language means the capability
	// decides.
	Transcribe(ctx context.Context, clip audio.Clip, language string) (Result, error)
}

type Diarizer interface {
	Name() string
	Available() bool
	Diarize(ctx context.Context, clip audio.Clip) ([]transcript.Turn, error)
}

// Noop stands in for a capability that is switched off
type Noop struct {
	Label string
}

func (n Noop) Name() string {
	if n.Label == "" {
		return "noop"
	}
	return n.Label
}

func (Noop) Available() bool { return false }

func (n Noop) Transcribe(ctx context.Context, clip audio.Clip, language string) (Result, error) {
	return Result{}, unavailable(n.Name(), "disabled")
}

func (n Noop) Diarize(ctx context.Context, clip audio.Clip) ([]transcript.Turn, error) {
	return nil, unavailable(n.Name(), "disabled")
}
