// Package transcript holds the timeline types shared by the streaming and batch
// paths, and the alignment and coalescing steps that turn recognizer fragments and
// diarizer turns into speaker segments.
package transcript

import (
	"fmt"
	"strings"
)

const (
	// UnknownSpeaker labels fragments no diarization turn accounts for
	UnknownSpeaker = "Unknown"

	// DefaultSpeaker labels fragments when diarization is not in play
	DefaultSpeaker = "Speaker"
)

// Fragment is a timestamped unit of recognized speech, in seconds
type Fragment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Turn is an interval the diarizer attributes to one speaker
type Turn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Segment is the externally visible transcript unit
type Segment struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
}

func (s Segment) String() string {
	return fmt.Sprintf("[%.2f-%.2f] %s: %s", s.Start, s.End, s.Speaker, s.Text)
}

// Shift re-anchors clip-relative fragments onto the recording timeline.
// A new slice is returned; the input is left untouched.
func Shift(fragments []Fragment, offset float64) []Fragment {
	shifted := make([]Fragment, len(fragments))
	for i, f := range fragments {
		shifted[i] = Fragment{
			Start: f.Start + offset,
			End:   f.End + offset,
			Text:  f.Text,
		}
	}
	return shifted
}

// Label tags every fragment with the same speaker, without merging
func Label(fragments []Fragment, speaker string) []Segment {
	segments := make([]Segment, len(fragments))
	for i, f := range fragments {
		segments[i] = Segment{
			Speaker: speaker,
			Start:   f.Start,
			End:     f.End,
			Text:    f.Text,
		}
	}
	return segments
}

// Text joins fragment texts with single spaces, skipping blanks
func Text(fragments []Fragment) string {
	var builder strings.Builder
	for _, f := range fragments {
		text := strings.TrimSpace(f.Text)
		if text == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString(" ")
		}
		builder.WriteString(text)
	}
	return builder.String()
}

// End returns the latest end time in the sequence, or 0 when empty
func End(fragments []Fragment) float64 {
	var end float64
	for _, f := range fragments {
		if f.End > end {
			end = f.End
		}
	}
	return end
}

// Validate checks the ordering invariants of a segment sequence
func Validate(segments []Segment) error {
	for i, s := range segments {
		if s.Start > s.End {
			return fmt.Errorf("segment %d: start %.3f after end %.3f", i, s.Start, s.End)
		}
		if i > 0 && s.Start < segments[i-1].Start {
			return fmt.Errorf("segment %d: start %.3f before previous start %.3f", i, s.Start, segments[i-1].Start)
		}
	}
	return nil
}
