package transcript

// Align assigns a speaker to every fragment.
//
// A fragment belongs to the first turn, in order, whose closed interval contains the
// fragment's midpoint. When the midpoint sits exactly on the boundary shared by two
// turns, the turn opening there wins over the one closing there. Fragments whose
// midpoint falls in no turn are labelled UnknownSpeaker. Order and timing of the
// fragments are preserved.
//
// A fragment straddling a speaker change goes to whichever turn holds its midpoint.
func Align(fragments []Fragment, turns []Turn) []Segment {
	aligned := make([]Segment, 0, len(fragments))

	for _, f := range fragments {
		aligned = append(aligned, Segment{
			Speaker: speakerAt((f.Start+f.End)/2, turns),
			Start:   f.Start,
			End:     f.End,
			Text:    f.Text,
		})
	}

	return aligned
}

func speakerAt(mid float64, turns []Turn) string {
	speaker := UnknownSpeaker
	found := false
	for _, t := range turns {
		if mid < t.Start || mid > t.End {
			continue
		}
		if !found {
			speaker, found = t.Speaker, true
			if mid < t.End {
				break
			}
			// closing edge; keep looking for a turn that opens here
			continue
		}
		if t.Start == mid {
			speaker = t.Speaker
			break
		}
	}
	return speaker
}
