package transcript

// Merge collapses strictly consecutive segments from the same speaker into one
// utterance spanning the first start to the last end, texts joined by a space.
// Runs separated by another speaker stay separate.
func Merge(segments []Segment) []Segment {
	if len(segments) == 0 {
		return []Segment{}
	}

	merged := make([]Segment, 0, len(segments))
	merged = append(merged, segments[0])

	for _, seg := range segments[1:] {
		last := &merged[len(merged)-1]
		if seg.Speaker == last.Speaker {
			last.End = seg.End
			last.Text = last.Text + " " + seg.Text
			continue
		}
		merged = append(merged, seg)
	}

	return merged
}
