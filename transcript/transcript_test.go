package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlign(t *testing.T) {
	tests := []struct {
		name      string
		fragments []Fragment
		turns     []Turn
		want      []Segment
	}{
		{
			name:      "midpoint on a turn start",
			fragments: []Fragment{{Start: 1, End: 3, Text: "hello"}},
			turns:     []Turn{{Start: 0, End: 1.5, Speaker: "S0"}, {Start: 2, End: 5, Speaker: "S2"}},
			want:      []Segment{{Speaker: "S2", Start: 1, End: 3, Text: "hello"}},
		},
		{
			name:      "midpoint inside second turn",
			fragments: []Fragment{{Start: 1, End: 3, Text: "hello"}},
			turns:     []Turn{{Start: 0, End: 1.9, Speaker: "S1"}, {Start: 1.9, End: 5, Speaker: "S2"}},
			want:      []Segment{{Speaker: "S2", Start: 1, End: 3, Text: "hello"}},
		},
		{
			name:      "no containing turn",
			fragments: []Fragment{{Start: 10, End: 12, Text: "x"}},
			turns:     []Turn{{Start: 0, End: 5, Speaker: "S1"}},
			want:      []Segment{{Speaker: UnknownSpeaker, Start: 10, End: 12, Text: "x"}},
		},
		{
			name:      "empty turns",
			fragments: []Fragment{{Start: 0, End: 1, Text: "a"}, {Start: 1, End: 2, Text: "b"}},
			want: []Segment{
				{Speaker: UnknownSpeaker, Start: 0, End: 1, Text: "a"},
				{Speaker: UnknownSpeaker, Start: 1, End: 2, Text: "b"},
			},
		},
		{
			name:  "empty fragments",
			turns: []Turn{{Start: 0, End: 5, Speaker: "S1"}},
			want:  []Segment{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Align(tt.fragments, tt.turns))
		})
	}
}

func TestAlignSharedBoundary(t *testing.T) {
	// midpoint 2.0 closes S1 and opens S2
	got := Align(
		[]Fragment{{Start: 1, End: 3, Text: "hello"}},
		[]Turn{{Start: 0, End: 2, Speaker: "S1"}, {Start: 2, End: 5, Speaker: "S2"}},
	)
	require.Len(t, got, 1)
	assert.Equal(t, "S2", got[0].Speaker)
}

func TestAlignInclusiveBounds(t *testing.T) {
	got := Align(
		[]Fragment{{Start: 4, End: 6, Text: "end"}, {Start: 9, End: 11, Text: "start"}},
		[]Turn{{Start: 0, End: 5, Speaker: "S1"}, {Start: 10, End: 12, Speaker: "S2"}},
	)
	require.Len(t, got, 2)
	assert.Equal(t, "S1", got[0].Speaker)
	assert.Equal(t, "S2", got[1].Speaker)
}

func TestAlignDeterministic(t *testing.T) {
	fragments := []Fragment{
		{Start: 0, End: 1.2, Text: "one"},
		{Start: 1.2, End: 2.8, Text: "two"},
		{Start: 2.8, End: 4, Text: "three"},
	}
	turns := []Turn{
		{Start: 0, End: 2, Speaker: "A"},
		{Start: 2, End: 4, Speaker: "B"},
	}

	first := Align(fragments, turns)
	second := Align(fragments, turns)
	assert.Equal(t, first, second)
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name  string
		input []Segment
		want  []Segment
	}{
		{
			name: "consecutive run merged",
			input: []Segment{
				{Speaker: "A", Start: 0, End: 1, Text: "hi"},
				{Speaker: "A", Start: 1, End: 2, Text: "there"},
				{Speaker: "B", Start: 2, End: 3, Text: "yo"},
			},
			want: []Segment{
				{Speaker: "A", Start: 0, End: 2, Text: "hi there"},
				{Speaker: "B", Start: 2, End: 3, Text: "yo"},
			},
		},
		{
			name: "non-adjacent runs stay apart",
			input: []Segment{
				{Speaker: "A", Start: 0, End: 1, Text: "a"},
				{Speaker: "B", Start: 1, End: 2, Text: "b"},
				{Speaker: "A", Start: 2, End: 3, Text: "c"},
			},
			want: []Segment{
				{Speaker: "A", Start: 0, End: 1, Text: "a"},
				{Speaker: "B", Start: 1, End: 2, Text: "b"},
				{Speaker: "A", Start: 2, End: 3, Text: "c"},
			},
		},
		{
			name:  "single element",
			input: []Segment{{Speaker: "A", Start: 0, End: 1, Text: "only"}},
			want:  []Segment{{Speaker: "A", Start: 0, End: 1, Text: "only"}},
		},
		{
			name:  "empty",
			input: nil,
			want:  []Segment{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(tt.input))
		})
	}
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	input := []Segment{
		{Speaker: "A", Start: 0, End: 1, Text: "hi"},
		{Speaker: "A", Start: 1, End: 2, Text: "there"},
	}
	_ = Merge(input)
	assert.Equal(t, "hi", input[0].Text)
	assert.Equal(t, 1.0, input[0].End)
}

func TestMergeIdempotent(t *testing.T) {
	input := []Segment{
		{Speaker: "A", Start: 0, End: 1, Text: "one"},
		{Speaker: "A", Start: 1, End: 2, Text: "two"},
		{Speaker: "B", Start: 2, End: 3, Text: "three"},
		{Speaker: "B", Start: 3, End: 4, Text: "four"},
		{Speaker: "A", Start: 4, End: 5, Text: "five"},
		{Speaker: UnknownSpeaker, Start: 5, End: 6, Text: "six"},
	}

	once := Merge(input)
	assert.Equal(t, once, Merge(once))
	require.NoError(t, Validate(once))
}

func TestShift(t *testing.T) {
	input := []Fragment{{Start: 0, End: 1.5, Text: "a"}, {Start: 1.5, End: 2, Text: "b"}}

	got := Shift(input, 4)
	assert.Equal(t, []Fragment{{Start: 4, End: 5.5, Text: "a"}, {Start: 5.5, End: 6, Text: "b"}}, got)
	assert.Equal(t, 0.0, input[0].Start)
}

func TestLabelAndText(t *testing.T) {
	fragments := []Fragment{{Start: 0, End: 1, Text: " hello "}, {Start: 1, End: 2, Text: ""}, {Start: 2, End: 3, Text: "world"}}

	segments := Label(fragments, DefaultSpeaker)
	require.Len(t, segments, 3)
	for _, s := range segments {
		assert.Equal(t, DefaultSpeaker, s.Speaker)
	}

	assert.Equal(t, "hello world", Text(fragments))
	assert.Equal(t, 3.0, End(fragments))
	assert.Equal(t, 0.0, End(nil))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(nil))
	assert.Error(t, Validate([]Segment{{Start: 2, End: 1}}))
	assert.Error(t, Validate([]Segment{{Start: 2, End: 3}, {Start: 1, End: 3}}))
}
