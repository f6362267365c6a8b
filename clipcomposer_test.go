package dawtempo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestComposeClipsSingleClip covers scenario 4: one clip, no overlap, no
// gap - the composed sequence is exactly the clip's own points.
func TestComposeClipsSingleClip(t *testing.T) {
	clip := Clip{
		StartBeat: 0,
		Length:    4,
		Points: []TempoPoint{
			{Beat: 0, Bpm: 60},
			{Beat: 4, Bpm: 120},
		},
	}

	got := ComposeClips([]Clip{clip})
	require.Len(t, got, 2)
	assert.Equal(t, 0.0, got[0].Beat)
	assert.Equal(t, 60.0, got[0].Bpm)
	assert.Equal(t, 4.0, got[1].Beat)
	assert.Equal(t, 120.0, got[1].Bpm)
}

// TestComposeClipsGap covers scenario 5: two clips with a gap between them.
// The composed sequence injects an artificial point holding clip A's last
// bpm at clip B's start beat.
func TestComposeClipsGap(t *testing.T) {
	a := Clip{
		StartBeat: 0,
		Length:    4,
		Points: []TempoPoint{
			{Beat: 0, Bpm: 60},
			{Beat: 4, Bpm: 120},
		},
	}
	b := Clip{
		StartBeat: 8,
		Length:    4,
		Points: []TempoPoint{
			{Beat: 8, Bpm: 80},
			{Beat: 12, Bpm: 80},
		},
	}

	got := ComposeClips([]Clip{a, b})

	var foundGapFiller bool
	for _, p := range got {
		if p.Beat == 8 && p.Bpm == 120 && p.Artificial {
			foundGapFiller = true
		}
	}
	assert.True(t, foundGapFiller, "expected an artificial point at beat 8 holding bpm 120")

	// b's own points must still be present afterward.
	var foundBStart bool
	for _, p := range got {
		if p.Beat == 8 && p.Bpm == 80 {
			foundBStart = true
		}
	}
	assert.True(t, foundBStart)
}

// TestComposeClipsDedupKeepsLongest covers scenario 6: two clips sharing a
// start beat - only the longer one survives.
func TestComposeClipsDedupKeepsLongest(t *testing.T) {
	short := Clip{
		StartBeat: 0,
		Length:    4,
		Points: []TempoPoint{
			{Beat: 0, Bpm: 60},
			{Beat: 4, Bpm: 90},
		},
	}
	long := Clip{
		StartBeat: 0,
		Length:    8,
		Points: []TempoPoint{
			{Beat: 0, Bpm: 100},
			{Beat: 8, Bpm: 110},
		},
	}

	got := ComposeClips([]Clip{short, long})

	for _, p := range got {
		assert.NotEqual(t, 90.0, p.Bpm, "the shorter, dropped clip's points must not appear")
	}
	assert.Equal(t, 100.0, got[0].Bpm)
}

func TestComposeClipsEmpty(t *testing.T) {
	assert.Nil(t, ComposeClips(nil))
}

func TestComposeClipsDoesNotMutateInput(t *testing.T) {
	clips := []Clip{
		{
			StartBeat: 4,
			Length:    4,
			Points: []TempoPoint{
				{Beat: 4, Bpm: 60},
				{Beat: 8, Bpm: 60},
			},
		},
	}
	snapshot := clips[0].Points[0]

	_ = ComposeClips(clips)

	assert.Equal(t, snapshot, clips[0].Points[0])
	assert.Len(t, clips[0].Points, 2)
}

// TestComposeClipsOverlapInterpolatesBoundary covers the overlap case: when
// the next clip starts strictly before the current clip ends, and the
// current clip's bpm is sloped across the overlap point, the boundary value
// is linearly interpolated rather than snapped to a neighboring point.
func TestComposeClipsOverlapInterpolatesBoundary(t *testing.T) {
	a := Clip{
		StartBeat: 0,
		Length:    8,
		Points: []TempoPoint{
			{Beat: 0, Bpm: 60},
			{Beat: 8, Bpm: 140},
		},
	}
	b := Clip{
		StartBeat: 4,
		Length:    4,
		Points: []TempoPoint{
			{Beat: 4, Bpm: 200},
			{Beat: 8, Bpm: 200},
		},
	}

	got := ComposeClips([]Clip{a, b})

	var boundary *TempoPoint
	for i := range got {
		if got[i].Beat == 4 && got[i].Artificial {
			boundary = &got[i]
			break
		}
	}
	require.NotNil(t, boundary)
	assert.InDelta(t, 100.0, boundary.Bpm, 1e-9) // halfway between 60 and 140
}
