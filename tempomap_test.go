package dawtempo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gomidi/midi/v2/smf"
)

func resolvedPoints(t *testing.T, points []TempoPoint, baseBpm float64, tempoQuant int, theoretical bool) []TempoPoint {
	t.Helper()
	engine := NewTimelineEngine(points, baseBpm, tempoQuant, theoretical)
	return engine.TempoAutomationEvents()
}

// TestTempoMapEmitterNoAutomation covers the round-trip law: a project with
// no automation emits a single set-tempo event at delta 0.
func TestTempoMapEmitterNoAutomation(t *testing.T) {
	points := resolvedPoints(t, []TempoPoint{{Beat: 0, Bpm: 120}}, 120, 16, false)
	emitter := NewTempoMapEmitter(points, 16, 480)

	track, err := emitter.ToSMFTrack()
	require.NoError(t, err)
	require.NotEmpty(t, track)

	var sawTempo bool
	var bpm float64
	for _, ev := range track {
		if ev.Message.GetMetaTempo(&bpm) {
			assert.InDelta(t, 120.0, bpm, 1e-9)
			sawTempo = true
		}
	}
	assert.True(t, sawTempo)
}

func TestTempoMapEmitterEndsWithEOT(t *testing.T) {
	points := resolvedPoints(t, []TempoPoint{{Beat: 0, Bpm: 100}, {Beat: 16, Bpm: 100}}, 100, 16, false)
	emitter := NewTempoMapEmitter(points, 16, 480)

	track, err := emitter.ToSMFTrack()
	require.NoError(t, err)
	require.NotEmpty(t, track)

	last := track[len(track)-1]
	assert.Equal(t, smf.MetaEndOfTrackMsg, last.Message.Type(), "track must terminate with an EOT meta event")
}

func TestTempoMapEmitterBracketedBySentinelNotes(t *testing.T) {
	points := resolvedPoints(t, []TempoPoint{{Beat: 0, Bpm: 100}, {Beat: 16, Bpm: 130}}, 100, 16, false)
	emitter := NewTempoMapEmitter(points, 16, 480)

	track, err := emitter.ToSMFTrack()
	require.NoError(t, err)

	var channel, key, velocity uint8
	var gotNoteOn, gotNoteOff bool
	for _, ev := range track {
		if ev.Message.GetNoteOn(&channel, &key, &velocity) {
			gotNoteOn = true
			assert.EqualValues(t, 0, channel)
			assert.EqualValues(t, 0, key)
			assert.EqualValues(t, 1, velocity)
		}
		if ev.Message.GetNoteOff(&channel, &key, &velocity) {
			gotNoteOff = true
		}
	}
	assert.True(t, gotNoteOn)
	assert.True(t, gotNoteOff)
}

func TestTempoMapEmitterSlopedSegmentStaircase(t *testing.T) {
	points := resolvedPoints(t, []TempoPoint{{Beat: 0, Bpm: 60}, {Beat: 4, Bpm: 120}}, 60, 16, false)
	emitter := NewTempoMapEmitter(points, 16, 480)

	events := emitter.render()
	require.NotEmpty(t, events)

	// A sloped segment across 16 grid cells must emit more than one
	// set-tempo event: a pure single event would collapse the ramp to a
	// step function.
	assert.Greater(t, len(events), 1)

	for i := 1; i < len(events); i++ {
		assert.GreaterOrEqual(t, events[i].Tick, events[i-1].Tick)
	}
}

func TestTempoMapEmitterAlignKeepsGridAndUnalignedTerminalPoint(t *testing.T) {
	// beat 0.1 is not aligned to a 16th-note boundary (cell width 0.25).
	points := []TempoPoint{
		{Beat: 0, Bpm: 100, PrevAlignedBpm: 100},
		{Beat: 0.1, Bpm: 140, PrevAlignedBpm: 100},
	}
	emitter := NewTempoMapEmitter(points, 16, 480)

	aligned := emitter.align()
	require.NotEmpty(t, aligned)

	for _, p := range aligned[:len(aligned)-1] {
		start, _ := AlignmentWindow(p.Beat, emitter.cellWidth)
		assert.InDelta(t, start, p.Beat, alignmentEpsilon, "every non-terminal aligned point must sit on a grid boundary")
	}

	// the terminal original point is always kept even if unaligned.
	last := aligned[len(aligned)-1]
	assert.Equal(t, 0.1, last.Beat)
}

// TestTempoMapEmitterAlignCollapsesMultiplePointsInSameCell covers a run of
// several unaligned points sharing one grid cell: they must collapse to a
// single surrogate rather than alternating before/after entries, and the
// aligned result must stay strictly monotonic in Beat.
func TestTempoMapEmitterAlignCollapsesMultiplePointsInSameCell(t *testing.T) {
	points := []TempoPoint{
		{Beat: 0, Bpm: 100, PrevAlignedBpm: 100},
		{Beat: 0.05, Bpm: 110, PrevAlignedBpm: 100},
		{Beat: 0.1, Bpm: 120, PrevAlignedBpm: 100},
		{Beat: 0.2, Bpm: 130, PrevAlignedBpm: 100},
		{Beat: 0.3, Bpm: 140, PrevAlignedBpm: 100},
	}
	emitter := NewTempoMapEmitter(points, 16, 480)

	aligned := emitter.align()
	require.NotEmpty(t, aligned)

	for i := 1; i < len(aligned); i++ {
		assert.Greater(t, aligned[i].Beat, aligned[i-1].Beat, "align() must produce a strictly increasing beat sequence")
	}

	last := aligned[len(aligned)-1]
	assert.Equal(t, 0.3, last.Beat, "the terminal original point is always kept")
}
