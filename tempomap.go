package dawtempo

import (
	"math"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// sentinel note used to bracket the emitted tempo map, the same way the
// teacher's General MIDI exporter bracketed a track with note-on/note-off
// pairs rather than leaving a meta-event-only track.
const (
	tempoMapSentinelChannel = 0
	tempoMapSentinelKey     = 0
	tempoMapSentinelVel     = 1
)

// renderedTempoEvent is an absolute-tick, pre-delta-conversion tempo change.
type renderedTempoEvent struct {
	Tick uint32
	Bpm  float64
}

// TempoMapEmitter turns a resolved tempo automation sequence into a MIDI
// tempo map: an Align phase that snaps every point onto the format's
// quantization grid, followed by a Render phase that walks the aligned
// points and emits set-tempo events (with a staircase across sloped grid
// cells).
type TempoMapEmitter struct {
	points       []TempoPoint
	cellWidth    float64
	ticksPerBeat float64
}

// NewTempoMapEmitter builds an emitter over points (already resolved by a
// TimelineEngine - RealTime and PrevAlignedBpm must be filled). tempoQuant
// is the format's tempo_quant constant (16 for the XML format, 512 for the
// binary one); ticksPerQuarterNote is the MIDI resolution to emit against.
func NewTempoMapEmitter(points []TempoPoint, tempoQuant int, ticksPerQuarterNote uint16) *TempoMapEmitter {
	return &TempoMapEmitter{
		points:       points,
		cellWidth:    4.0 / float64(tempoQuant),
		ticksPerBeat: float64(ticksPerQuarterNote),
	}
}

func (e *TempoMapEmitter) beatToTick(beat float64) uint32 {
	t := beat * e.ticksPerBeat
	if t < 0 {
		t = 0
	}
	return uint32(math.Round(t))
}

// align snaps every unaligned point onto the quantization grid, injecting
// "before"/"after" surrogate points at the enclosing cell's boundaries.
// Multiple unaligned points landing in the same grid cell collapse to a
// single "before" surrogate at the cell's leading boundary: cellInEffect
// tracks that boundary explicitly across the run, rather than relying on
// appendAligned's beat-equality dedup against only the immediately
// preceding entry, which can't tell a repeated cell from a fresh one two
// cells later landing on the same beat by coincidence. The final original
// point is always kept, aligned or not, so the map's end boundary is never
// lost to grid-snapping.
func (e *TempoMapEmitter) align() []TempoPoint {
	if len(e.points) == 0 {
		return nil
	}

	var aligned []TempoPoint
	appendAligned := func(tp TempoPoint) {
		if len(aligned) > 0 && aligned[len(aligned)-1].Beat == tp.Beat {
			return
		}
		aligned = append(aligned, tp)
	}

	inCell := false
	var cellInEffect float64

	for i, pt := range e.points {
		last := i == len(e.points)-1

		if isAligned(pt.Beat, e.cellWidth) {
			appendAligned(pt)
			inCell = false
			continue
		}

		cellStart, cellEnd := AlignmentWindow(pt.Beat, e.cellWidth)
		if !inCell || cellStart != cellInEffect {
			appendAligned(TempoPoint{Beat: cellStart, Bpm: pt.PrevAlignedBpm, Artificial: true})
			inCell = true
			cellInEffect = cellStart
		}

		if last {
			// No following point to interpolate an "after" boundary
			// against, and an after-surrogate would overshoot pt's own
			// beat anyway - keep the original point as the terminator.
			appendAligned(pt)
			continue
		}

		next := e.points[i+1]
		nextCellStart, _ := AlignmentWindow(next.Beat, e.cellWidth)

		// Only leave the current cell once the run of points inside it is
		// actually over - i.e. the next point is aligned or falls in a
		// different cell. Until then, further points in this cell add
		// nothing: they already collapsed into the single "before" above.
		if isAligned(next.Beat, e.cellWidth) || nextCellStart != cellInEffect {
			afterBpm := bpmAt(cellEnd, pt.Beat, pt.Bpm, next.Beat, next.Bpm)
			appendAligned(TempoPoint{Beat: cellEnd, Bpm: afterBpm, Artificial: true})
			inCell = false
		}
	}

	return aligned
}

// renderSegment emits the events needed to go from prev to curr: a single
// set-tempo for vertical/horizontal segments, or a staircase of
// intermediate grid-cell tempos for a sloped one. curr is always emitted,
// carrying the final BPM through any partial trailing cell.
func renderSegment(prev, curr TempoPoint, align, ticksPerBeat float64) []renderedTempoEvent {
	toTick := func(beat float64) uint32 {
		t := beat * ticksPerBeat
		if t < 0 {
			t = 0
		}
		return uint32(math.Round(t))
	}

	if prev.Beat == curr.Beat || prev.Bpm == curr.Bpm {
		return []renderedTempoEvent{{Tick: toTick(curr.Beat), Bpm: curr.Bpm}}
	}

	steps := int(math.Round((curr.Beat - prev.Beat) / align))
	if steps <= 1 {
		return []renderedTempoEvent{{Tick: toTick(curr.Beat), Bpm: curr.Bpm}}
	}

	bpmSteps := Linspace(prev.Bpm, curr.Bpm, steps+1)

	events := make([]renderedTempoEvent, 0, steps)
	for s := 1; s < steps; s++ {
		cellBeat := prev.Beat + float64(s)*align
		events = append(events, renderedTempoEvent{Tick: toTick(cellBeat), Bpm: bpmSteps[s]})
	}
	events = append(events, renderedTempoEvent{Tick: toTick(curr.Beat), Bpm: curr.Bpm})

	return events
}

func (e *TempoMapEmitter) render() []renderedTempoEvent {
	aligned := e.align()
	if len(aligned) == 0 {
		return nil
	}

	events := []renderedTempoEvent{{Tick: e.beatToTick(aligned[0].Beat), Bpm: aligned[0].Bpm}}
	for i := 1; i < len(aligned); i++ {
		events = append(events, renderSegment(aligned[i-1], aligned[i], e.cellWidth, e.ticksPerBeat)...)
	}
	return events
}

// ToSMFTrack renders the full tempo map as an smf.Track: a sentinel
// note-on at tick 0, one set-tempo meta event per rendered change, and a
// sentinel note-off one tick after the final tempo change. Adding this track to an smf.SMF and
// writing it out is the caller's job.
func (e *TempoMapEmitter) ToSMFTrack() (smf.Track, error) {
	events := e.render()
	if len(events) == 0 {
		return nil, &MathDomainError{Detail: "no tempo points to emit a tempo map from"}
	}

	var track smf.Track
	track = append(track, smf.Event{
		Delta:   0,
		Message: smf.Message(midi.NoteOn(tempoMapSentinelChannel, tempoMapSentinelKey, tempoMapSentinelVel)),
	})

	for _, ev := range events {
		track = append(track, smf.Event{Delta: ev.Tick, Message: smf.Message(smf.MetaTempo(ev.Bpm))})
	}

	lastTick := events[len(events)-1].Tick
	track = append(track, smf.Event{
		Delta:   lastTick + 1,
		Message: smf.Message(midi.NoteOff(tempoMapSentinelChannel, tempoMapSentinelKey)),
	})

	track = convertTempoMapDeltasToRelative(track)
	track = append(track, smf.Event{Delta: 0, Message: smf.EOT})

	return track, nil
}

// convertTempoMapDeltasToRelative converts a track built with absolute tick
// positions in Delta into one with proper relative delta-times, the same
// two-pass approach the teacher's MIDI exporter used.
func convertTempoMapDeltasToRelative(track smf.Track) smf.Track {
	var result smf.Track
	var lastTick uint32

	for _, event := range track {
		delta := event.Delta - lastTick
		result = append(result, smf.Event{Delta: delta, Message: event.Message})
		lastTick = event.Delta
	}

	return result
}
