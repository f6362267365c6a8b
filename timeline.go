package dawtempo

import (
	"math"
	"sort"
	"sync"
)

// alignmentEpsilon absorbs floating point jitter when comparing a beat
// against its alignment grid boundary.
const alignmentEpsilon = 1e-9

// TimelineEngine maps beat positions to real-time seconds given a base BPM
// and an ordered tempo automation sequence, in either theoretical
// (continuous-integral) or DAW-accurate (step-quantized) mode.
//
// The cache (RealTime/PrevAlignedBpm on every automation point) is filled
// once, on first use, and never mutated again - matching the "immutable
// after Parse" lifecycle described in SPEC_FULL.md.
type TimelineEngine struct {
	points      []TempoPoint
	baseBpm     float64
	align       float64 // 4/tempo_quant
	theoretical bool

	once sync.Once
}

// NewTimelineEngine builds an engine over points (sorted non-decreasingly by
// beat; ownership is shared - the engine fills RealTime/PrevAlignedBpm in
// place). tempoQuant must be a positive power of two.
func NewTimelineEngine(points []TempoPoint, baseBpm float64, tempoQuant int, theoretical bool) *TimelineEngine {
	return &TimelineEngine{
		points:      points,
		baseBpm:     baseBpm,
		align:       4.0 / float64(tempoQuant),
		theoretical: theoretical,
	}
}

// hasAutomation reports whether there's more than the single synthetic
// point every project carries even with no real tempo automation.
func (e *TimelineEngine) hasAutomation() bool {
	return len(e.points) > 1
}

func effectiveBeat(beat float64) float64 {
	return math.Max(beat, 0)
}

func isAligned(beat, align float64) bool {
	start, _ := AlignmentWindow(beat, align)
	return math.Abs(beat-start) < alignmentEpsilon
}

// bpmAt interpolates the tempo at beta between two bracketing automation
// points. It always needs a second point; past the last automation point,
// BeatToRealTime holds the last point's bpm itself instead of calling this.
func bpmAt(beta, firstBeat, firstBpm, secondBeat, secondBpm float64) float64 {
	if firstBpm == secondBpm {
		return firstBpm
	}
	return firstBpm + ((secondBpm-firstBpm)/(secondBeat-firstBeat))*(beta-firstBeat)
}

// fillCache computes RealTime and PrevAlignedBpm for every automation point
// by forward accumulation across adjacent pairs.
func (e *TimelineEngine) fillCache() {
	e.once.Do(func() {
		if !e.hasAutomation() {
			return
		}

		e.points[0].RealTime = 0
		e.points[0].PrevAlignedBpm = e.points[0].Bpm

		for i := 0; i < len(e.points)-1; i++ {
			a := e.points[i]
			b := e.points[i+1]

			effA := effectiveBeat(a.Beat)

			var elapsed, bPrevAligned float64
			if e.theoretical {
				elapsed = theoreticalSegmentElapsed(effA, a.Bpm, b.Beat, b.Bpm)
			} else {
				elapsed, bPrevAligned = dawSegmentElapsed(effA, a.Bpm, a.PrevAlignedBpm, b.Beat, b.Bpm, e.align)
			}

			e.points[i+1].RealTime = e.points[i].RealTime + elapsed
			if !e.theoretical {
				e.points[i+1].PrevAlignedBpm = bPrevAligned
			}
		}
	})
}

// TempoAutomationEvents returns the automation points with their RealTime
// and PrevAlignedBpm caches filled.
func (e *TimelineEngine) TempoAutomationEvents() []TempoPoint {
	e.fillCache()
	return e.points
}

// BeatToRealTime resolves an arbitrary beat position to real-time seconds.
func (e *TimelineEngine) BeatToRealTime(beat float64) (float64, error) {
	if !e.hasAutomation() {
		return beat * 60.0 / e.baseBpm, nil
	}

	e.fillCache()

	idx := sort.Search(len(e.points), func(i int) bool {
		return e.points[i].Beat > beat
	}) - 1

	if idx < 0 {
		return 0, &MathDomainError{Detail: "beat precedes the first automation point"}
	}

	bracket := e.points[idx]
	if bracket.Beat == beat {
		return bracket.RealTime, nil
	}

	if idx == len(e.points)-1 {
		// Past the last point: extrapolate at a constant bpm.
		elapsed := Spb(bracket.Bpm) * (beat - effectiveBeat(bracket.Beat))
		return bracket.RealTime + elapsed, nil
	}

	next := e.points[idx+1]
	syntheticBpm := bpmAt(beat, bracket.Beat, bracket.Bpm, next.Beat, next.Bpm)

	effA := effectiveBeat(bracket.Beat)
	var elapsed float64
	if e.theoretical {
		elapsed = theoreticalSegmentElapsed(effA, bracket.Bpm, beat, syntheticBpm)
	} else {
		elapsed, _ = dawSegmentElapsed(effA, bracket.Bpm, bracket.PrevAlignedBpm, beat, syntheticBpm, e.align)
	}

	return bracket.RealTime + elapsed, nil
}

// ResolveAllMarkers fills real_time for every raw marker and returns the
// result sorted non-decreasingly by RealTime.
func (e *TimelineEngine) ResolveAllMarkers(raw []RawMarker) ([]Marker, error) {
	markers := make([]Marker, 0, len(raw))

	for _, m := range raw {
		t, err := e.BeatToRealTime(m.Position)
		if err != nil {
			return nil, err
		}
		markers = append(markers, Marker{RealTime: t, Text: m.Text})
	}

	sort.Slice(markers, func(i, j int) bool {
		return markers[i].RealTime < markers[j].RealTime
	})

	return markers, nil
}

//
// DAW-mode segment elapsed, decomposed per SPEC_FULL.md 4.1.
//

func dawSegmentElapsed(aBeat, aBpm, aPrevAligned, bBeat, bBpm, align float64) (elapsed, bPrevAligned float64) {
	if aBeat == bBeat {
		return 0, aPrevAligned
	}
	if aBpm == bBpm {
		return dawHorizontalElapsed(aBeat, aBpm, aPrevAligned, bBeat, align)
	}
	return dawSlopedElapsed(aBeat, aBpm, aPrevAligned, bBeat, bBpm, align)
}

func dawHorizontalElapsed(aBeat, aBpm, aPrevAligned, bBeat, align float64) (float64, float64) {
	if isAligned(aBeat, align) {
		return Spb(aBpm) * (bBeat - aBeat), aBpm
	}

	_, windowEnd := AlignmentWindow(aBeat, align)
	if bBeat <= windowEnd+alignmentEpsilon {
		return Spb(aPrevAligned) * (bBeat - aBeat), aPrevAligned
	}

	elapsed := Spb(aPrevAligned)*(windowEnd-aBeat) + Spb(aBpm)*(bBeat-windowEnd)
	return elapsed, aBpm
}

func dawSlopedElapsed(aBeat, aBpm, aPrevAligned, bBeat, bBpm, align float64) (float64, float64) {
	aAligned := isAligned(aBeat, align)

	if aAligned && isAligned(bBeat, align) {
		steps := int(math.Floor((bBeat-aBeat)/align + alignmentEpsilon))
		return wholeCellSum(aBpm, bBpm, steps, align), bBpm
	}

	_, windowEnd := AlignmentWindow(aBeat, align)
	if bBeat <= windowEnd+alignmentEpsilon {
		bpmForWindow := aBpm
		if !aAligned {
			bpmForWindow = aPrevAligned
		}
		return Spb(bpmForWindow) * (bBeat - aBeat), bpmForWindow
	}

	nextBoundary := windowEnd
	lastBoundary, _ := AlignmentWindow(bBeat, align)

	startAlignedBpm := bpmAt(nextBoundary, aBeat, aBpm, bBeat, bBpm)
	endAlignedBpm := bpmAt(lastBoundary, aBeat, aBpm, bBeat, bBpm)

	steps := int(math.Floor((lastBoundary-nextBoundary)/align + alignmentEpsilon))
	middle := wholeCellSum(startAlignedBpm, endAlignedBpm, steps, align)

	calcBpm := aBpm
	if !aAligned {
		calcBpm = aPrevAligned
	}
	head := Spb(calcBpm) * (nextBoundary - aBeat)
	tail := Spb(endAlignedBpm) * (bBeat - lastBoundary)

	return head + middle + tail, endAlignedBpm
}
