package dawtempo

import mapset "github.com/deckarep/golang-set/v2"

// ComposeClips flattens a set of (possibly overlapping, possibly gapped)
// tempo automation clips into a single ordered sequence of TempoPoints. It
// never mutates clips or any of their Points slices; the result is always a
// freshly allocated slice.
//
// Overlap/gap/alignment semantics mirror what a DAW shows when a user drags
// the playback cursor across multiple clips on the same automation lane,
// which is also the only sensible thing to reconstruct from a static project
// file - actual mixed-clip playback behavior is tempo-engine-internal and
// not recoverable from the saved data.
func ComposeClips(clips []Clip) []TempoPoint {
	if len(clips) == 0 {
		return nil
	}

	sorted := sortedClipsByStart(clips)
	deduped := dedupClipsByStart(sorted)

	return renderClips(deduped)
}

func sortedClipsByStart(clips []Clip) []Clip {
	out := make([]Clip, len(clips))
	copy(out, clips)

	// Simple insertion sort keeps this file dependency-free of sort's
	// interface ceremony for what's normally a handful of clips; swap for
	// sort.Slice if automation-heavy projects make this measurable.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].StartBeat < out[j-1].StartBeat; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// dedupClipsByStart keeps, for every group of clips that share a start
// beat, only the longest one - matching the semantics of dragging the
// playhead across clips stacked at the same position in the arrangement.
func dedupClipsByStart(sorted []Clip) []Clip {
	groups := map[float64][]int{}
	for i, c := range sorted {
		groups[c.StartBeat] = append(groups[c.StartBeat], i)
	}

	drop := mapset.NewThreadUnsafeSet[int]()
	for _, idxs := range groups {
		if len(idxs) <= 1 {
			continue
		}
		best := idxs[0]
		for _, idx := range idxs[1:] {
			if sorted[idx].Length > sorted[best].Length {
				best = idx
			}
		}
		for _, idx := range idxs {
			if idx != best {
				drop.Add(idx)
			}
		}
	}

	out := make([]Clip, 0, len(sorted)-drop.Cardinality())
	for i, c := range sorted {
		if !drop.Contains(i) {
			out = append(out, c)
		}
	}
	return out
}

func renderClips(clips []Clip) []TempoPoint {
	if len(clips) == 0 {
		return nil
	}

	var final []TempoPoint

	firstPoint := clips[0].Points[0]
	if firstPoint.Beat != 0 {
		final = append(final, TempoPoint{Beat: 0, Bpm: firstPoint.Bpm, Artificial: true})
	}

	for i := range clips {
		curr := clips[i]

		if i == len(clips)-1 {
			final = append(final, curr.Points...)
			break
		}

		next := clips[i+1]
		currLast := curr.lastPoint()

		switch {
		case next.StartBeat == currLast.Beat:
			// Perfect alignment: render curr in full, next continues from
			// exactly where it ends.
			final = append(final, curr.Points...)

		case next.StartBeat > currLast.Beat:
			// Gap: curr holds its last tempo in a flat line until next begins.
			final = append(final, curr.Points...)
			final = append(final, TempoPoint{Beat: next.StartBeat, Bpm: currLast.Bpm, Artificial: true})

		default:
			final = append(final, renderOverlap(curr, next.StartBeat)...)
		}
	}

	return final
}

// renderOverlap renders curr's points up to the point where next takes
// over (next.StartBeat), injecting a single artificial point at the
// boundary if curr has no point exactly there.
func renderOverlap(curr Clip, overlapBeat float64) []TempoPoint {
	var out []TempoPoint

	for _, pt := range curr.Points {
		if pt.Beat < overlapBeat {
			out = append(out, pt)
		}
	}

	for _, pt := range curr.Points {
		if pt.Beat == overlapBeat {
			out = append(out, pt)
		}
	}
	if len(out) > 0 && out[len(out)-1].Beat == overlapBeat {
		return out
	}

	for i := 0; i < len(curr.Points)-1; i++ {
		a, b := curr.Points[i], curr.Points[i+1]
		if a.Beat < overlapBeat && overlapBeat < b.Beat {
			bpm := a.Bpm
			if a.Bpm != b.Bpm {
				bpm = bpmAt(overlapBeat, a.Beat, a.Bpm, b.Beat, b.Bpm)
			}
			out = append(out, TempoPoint{Beat: overlapBeat, Bpm: bpm, Artificial: true})
			break
		}
	}

	return out
}
