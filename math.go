package dawtempo

import "math"

// Spb returns seconds-per-beat for the given tempo.
func Spb(bpm float64) float64 {
	return 60.0 / bpm
}

// Linspace returns n evenly spaced values from a to b inclusive. n=1 returns
// just []float64{a}.
func Linspace(a, b float64, n int) []float64 {
	if n <= 1 {
		return []float64{a}
	}

	out := make([]float64, n)
	step := (b - a) / float64(n-1)
	for i := 0; i < n; i++ {
		out[i] = a + step*float64(i)
	}
	return out
}

// IsPowerOfTwo reports whether x is a positive power of two.
func IsPowerOfTwo(x int) bool {
	return x > 0 && x&(x-1) == 0
}

// AlignmentWindow returns the [start, start+align) grid cell enclosing beat,
// where start = beat - (beat mod align).
func AlignmentWindow(beat, align float64) (start, end float64) {
	start = beat - math.Mod(beat, align)
	return start, start + align
}

// theoreticalSegmentElapsed computes the continuous-integral elapsed time
// across a linear tempo segment from firstBeat (bpm firstBpm) to secondBeat
// (bpm secondBpm). A sentinel firstBeat is clamped to beat 0 by the caller
// before this is invoked.
//
// Horizontal and vertical segments are closed forms; the sloped case uses
// the closed-form logarithm rather than numerical quadrature, since it's
// exact and strictly cheaper - see SPEC_FULL.md 4.1/4.6 for why this is the
// one place a quadrature library was considered and rejected.
func theoreticalSegmentElapsed(firstBeat, firstBpm, secondBeat, secondBpm float64) float64 {
	domain := secondBeat - firstBeat
	if domain == 0 {
		return 0
	}

	if firstBpm == secondBpm {
		return Spb(firstBpm) * domain
	}

	slope := (secondBpm - firstBpm) / domain
	return (60.0 / slope) * math.Log(secondBpm/firstBpm)
}

// wholeCellSum partitions [startBpm, endBpm] into n+1 evenly spaced sample
// values, drops the last, and sums align*spb(sample) for each of the
// remaining n samples. This is the DAW-mode "staircase" approximation: each
// grid cell's playback duration uses the tempo sampled at the cell's
// leading edge.
func wholeCellSum(startBpm, endBpm float64, steps int, align float64) float64 {
	if steps <= 0 {
		return 0
	}

	samples := Linspace(startBpm, endBpm, steps+1)
	var total float64
	for _, bpm := range samples[:steps] {
		total += align * Spb(bpm)
	}
	return total
}
