package sched

// BinIndex returns the bin a flow belongs in, given how long ago (in
// timeslots) it was last allocated relative to a batch starting at
// current, per §4.3.5. Recently-allocated flows land in
// higher-numbered, more precisely-tracked bins; flows untouched for a
// long time fold into progressively coarser geometric groups, with the
// very last bin absorbing anything older than the geometric region
// covers.
//
// Worked examples (batchSize=8, numBins=64): gap=8 -> bin 64, gap=9 ->
// bin 63, gap=16 -> bin 56.
func BinIndex(batchSize, numBins int, current, last int64) int {
	// a flow that has never been allocated carries FlowState's sentinel
	// last-alloc value; computing a gap against it would overflow int64,
	// so fold it straight into the oldest bin instead.
	if last == minInt64 {
		return 0
	}
	gap := current + int64(batchSize) - last
	if gap <= int64(numBins) {
		return numBins + batchSize - int(gap)
	}

	// Geometric region: groups of batchSize, batchSize/2, batchSize/4, ...
	// bins, each group's bins spanning double the timeslots of the
	// previous group (first group spans 2*batchSize per bin, next spans
	// 4*batchSize, etc.), until the group shrinks to a single bin, which
	// then catches everything remaining.
	remaining := gap - int64(numBins)
	groupSize := batchSize
	span := int64(2 * batchSize)
	bin := 0
	for groupSize >= 1 {
		groupSpan := span * int64(groupSize)
		if remaining <= groupSpan || groupSize == 1 {
			idx := remaining / span
			if idx >= int64(groupSize) {
				idx = int64(groupSize) - 1
			}
			return bin + groupSize - 1 - int(idx)
		}
		remaining -= groupSpan
		bin += groupSize
		groupSize /= 2
		span *= 2
	}
	return 0
}
