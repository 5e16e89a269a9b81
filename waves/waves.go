// Package waves splits a target universe into sequential batches and
// partitions for the campaign coordinator.
package waves

// Wave is one sequential batch of the target universe.
type Wave struct {
	Ordinal int // 1-based
	Targets []string
}

// Batch splits targets into ceil(len/size) waves of at most size
// targets each, preserving order. A size of zero (or less) disables
// batching and returns a single wave holding every target, also when
// targets is empty.
func Batch(targets []string, size int) []Wave {
	if size > 0 && len(targets) == 0 {
		return nil
	}
	if size <= 0 || len(targets) <= size {
		return []Wave{{Ordinal: 1, Targets: targets}}
	}

	count := (len(targets) + size - 1) / size
	w := make([]Wave, 0, count)

	for i := 0; i < count; i++ {
		start := i * size
		end := min(start+size, len(targets))
		w = append(w, Wave{
			Ordinal: i + 1,
			Targets: targets[start:end:end],
		})
	}

	return w
}

// Partition distributes targets round-robin into n disjoint subsets.
// The relative order of targets within each subset is preserved and
// the union of all subsets is exactly targets.
func Partition(targets []string, n int) [][]string {
	if n < 1 {
		n = 1
	}
	p := make([][]string, n)
	for i := range p {
		p[i] = make([]string, 0, len(targets)/n+1)
	}
	for i, t := range targets {
		p[i%n] = append(p[i%n], t)
	}
	return p
}
