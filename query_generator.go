package main

// QueryGenerator provides the key order read workloads visit records in.
// Keys are zero based record positions.
type QueryGenerator struct {
	rnd   *Randomizer
	reuse bool
	last  []int
}

func NewQueryGenerator(rnd *Randomizer, reusePermutation bool) *QueryGenerator {
	return &QueryGenerator{
		rnd:   rnd,
		reuse: reusePermutation,
	}
}

// reseed switches the source of fresh permutations. A reused permutation is kept.
func (g *QueryGenerator) reseed(rnd *Randomizer) {
	g.rnd = rnd
}

// Keys returns the order of the n lookups of a read workload. RandomRead gets a
// fresh uniform permutation unless reuse was requested and the previous one
// has the same length.
func (g *QueryGenerator) Keys(kind WorkloadKind, n int) []int {
	if kind != RandomRead {
		keys := make([]int, n)
		for i := range keys {
			keys[i] = i
		}
		return keys
	}

	if !g.reuse || len(g.last) != n {
		g.last = g.rnd.Permutation(n)
	}
	keys := make([]int, n)
	copy(keys, g.last)
	return keys
}
