package main

import (
	"math/rand"
	"time"
)

type Randomizer struct {
	seed int64
	rnd  *rand.Rand
}

// NewRandomizer initializes a new Randomizer instance. A zero seed is replaced
// by the current time.
func NewRandomizer(seed int64) *Randomizer {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return seededRandomizer(seed)
}

func seededRandomizer(seed int64) *Randomizer {
	return &Randomizer{
		seed: seed,
		rnd:  rand.New(rand.NewSource(seed)),
	}
}

// Seed returns the seed the generator was created with, so a run can be repeated.
func (r *Randomizer) Seed() int64 {
	return r.seed
}

// deriveSeed mixes seed with a stream and an ordinal (splitmix64), so every
// stream gets its own independent sequence of generators.
func deriveSeed(seed int64, stream, ordinal int) int64 {
	z := uint64(seed) + uint64(stream)<<48 + uint64(ordinal+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return int64(z ^ (z >> 31))
}

// RandomIntn returns a non-negative pseudo-random int in [0,n)
func (r *Randomizer) RandomIntn(n int) int {
	return r.rnd.Intn(n)
}

// Permutation returns a uniformly shuffled permutation of [0,n).
func (r *Randomizer) Permutation(n int) []int {
	return r.rnd.Perm(n)
}
