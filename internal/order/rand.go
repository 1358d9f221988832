package order

// Rand is a pure-value pseudo-random generator (SplitMix64). Every draw returns
// the advanced generator alongside the value, so a plan built from the same seed
// is bit-for-bit identical on every platform and run.
type Rand struct {
	state uint64
}

// NewRand seeds a generator. The seed is the only source of entropy.
func NewRand(seed int64) Rand {
	return Rand{state: uint64(seed)}
}

// Next advances the generator and returns the next 64-bit value.
func (r Rand) Next() (Rand, uint64) {
	r.state += 0x9E3779B97F4A7C15
	z := r.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return r, z ^ (z >> 31)
}

// Intn draws a value in [0, n). n must be positive.
func (r Rand) Intn(n int) (Rand, int) {
	if n <= 0 {
		panic("order: Intn called with non-positive n")
	}
	r, v := r.Next()
	return r, int(v % uint64(n))
}
