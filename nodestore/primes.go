package nodestore

// primeSizes is the fixed prime sequence table sizes are chosen from,
// roughly doubling so resize amortizes to O(1) per insert.
var primeSizes = []int{
	31, 61, 127, 257, 521, 1031, 2053, 4099, 8209, 16411,
	32771, 65537, 131101, 262147, 524309, 1048583,
}

// minTableSize is the floor table size.
const minTableSize = 31

// nextPrimeSize returns the smallest entry in primeSizes that is >= n, or
// the table's largest entry if n exceeds it.
func nextPrimeSize(n int) int {
	for _, p := range primeSizes {
		if p >= n {
			return p
		}
	}
	return primeSizes[len(primeSizes)-1]
}

// prevPrimeSize returns the largest entry in primeSizes that is <= n, never
// going below minTableSize.
func prevPrimeSize(n int) int {
	best := minTableSize
	for _, p := range primeSizes {
		if p <= n {
			best = p
		}
	}
	return best
}
