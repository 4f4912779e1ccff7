package monitor

import (
	"math"
	"math/rand/v2"
	"time"

	"stockwatch/internal/product"
)

// selectProducts picks the products one cycle checks. Above threshold a
// random ceil(n*fraction) subset is taken; every pick is then dropped
// independently with probability skip. The result never holds a product
// twice.
func selectProducts(list []product.Product, threshold int, fraction, skip float64, rng *rand.Rand) []product.Product {
	picked := append([]product.Product(nil), list...)
	if n := len(picked); n > threshold {
		k := int(math.Ceil(float64(n) * fraction))
		k = min(max(k, 1), n)
		rng.Shuffle(n, func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })
		picked = picked[:k]
	}
	if skip <= 0 {
		return picked
	}
	out := make([]product.Product, 0, len(picked))
	for _, p := range picked {
		if rng.Float64() < skip {
			continue
		}
		out = append(out, p)
	}
	return out
}

// stagger returns a delay in [lo, hi].
func stagger(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int64N(int64(hi-lo)+1))
}
