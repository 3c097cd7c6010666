package geo

import (
	"math"
	"math/rand/v2"
)

// FallbackJitterDeg bounds the per-axis offset used when synthesizing a nearby point
const FallbackJitterDeg = 0.05

// Rand is the pseudo-random source used for synthesized values.
// *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// NewRand returns a source seeded from runtime entropy.
// The returned value is not safe for concurrent use; create one per request.
func NewRand() Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// NewSeededRand returns a deterministic source
func NewSeededRand(seed uint64) Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Nearby synthesizes a point within FallbackJitterDeg of origin on each axis
func Nearby(origin Point, rnd Rand) Point {
	p := Point{
		Lat: origin.Lat + (rnd.Float64()*2-1)*FallbackJitterDeg,
		Lon: origin.Lon + (rnd.Float64()*2-1)*FallbackJitterDeg,
	}
	p.Lat = math.Max(-90, math.Min(90, p.Lat))
	p.Lon = math.Max(-180, math.Min(180, p.Lon))
	return p
}
