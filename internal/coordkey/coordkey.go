// Package coordkey implements C1, the lossy canonicalization of a raw
// (lat, lng) submission into the CanonicalKey that drives every dedup,
// caching, and storage decision downstream. It is a pure function package:
// no I/O, no shared state.
package coordkey

import (
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/nitesh/landmarkd/internal/apperr"
)

// CanonicalKey is the tuple (keyLat, keyLng, radius) of spec §3.1. Two
// CanonicalKeys compare equal by field, which is what makes them usable as
// map/cache keys via String().
type CanonicalKey struct {
	KeyLat       float64
	KeyLng       float64
	RadiusMeters int
}

// String renders the "{keyLat}:{keyLng}:{radius}" cache key spec §4.4 uses
// to address both hot-cache namespaces.
func (k CanonicalKey) String() string {
	return fmt.Sprintf("%.4f:%.4f:%d", k.KeyLat, k.KeyLng, k.RadiusMeters)
}

// Canonicalize validates the raw coordinate and rounds each component
// half-up (away from zero) to 4 fractional digits, per spec §4.1. It is
// idempotent: Canonicalize(Canonicalize(x).KeyLat, ...) == Canonicalize(x).
func Canonicalize(lat, lng float64, radiusMeters int) (CanonicalKey, error) {
	fieldErrors := map[string]string{}

	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		fieldErrors["lat"] = "must be a finite number in [-90, 90]"
	}
	if math.IsNaN(lng) || math.IsInf(lng, 0) || lng < -180 || lng > 180 {
		fieldErrors["lng"] = "must be a finite number in [-180, 180]"
	}
	if len(fieldErrors) > 0 {
		return CanonicalKey{}, apperr.Invalid("invalid coordinate", fieldErrors)
	}

	return CanonicalKey{
		KeyLat:       roundHalfUp4(lat),
		KeyLng:       roundHalfUp4(lng),
		RadiusMeters: radiusMeters,
	}, nil
}

// roundHalfUp4 rounds x to 4 fractional digits, half-away-from-zero, matching
// the fixed-point-decimal rounding spec §3.1 requires. It rounds the shortest
// decimal form of x exactly (via math/big) rather than its binary value, so
// that an input written as 12.34565 rounds up to 12.3457 even though its
// float64 value lies just below the half boundary.
func roundHalfUp4(x float64) float64 {
	r, _ := new(big.Rat).SetString(strconv.FormatFloat(math.Abs(x), 'f', -1, 64))
	r.Mul(r, big.NewRat(10000, 1))
	r.Add(r, big.NewRat(1, 2))
	q := new(big.Int).Quo(r.Num(), r.Denom())
	v, _ := new(big.Rat).SetFrac(q, big.NewInt(10000)).Float64()
	if x < 0 {
		return -v
	}
	return v
}
