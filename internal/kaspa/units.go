package kaspa

import (
	"math"

	"github.com/shopspring/decimal"
)

// SompiPerKas is the number of sompi in one KAS.
const SompiPerKas = 100_000_000

var sompiScale = decimal.NewFromInt(SompiPerKas)

// KasToSompi converts a KAS amount to sompi, flooring any sub-sompi remainder.
func KasToSompi(kas float64) uint64 {
	if math.IsNaN(kas) || kas <= 0 || math.IsInf(kas, 0) {
		return 0
	}
	return uint64(decimal.NewFromFloat(kas).Mul(sompiScale).Floor().IntPart())
}

// SompiToKas converts sompi to KAS.
func SompiToKas(sompi float64) float64 {
	if math.IsNaN(sompi) || math.IsInf(sompi, 0) || sompi <= 0 {
		return 0
	}
	v, _ := decimal.NewFromFloat(sompi).Div(sompiScale).Float64()
	return v
}

// Round rounds v half away from zero to the given number of decimal places.
func Round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	out, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return out
}

// FormatKas renders v with a fixed number of decimals.
func FormatKas(v float64, places int32) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		v = 0
	}
	return decimal.NewFromFloat(v).StringFixed(places)
}
