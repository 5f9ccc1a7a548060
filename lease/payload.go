package lease

import (
	"math"
	"math/rand/v2"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Reading is the synthetic telemetry message.
type Reading struct {
	Temperature float64 `json:"Temperature"`
}

// newReading draws a temperature in [lo, hi] rounded to one decimal.
func newReading(r *rand.Rand, lo, hi float64) Reading {
	v := lo + r.Float64()*(hi-lo)

	return Reading{Temperature: math.Round(v*10) / 10}
}

func (r Reading) encode() ([]byte, error) {
	return json.Marshal(r)
}
