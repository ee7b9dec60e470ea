// Package quant holds the affine quantization descriptor attached to model
// tensors and the scalar conversions the simulated backend needs.
package quant

import (
	"fmt"
	"math"
)

// RoundingMode selects how real values are rounded onto the integer grid.
type RoundingMode uint8

const (
	RoundingUnknown RoundingMode = iota
	RoundToNearestEven
	RoundTowardZero
)

var roundingNames = []string{"UNKNOWN", "ROUND_TO_NEAREST_EVEN", "ROUND_TOWARD_ZERO"}

func (r RoundingMode) String() string {
	if int(r) < len(roundingNames) {
		return roundingNames[r]
	}
	return fmt.Sprintf("%d", uint8(r))
}

func (r RoundingMode) MarshalText() ([]byte, error) {
	if int(r) >= len(roundingNames) {
		return nil, fmt.Errorf("invalid rounding mode %d", uint8(r))
	}
	return []byte(roundingNames[r]), nil
}

func (r *RoundingMode) UnmarshalText(b []byte) error {
	for i, name := range roundingNames {
		if name == string(b) {
			*r = RoundingMode(i)
			return nil
		}
	}
	return fmt.Errorf("unknown rounding mode %q", b)
}

// Params maps real values to integers as q = round(x/scale) + zero_point.
type Params struct {
	Scale        float64      `json:"scale" yaml:"scale"`
	ZeroPoint    int32        `json:"zero_point" yaml:"zero_point"`
	RoundingMode RoundingMode `json:"rounding_mode" yaml:"rounding_mode"`
}

// Validate checks that the scale is a positive finite number.
func (p Params) Validate() error {
	if !(p.Scale > 0) || math.IsInf(p.Scale, 0) {
		return fmt.Errorf("quant scale must be positive and finite, got %v", p.Scale)
	}
	return nil
}

// Quantize converts x and clamps the result to [lo, hi].
func (p Params) Quantize(x float32, lo, hi int64) int64 {
	v := float64(x) / p.Scale
	switch p.RoundingMode {
	case RoundTowardZero:
		v = math.Trunc(v)
	default:
		v = math.RoundToEven(v)
	}
	if math.IsNaN(v) {
		return min(max(int64(p.ZeroPoint), lo), hi)
	}
	v = math.Min(math.Max(v+float64(p.ZeroPoint), float64(lo)), float64(hi))
	return int64(v)
}

// Dequantize converts an integer back to its real value.
func (p Params) Dequantize(q int64) float32 {
	return float32(float64(q-int64(p.ZeroPoint)) * p.Scale)
}
