package market

import (
	"math"
	"testing"
)

func TestRoundToStep(t *testing.T) {
	cases := []struct {
		name  string
		step  float64
		value float64
		want  float64
	}{
		{"exact multiple", 0.001, 0.003, 0.003},
		{"floors down", 0.001, 0.00075, 0},
		{"floors not rounds", 0.001, 0.0019, 0.001},
		{"scenario escalated", 0.001, 0.00117, 0.001},
		{"float drift", 0.1, 0.3000000000000004, 0.3},
		{"zero value", 0.001, 0, 0},
		{"zero step", 0, 5, 0},
		{"large step", 10, 25, 20},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := RoundToStep(tc.step, tc.value)
			if got != tc.want {
				t.Fatalf("RoundToStep(%v, %v) = %v, want %v", tc.step, tc.value, got, tc.want)
			}
		})
	}
}

func TestRoundToStepAlwaysMultiple(t *testing.T) {
	steps := []float64{0.001, 0.01, 0.1, 1, 5}
	values := []float64{0.0004, 0.77, 1.234, 99.999, 12345.678}

	for _, step := range steps {
		for _, value := range values {
			got := RoundToStep(step, value)
			if got == 0 {
				continue
			}
			ratio := got / step
			if math.Abs(ratio-math.Round(ratio)) > 1e-6 {
				t.Errorf("RoundToStep(%v, %v) = %v is not a step multiple", step, value, got)
			}
			if got > value+1e-9 {
				t.Errorf("RoundToStep(%v, %v) = %v exceeds input", step, value, got)
			}
		}
	}
}

func TestRoundToTick(t *testing.T) {
	cases := []struct {
		name  string
		step  float64
		value float64
		want  float64
	}{
		{"rounds down", 0.01, 100.004, 100.00},
		{"rounds up", 0.01, 100.006, 100.01},
		{"exact", 0.01, 99.99, 99.99},
		{"coarse tick", 0.5, 100.3, 100.5},
		{"zero step passthrough", 0, 123.456, 123.456},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := RoundToTick(tc.step, tc.value)
			if got != tc.want {
				t.Fatalf("RoundToTick(%v, %v) = %v, want %v", tc.step, tc.value, got, tc.want)
			}
		})
	}
}
