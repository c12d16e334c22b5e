package geo

import (
	"math"
	"testing"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
		want                   float64
		tolerance              float64
	}{
		{"same point", 40.7128, -74.0060, 40.7128, -74.0060, 0, 0.001},
		{"one degree latitude", 0, 0, 1, 0, 111195, 50},
		{"one degree longitude at equator", 0, 0, 0, 1, 111195, 50},
		{"short hop manhattan", 40.7128, -74.0060, 40.7138, -74.0060, 111.2, 1},
		{"nyc to la", 40.7128, -74.0060, 34.0522, -118.2437, 3935750, 10000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Distance(tc.lat1, tc.lng1, tc.lat2, tc.lng2)
			if math.Abs(got-tc.want) > tc.tolerance {
				t.Errorf("Distance = %.2f, want %.2f (+/- %.2f)", got, tc.want, tc.tolerance)
			}
		})
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := Distance(40.7128, -74.0060, 34.0522, -118.2437)
	b := Distance(34.0522, -118.2437, 40.7128, -74.0060)
	if math.Abs(a-b) > 0.0001 {
		t.Errorf("distance is not symmetric: %f vs %f", a, b)
	}
}

func TestValidCoordinate(t *testing.T) {
	tests := []struct {
		name     string
		lat, lng float64
		want     bool
	}{
		{"origin", 0, 0, true},
		{"extremes", 90, 180, true},
		{"negative extremes", -90, -180, true},
		{"lat too high", 90.1, 0, false},
		{"lat too low", -91, 0, false},
		{"lng too high", 0, 180.5, false},
		{"lng too low", 0, -181, false},
		{"nan lat", math.NaN(), 0, false},
		{"nan lng", 0, math.NaN(), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidCoordinate(tc.lat, tc.lng); got != tc.want {
				t.Errorf("ValidCoordinate(%v, %v) = %v, want %v", tc.lat, tc.lng, got, tc.want)
			}
		})
	}
}
