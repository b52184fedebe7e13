package ml

import (
	"encoding/json"
	"fmt"
	"os"
)

// Scaler standardizes inputs as (x - mean) / scale
type Scaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// LoadScaler reads a scaler artifact and checks it against the model width
func LoadScaler(path string, nFeatures int) (*Scaler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scaler file: %w", err)
	}

	var scaler Scaler
	if err := json.Unmarshal(data, &scaler); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scaler: %w", err)
	}
	if len(scaler.Mean) != nFeatures || len(scaler.Scale) != nFeatures {
		return nil, fmt.Errorf("scaler has %d means and %d scales, model expects %d features",
			len(scaler.Mean), len(scaler.Scale), nFeatures)
	}
	return &scaler, nil
}

// Transform returns a scaled copy of x. A zero scale is treated as 1.
func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out
}
