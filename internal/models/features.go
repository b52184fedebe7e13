package models

// Feature names produced by the feature engine, in default model order.
const (
	FeatureTemp      = "temp"
	FeatureHum       = "hum"
	FeatureGas       = "gas"
	FeatureDeltaTemp = "d_temp"
	FeatureDeltaHum  = "d_hum"
	FeatureDeltaGas  = "d_gas"
	FeatureRollTemp  = "r_temp"
	FeatureRollHum   = "r_hum"
	FeatureRollGas   = "r_gas"
)

// DefaultFeatureNames is the order used when a model does not name its inputs.
var DefaultFeatureNames = []string{
	FeatureTemp, FeatureHum, FeatureGas,
	FeatureDeltaTemp, FeatureDeltaHum, FeatureDeltaGas,
	FeatureRollTemp, FeatureRollHum, FeatureRollGas,
}

// Feature is a single named model input
type Feature struct {
	Name  string
	Value float64
}

// FeatureVector is an ordered list of named features
type FeatureVector []Feature

// Names returns the feature names in order
func (fv FeatureVector) Names() []string {
	names := make([]string, len(fv))
	for i, f := range fv {
		names[i] = f.Name
	}
	return names
}

// Values returns the feature values in order
func (fv FeatureVector) Values() []float64 {
	values := make([]float64, len(fv))
	for i, f := range fv {
		values[i] = f.Value
	}
	return values
}

// Get looks a feature up by name
func (fv FeatureVector) Get(name string) (float64, bool) {
	for _, f := range fv {
		if f.Name == name {
			return f.Value, true
		}
	}
	return 0, false
}
