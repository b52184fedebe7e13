package ml

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"smart-health-backend/internal/models"
)

var (
	// ErrModelUnavailable means no model was loaded; the classifier runs degraded.
	ErrModelUnavailable = errors.New("classification model unavailable")
	// ErrDimensionMismatch means the feature vector does not fit the loaded model.
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
)

// Classifier maps feature vectors to status labels using a pretrained model and
// an optional input scaler. A Classifier without a model is degraded: Predict
// returns models.UnavailableLabel and never fails.
type Classifier struct {
	model  *Model
	scaler *Scaler
	names  []string // model input order
}

// NewClassifier loads the model at modelPath and, if present, the scaler named
// scalerFile in the same directory. When the model cannot be loaded it returns a
// degraded classifier together with an error wrapping ErrModelUnavailable, so
// callers can log the cause and keep running.
func NewClassifier(modelPath, scalerFile string) (*Classifier, error) {
	if modelPath == "" {
		return &Classifier{}, fmt.Errorf("%w: no model path configured", ErrModelUnavailable)
	}

	model, err := LoadModel(modelPath)
	if err != nil {
		return &Classifier{}, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	c := &Classifier{model: model, names: model.FeatureNames}
	if len(c.names) == 0 && model.ExpectedFeatures() == len(defaultNames()) {
		c.names = defaultNames()
	}

	if scalerFile != "" {
		scalerPath := filepath.Join(filepath.Dir(modelPath), scalerFile)
		if _, statErr := os.Stat(scalerPath); statErr == nil {
			scaler, err := LoadScaler(scalerPath, model.ExpectedFeatures())
			if err != nil {
				return &Classifier{}, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
			}
			c.scaler = scaler
			log.Printf("Classifier: Loaded scaler from %s", scalerPath)
		}
	}

	log.Printf("Classifier: Loaded %s model %q from %s (%d features, classes=%v)",
		model.Type, model.Version, modelPath, model.ExpectedFeatures(), model.Classes)
	return c, nil
}

// NewClassifierFromModel wraps an already validated model
func NewClassifierFromModel(model *Model, scaler *Scaler) (*Classifier, error) {
	if model == nil {
		return &Classifier{}, ErrModelUnavailable
	}
	if err := model.Validate(); err != nil {
		return &Classifier{}, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	n := model.ExpectedFeatures()
	if scaler != nil && (len(scaler.Mean) != n || len(scaler.Scale) != n) {
		return &Classifier{}, fmt.Errorf("%w: scaler width does not match %d features", ErrModelUnavailable, n)
	}
	c := &Classifier{model: model, scaler: scaler, names: model.FeatureNames}
	if len(c.names) == 0 && n == len(defaultNames()) {
		c.names = defaultNames()
	}
	return c, nil
}

// Available reports whether a model is loaded
func (c *Classifier) Available() bool {
	return c != nil && c.model != nil
}

// HasScaler reports whether inputs are standardized before prediction
func (c *Classifier) HasScaler() bool {
	return c.Available() && c.scaler != nil
}

// ModelVersion returns the loaded model's version tag
func (c *Classifier) ModelVersion() string {
	if !c.Available() {
		return ""
	}
	return c.model.Version
}

// Predict classifies one feature vector. Features are matched to the model's
// inputs by name when the model names them, positionally otherwise.
func (c *Classifier) Predict(fv models.FeatureVector) (string, error) {
	if !c.Available() {
		return models.UnavailableLabel, nil
	}

	expected := c.model.ExpectedFeatures()
	if len(fv) != expected {
		return models.UnavailableLabel, fmt.Errorf("%w: got %d features, model expects %d",
			ErrDimensionMismatch, len(fv), expected)
	}

	x, err := c.arrange(fv)
	if err != nil {
		return models.UnavailableLabel, err
	}
	if c.scaler != nil {
		x = c.scaler.Transform(x)
	}

	return c.model.Classes[c.model.predictIndex(x)], nil
}

// arrange orders feature values to the model's input order
func (c *Classifier) arrange(fv models.FeatureVector) ([]float64, error) {
	if len(c.names) == 0 {
		return fv.Values(), nil
	}
	x := make([]float64, len(c.names))
	for i, name := range c.names {
		v, ok := fv.Get(name)
		if !ok {
			return nil, fmt.Errorf("%w: model input %q not in feature vector", ErrDimensionMismatch, name)
		}
		x[i] = v
	}
	return x, nil
}

func defaultNames() []string {
	return models.DefaultFeatureNames
}
