package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Supported model artifact types
const (
	ModelTypeForest = "forest"
	ModelTypeLinear = "linear"
)

// TreeNode is one node of a decision tree. Nodes with Left < 0 are leaves and
// carry per-class weights in Value.
type TreeNode struct {
	Feature   int       `json:"feature"`
	Threshold float64   `json:"threshold"`
	Left      int       `json:"left"`
	Right     int       `json:"right"`
	Value     []float64 `json:"value,omitempty"`
}

// Tree is a flattened decision tree rooted at node 0
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// Model is the JSON form of a pretrained classifier
type Model struct {
	Type         string      `json:"type"`
	Version      string      `json:"version"`
	Classes      []string    `json:"classes"`
	FeatureNames []string    `json:"feature_names,omitempty"`
	NFeatures    int         `json:"n_features,omitempty"`
	Trees        []Tree      `json:"trees,omitempty"`
	Coefficients [][]float64 `json:"coefficients,omitempty"`
	Intercepts   []float64   `json:"intercepts,omitempty"`
}

// LoadModel reads and validates a model artifact
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}

	var model Model
	if err := json.Unmarshal(data, &model); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", path, err)
	}
	return &model, nil
}

// ExpectedFeatures returns how many inputs the model takes
func (m *Model) ExpectedFeatures() int {
	if len(m.FeatureNames) > 0 {
		return len(m.FeatureNames)
	}
	if m.NFeatures > 0 {
		return m.NFeatures
	}
	return len(defaultNames())
}

// Validate checks the artifact structure so Predict never indexes out of range
func (m *Model) Validate() error {
	if len(m.Classes) == 0 {
		return errors.New("model has no classes")
	}
	if m.NFeatures > 0 && len(m.FeatureNames) > 0 && m.NFeatures != len(m.FeatureNames) {
		return fmt.Errorf("n_features %d disagrees with %d feature names", m.NFeatures, len(m.FeatureNames))
	}
	n := m.ExpectedFeatures()

	switch m.Type {
	case ModelTypeForest:
		if len(m.Trees) == 0 {
			return errors.New("forest has no trees")
		}
		for ti, tree := range m.Trees {
			if err := validateTree(tree, n, len(m.Classes)); err != nil {
				return fmt.Errorf("tree %d: %w", ti, err)
			}
		}
	case ModelTypeLinear:
		rows := len(m.Coefficients)
		if len(m.Classes) < 2 {
			return fmt.Errorf("linear model needs at least 2 classes, got %d", len(m.Classes))
		}
		if rows == 0 {
			return errors.New("linear model has no coefficients")
		}
		if rows != len(m.Classes) && !(rows == 1 && len(m.Classes) == 2) {
			return fmt.Errorf("%d coefficient rows for %d classes", rows, len(m.Classes))
		}
		if len(m.Intercepts) != 0 && len(m.Intercepts) != rows {
			return fmt.Errorf("%d intercepts for %d coefficient rows", len(m.Intercepts), rows)
		}
		for i, row := range m.Coefficients {
			if len(row) != n {
				return fmt.Errorf("coefficient row %d has %d weights, want %d", i, len(row), n)
			}
		}
	default:
		return fmt.Errorf("unknown model type %q", m.Type)
	}
	return nil
}

func validateTree(tree Tree, nFeatures, nClasses int) error {
	if len(tree.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, node := range tree.Nodes {
		if node.Left < 0 {
			if len(node.Value) != nClasses {
				return fmt.Errorf("leaf %d has %d values, want %d", i, len(node.Value), nClasses)
			}
			continue
		}
		if node.Feature < 0 || node.Feature >= nFeatures {
			return fmt.Errorf("node %d splits on feature %d of %d", i, node.Feature, nFeatures)
		}
		// children must point forward so traversal always terminates
		if node.Left <= i || node.Left >= len(tree.Nodes) || node.Right <= i || node.Right >= len(tree.Nodes) {
			return fmt.Errorf("node %d has invalid children %d/%d", i, node.Left, node.Right)
		}
	}
	return nil
}

// predictIndex returns the index into Classes for an input already in model order
func (m *Model) predictIndex(x []float64) int {
	switch m.Type {
	case ModelTypeForest:
		return m.predictForest(x)
	default:
		return m.predictLinear(x)
	}
}

func (m *Model) predictForest(x []float64) int {
	proba := make([]float64, len(m.Classes))
	for _, tree := range m.Trees {
		leaf := tree.leaf(x)
		var total float64
		for _, v := range leaf.Value {
			total += v
		}
		if total <= 0 {
			continue
		}
		for c, v := range leaf.Value {
			proba[c] += v / total
		}
	}
	return argmax(proba)
}

func (t Tree) leaf(x []float64) TreeNode {
	i := 0
	for {
		node := t.Nodes[i]
		if node.Left < 0 {
			return node
		}
		if x[node.Feature] <= node.Threshold {
			i = node.Left
		} else {
			i = node.Right
		}
	}
}

func (m *Model) predictLinear(x []float64) int {
	scores := make([]float64, len(m.Coefficients))
	for r, row := range m.Coefficients {
		if len(m.Intercepts) > 0 {
			scores[r] = m.Intercepts[r]
		}
		for i, w := range row {
			scores[r] += w * x[i]
		}
	}
	// binary models carry one row scoring the second class
	if len(scores) == 1 && len(m.Classes) == 2 {
		if scores[0] > 0 {
			return 1
		}
		return 0
	}
	return argmax(scores)
}

// argmax returns the first index of the largest value
func argmax(values []float64) int {
	best := 0
	for i, v := range values {
		if v > values[best] {
			best = i
		}
	}
	return best
}
