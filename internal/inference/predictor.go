// Package inference wraps the trained AKI model. The model is an exported
// logistic regression loaded once at startup; a missing or corrupt artifact
// is fatal to the process.
package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"akidetect/internal/models"
)

// Decision is the predictor verdict for one feature record.
type Decision string

const (
	DecisionPositive Decision = "positive"
	DecisionNegative Decision = "negative"
)

// ErrIncompleteRecord is returned when a record is missing any input the
// model needs. Callers count it and skip inference; it is not retried.
var ErrIncompleteRecord = errors.New("inference: feature record is incomplete")

const featureCount = 7

// artifact is the on-disk model export.
type artifact struct {
	Coefficients []float64 `json:"coefficients"`
	Intercept    float64   `json:"intercept"`
	Threshold    float64   `json:"threshold"`
}

// Predictor holds the loaded model. It is read-only after Load and safe for
// concurrent use.
type Predictor struct {
	coefficients [featureCount]float64
	intercept    float64
	threshold    float64
}

// Load reads and validates the model artifact.
func Load(path string) (*Predictor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model artifact: %w", err)
	}

	var a artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("parse model artifact %s: %w", path, err)
	}
	if len(a.Coefficients) != featureCount {
		return nil, fmt.Errorf("model artifact %s: expected %d coefficients, got %d",
			path, featureCount, len(a.Coefficients))
	}
	for i, c := range a.Coefficients {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("model artifact %s: coefficient %d is not finite", path, i)
		}
	}
	if a.Threshold <= 0 || a.Threshold >= 1 {
		return nil, fmt.Errorf("model artifact %s: threshold %v outside (0, 1)", path, a.Threshold)
	}

	p := &Predictor{intercept: a.Intercept, threshold: a.Threshold}
	copy(p.coefficients[:], a.Coefficients)
	return p, nil
}

// Predict scores one complete feature record. The model input order is
// (age, sex, mean, stdDev, max, min, lastResultValue), the order the model
// was trained with.
func (p *Predictor) Predict(rec models.FeatureRecord) (Decision, error) {
	if !rec.Complete() {
		return "", ErrIncompleteRecord
	}

	inputs := [featureCount]float64{
		float64(*rec.Age),
		float64(*rec.Sex),
		*rec.Mean,
		*rec.StdDev,
		*rec.Max,
		*rec.Min,
		*rec.LastResult,
	}

	score := p.intercept
	for i, v := range inputs {
		score += p.coefficients[i] * v
	}
	probability := 1.0 / (1.0 + math.Exp(-score))
	if math.IsNaN(probability) {
		return "", fmt.Errorf("inference: score for %s is not finite", rec.Identity)
	}

	if probability >= p.threshold {
		return DecisionPositive, nil
	}
	return DecisionNegative, nil
}
