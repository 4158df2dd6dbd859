package inference

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"akidetect/internal/models"
)

func writeArtifact(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aki_model.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	return path
}

func completeRecord(last float64) models.FeatureRecord {
	sex := models.SexMale
	age := 60
	minV, maxV, mean, std := 80.0, last, (80.0+last)/2, 10.0
	at := "20250205123000"
	return models.FeatureRecord{
		Identity: "1001", Sex: &sex, Age: &age,
		Min: &minV, Max: &maxV, Mean: &mean, StdDev: &std,
		LastResult: &last, LastResultAt: &at,
		SampleCount: 2, ReadyForInference: true,
	}
}

func TestLoadRejectsMissingArtifact(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestLoadRejectsWrongCoefficientCount(t *testing.T) {
	path := writeArtifact(t, `{"coefficients":[1,2,3],"intercept":0,"threshold":0.5}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coefficients")
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	path := writeArtifact(t, `{"coefficients":[0,0,0,0,0,0,0],"intercept":0,"threshold":1.5}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestPredictPositiveAndNegative(t *testing.T) {
	// Only the last-result coefficient is non-zero, so the decision tracks
	// the last creatinine value alone.
	path := writeArtifact(t, `{
		"coefficients": [0, 0, 0, 0, 0, 0, 0.05],
		"intercept": -7.5,
		"threshold": 0.5
	}`)
	p, err := Load(path)
	require.NoError(t, err)

	decision, err := p.Predict(completeRecord(200.0))
	require.NoError(t, err)
	assert.Equal(t, DecisionPositive, decision)

	decision, err = p.Predict(completeRecord(100.0))
	require.NoError(t, err)
	assert.Equal(t, DecisionNegative, decision)
}

func TestPredictIncompleteRecord(t *testing.T) {
	path := writeArtifact(t, `{"coefficients":[0,0,0,0,0,0,0],"intercept":0,"threshold":0.5}`)
	p, err := Load(path)
	require.NoError(t, err)

	rec := completeRecord(100.0)
	rec.Age = nil

	_, err = p.Predict(rec)
	assert.ErrorIs(t, err, ErrIncompleteRecord)
}
