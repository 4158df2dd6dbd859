package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"akidetect/internal/models"
)

func TestApplyLabResultFirstSample(t *testing.T) {
	prior := models.FeatureRecord{Identity: "1001"}

	next := ApplyLabResult(prior, 98.7, "20250205123000")

	require.NotNil(t, next.Min)
	assert.Equal(t, 98.7, *next.Min)
	assert.Equal(t, 98.7, *next.Max)
	assert.Equal(t, 98.7, *next.Mean)
	assert.Equal(t, 98.7, *next.LastResult)
	assert.Equal(t, 0.0, *next.StdDev)
	assert.Equal(t, "20250205123000", *next.LastResultAt)
	assert.Equal(t, 1, next.SampleCount)
	assert.False(t, next.ReadyForInference, "no demographics yet")
}

func TestApplyLabResultSecondSample(t *testing.T) {
	rec := models.FeatureRecord{Identity: "1001"}
	rec = ApplyLabResult(rec, 98.7, "20250205123000")

	rec = ApplyLabResult(rec, 100.0, "20250205130000")

	assert.Equal(t, 98.7, *rec.Min)
	assert.Equal(t, 100.0, *rec.Max)
	assert.InDelta(t, 99.35, *rec.Mean, 1e-9)
	assert.InDelta(t, 0.65, *rec.StdDev, 1e-9)
	assert.Equal(t, 100.0, *rec.LastResult)
	assert.Equal(t, "20250205130000", *rec.LastResultAt)
	assert.Equal(t, 2, rec.SampleCount)
}

func TestApplyLabResultThirdSample(t *testing.T) {
	rec := models.FeatureRecord{Identity: "1001"}
	for _, v := range []float64{98.7, 100.0} {
		rec = ApplyLabResult(rec, v, "20250205123000")
	}

	rec = ApplyLabResult(rec, 110.0, "20250206090000")

	// mean = (2*99.35 + 110) / 3, std = sqrt((2/3)*0.65^2 + (110-102.9)^2/2)
	assert.InDelta(t, 102.9, *rec.Mean, 1e-9)
	assert.InDelta(t, 5.04843, *rec.StdDev, 1e-4)
	assert.Equal(t, 3, rec.SampleCount)
}

func TestApplyLabResultInvariants(t *testing.T) {
	values := []float64{103.2, 98.6, 140.9, 77.3, 103.2, 121.4, 88.0, 99.9}
	rec := models.FeatureRecord{Identity: "9001"}

	for i, v := range values {
		rec = ApplyLabResult(rec, v, "20250205123000")

		require.Equal(t, i+1, rec.SampleCount)
		assert.LessOrEqual(t, *rec.Min, *rec.Mean, "after sample %d", i+1)
		assert.LessOrEqual(t, *rec.Mean, *rec.Max, "after sample %d", i+1)
		assert.GreaterOrEqual(t, *rec.StdDev, 0.0, "after sample %d", i+1)
		assert.Equal(t, v, *rec.LastResult)
	}
}

func TestApplyAdmissionMergesDemographics(t *testing.T) {
	sex := models.SexFemale
	age := 40

	rec := ApplyAdmission(models.FeatureRecord{Identity: "2001"}, &sex, &age)

	require.NotNil(t, rec.Sex)
	assert.Equal(t, models.SexFemale, *rec.Sex)
	require.NotNil(t, rec.Age)
	assert.Equal(t, 40, *rec.Age)
	assert.False(t, rec.ReadyForInference, "no samples yet")
	assert.Equal(t, 0, rec.SampleCount)
}

func TestApplyAdmissionNilMeansNoChange(t *testing.T) {
	sex := models.SexMale
	age := 62
	prior := ApplyAdmission(models.FeatureRecord{Identity: "2001"}, &sex, &age)

	next := ApplyAdmission(prior, nil, nil)

	require.NotNil(t, next.Sex)
	assert.Equal(t, models.SexMale, *next.Sex)
	require.NotNil(t, next.Age)
	assert.Equal(t, 62, *next.Age)
}

func TestReadinessRequiresEverything(t *testing.T) {
	sex := models.SexMale
	age := 35

	rec := models.FeatureRecord{Identity: "1001"}
	rec = ApplyAdmission(rec, &sex, &age)
	assert.False(t, rec.ReadyForInference, "demographics alone are not enough")

	rec = ApplyLabResult(rec, 98.7, "20250205123000")
	assert.True(t, rec.ReadyForInference, "demographics plus one sample completes the record")
}

func TestReadinessRecoversAfterReset(t *testing.T) {
	sex := models.SexMale
	age := 35
	rec := ApplyLabResult(models.FeatureRecord{Identity: "1001"}, 98.7, "20250205123000")
	rec = ApplyAdmission(rec, &sex, &age)
	require.True(t, rec.ReadyForInference)

	// The orchestrator clears the flag once inference has been dispatched;
	// the next lab result must raise it again.
	rec.ReadyForInference = false
	rec = ApplyLabResult(rec, 100.0, "20250205130000")
	assert.True(t, rec.ReadyForInference)
}

func TestLabFirstThenAdmission(t *testing.T) {
	rec := ApplyLabResult(models.FeatureRecord{Identity: "2001"}, 120.0, "20250201100000")
	assert.Equal(t, 1, rec.SampleCount)
	assert.Equal(t, 120.0, *rec.Mean)
	assert.False(t, rec.ReadyForInference)

	sex := models.SexFemale
	age := 40
	rec = ApplyAdmission(rec, &sex, &age)
	assert.True(t, rec.ReadyForInference, "admission completes a lab-first record")
}
