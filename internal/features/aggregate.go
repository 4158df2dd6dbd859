// Package features maintains the per-patient statistical summary as pure
// functions: each event application takes the prior record by value and
// returns the next one, leaving persistence to the caller.
package features

import (
	"math"

	"akidetect/internal/models"
)

func ptr[T any](v T) *T {
	return &v
}

// ApplyAdmission merges demographics into the record. Nil means no-change,
// so repeated admissions never erase known values. Numeric fields are not
// touched.
func ApplyAdmission(prior models.FeatureRecord, sex *models.Sex, age *int) models.FeatureRecord {
	next := prior
	if sex != nil {
		next.Sex = ptr(*sex)
	}
	if age != nil {
		next.Age = ptr(*age)
	}
	next.ReadyForInference = next.Complete()
	return next
}

// ApplyLabResult folds one creatinine result into the running aggregate.
//
// The standard deviation follows the recurrence
//
//	std' = sqrt( (n/(n+1))·std² + (v − mean')² / n )
//
// where mean' is the updated mean. It only approximates the population
// form, but it is the series the trained predictor saw, so it is kept
// exactly as is.
func ApplyLabResult(prior models.FeatureRecord, value float64, observedAt string) models.FeatureRecord {
	next := prior
	n := prior.SampleCount

	if n == 0 {
		next.Min = ptr(value)
		next.Max = ptr(value)
		next.Mean = ptr(value)
		next.StdDev = ptr(0.0)
	} else {
		count := float64(n)
		mean := (count**prior.Mean + value) / (count + 1)
		std := math.Sqrt((count/(count+1))*(*prior.StdDev)*(*prior.StdDev) +
			(value-mean)*(value-mean)/count)

		next.Min = ptr(math.Min(*prior.Min, value))
		next.Max = ptr(math.Max(*prior.Max, value))
		next.Mean = ptr(mean)
		next.StdDev = ptr(std)
	}

	next.LastResult = ptr(value)
	next.LastResultAt = ptr(observedAt)
	next.SampleCount = n + 1
	next.ReadyForInference = next.Complete()
	return next
}
