package models

// FeatureRecord represents the per-patient statistical summary plus
// demographics used as predictor input. Numeric fields stay nil until the
// first lab result arrives; timestamps are carried as the opaque strings
// they arrived with.
type FeatureRecord struct {
	Identity          string   `json:"identity"`
	Sex               *Sex     `json:"sex,omitempty"`
	Age               *int     `json:"age,omitempty"`
	Min               *float64 `json:"min,omitempty"`
	Max               *float64 `json:"max,omitempty"`
	Mean              *float64 `json:"mean,omitempty"`
	StdDev            *float64 `json:"std_dev,omitempty"`
	LastResult        *float64 `json:"last_result,omitempty"`
	LastResultAt      *string  `json:"last_result_at,omitempty"`
	SampleCount       int      `json:"sample_count"`
	ReadyForInference bool     `json:"ready_for_inference"`
}

// HasDemographics reports whether both sex and age are known.
func (r FeatureRecord) HasDemographics() bool {
	return r.Sex != nil && r.Age != nil
}

// HasSamples reports whether at least one lab result has been recorded.
func (r FeatureRecord) HasSamples() bool {
	return r.SampleCount >= 1 &&
		r.Min != nil && r.Max != nil && r.Mean != nil &&
		r.StdDev != nil && r.LastResult != nil && r.LastResultAt != nil
}

// Complete reports whether every field of the record is present, the
// condition under which the record may be handed to the predictor.
func (r FeatureRecord) Complete() bool {
	return r.HasDemographics() && r.HasSamples()
}
