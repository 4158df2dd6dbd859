package models

import "fmt"

// AdmissionStatus tracks where a patient is in the admission lifecycle.
type AdmissionStatus string

const (
	StatusAdmitted   AdmissionStatus = "admitted"
	StatusDischarged AdmissionStatus = "discharged"
	// StatusPending marks a patient first seen through a lab result,
	// before any admission message has arrived.
	StatusPending AdmissionStatus = "pending"
)

// Sex is the patient sex as encoded for the predictor (male=0, female=1).
type Sex int

const (
	SexMale   Sex = 0
	SexFemale Sex = 1
)

// ParseSex maps the wire encoding to a Sex. Unrecognised values return nil,
// which callers treat as "not provided".
func ParseSex(code string) *Sex {
	switch code {
	case "M":
		s := SexMale
		return &s
	case "F":
		s := SexFemale
		return &s
	default:
		return nil
	}
}

func (s Sex) String() string {
	switch s {
	case SexMale:
		return "male"
	case SexFemale:
		return "female"
	default:
		return fmt.Sprintf("sex(%d)", int(s))
	}
}

// AdmissionRecord represents the admission row for a patient
type AdmissionRecord struct {
	Identity    string          `json:"identity"`
	Status      AdmissionStatus `json:"status"`
	DateOfBirth *string         `json:"date_of_birth,omitempty"`
	AdmittedAt  *string         `json:"admitted_at,omitempty"`
}
