// Package hl7 decodes the HL7 v2 subset emitted by the upstream feed into
// typed clinical events. Only the segments and fields the pipeline consumes
// are interpreted; everything else is carried through untouched.
package hl7

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"akidetect/internal/models"
)

// MessageType identifies the clinical event kind carried by a frame. Known
// kinds use the wire tag from MSH-9 so the value doubles as a metric label.
type MessageType string

const (
	TypeAdmission MessageType = "ADT^A01"
	TypeDischarge MessageType = "ADT^A03"
	TypeLabResult MessageType = "ORU^R01"
	TypeAck       MessageType = "ACK"
	TypeUnknown   MessageType = "unknown"
)

// Message is the decoded event. Fields are populated per kind: admissions
// carry identity plus optional demographics, lab results carry identity,
// value and observation timestamp, discharges carry identity only.
type Message struct {
	Type       MessageType
	WireType   string
	Identity   string
	Sex        *models.Sex
	Age        *int
	Value      *float64
	ObservedAt string
}

// DecodeError describes a frame that cannot be turned into a clinical event.
// The orchestrator acknowledges and skips such frames.
type DecodeError struct {
	MessageType string
	Reason      string
}

func (e *DecodeError) Error() string {
	if e.MessageType == "" {
		return fmt.Sprintf("hl7: %s", e.Reason)
	}
	return fmt.Sprintf("hl7: %s: %s", e.MessageType, e.Reason)
}

func decodeErrorf(messageType, format string, args ...interface{}) *DecodeError {
	return &DecodeError{MessageType: messageType, Reason: fmt.Sprintf(format, args...)}
}

// Segment and field positions consumed by the pipeline.
const (
	mshMessageType = 8
	pidIdentity    = 3
	pidDateOfBirth = 7
	pidSex         = 8
	obrObservedAt  = 7
	obxValue       = 5
)

// Decode parses one framed payload into a Message. Age is derived from the
// date of birth against the current wall clock.
func Decode(payload []byte) (Message, error) {
	return decodeAt(payload, time.Now())
}

func decodeAt(payload []byte, now time.Time) (Message, error) {
	segments := splitSegments(payload)
	msh, ok := segments["MSH"]
	if !ok {
		return Message{}, decodeErrorf("", "missing MSH segment")
	}
	wireType := field(msh, mshMessageType)

	switch MessageType(wireType) {
	case TypeAdmission:
		return decodeAdmission(segments, wireType, now)
	case TypeDischarge:
		return decodeDischarge(segments, wireType)
	case TypeLabResult:
		return decodeLabResult(segments, wireType)
	case TypeAck:
		return Message{Type: TypeAck, WireType: wireType}, nil
	default:
		return Message{Type: TypeUnknown, WireType: wireType}, nil
	}
}

func decodeAdmission(segments map[string][]string, wireType string, now time.Time) (Message, error) {
	pid, ok := segments["PID"]
	if !ok {
		return Message{}, decodeErrorf(wireType, "missing PID segment")
	}
	identity := field(pid, pidIdentity)
	if identity == "" {
		return Message{}, decodeErrorf(wireType, "missing patient identity")
	}

	msg := Message{
		Type:     TypeAdmission,
		WireType: wireType,
		Identity: identity,
		Sex:      models.ParseSex(field(pid, pidSex)),
	}

	if dob := field(pid, pidDateOfBirth); dob != "" {
		born, err := time.Parse("20060102", dob)
		if err != nil {
			return Message{}, decodeErrorf(wireType, "bad date of birth %q", dob)
		}
		// A non-positive derived age (birth this year, or a clock skewed
		// into the future) is treated like an absent date of birth, the
		// same way an unrecognised sex code yields no sex.
		if age := completedYears(born, now); age > 0 {
			msg.Age = &age
		}
	}
	return msg, nil
}

func decodeDischarge(segments map[string][]string, wireType string) (Message, error) {
	pid, ok := segments["PID"]
	if !ok {
		return Message{}, decodeErrorf(wireType, "missing PID segment")
	}
	identity := field(pid, pidIdentity)
	if identity == "" {
		return Message{}, decodeErrorf(wireType, "missing patient identity")
	}
	return Message{Type: TypeDischarge, WireType: wireType, Identity: identity}, nil
}

func decodeLabResult(segments map[string][]string, wireType string) (Message, error) {
	pid, ok := segments["PID"]
	if !ok {
		return Message{}, decodeErrorf(wireType, "missing PID segment")
	}
	identity := field(pid, pidIdentity)
	if identity == "" {
		return Message{}, decodeErrorf(wireType, "missing patient identity")
	}

	obr, ok := segments["OBR"]
	if !ok {
		return Message{}, decodeErrorf(wireType, "missing OBR segment")
	}
	observedAt := field(obr, obrObservedAt)
	if observedAt == "" {
		return Message{}, decodeErrorf(wireType, "missing observation timestamp")
	}

	obx, ok := segments["OBX"]
	if !ok {
		return Message{}, decodeErrorf(wireType, "missing OBX segment")
	}
	raw := field(obx, obxValue)
	if raw == "" {
		return Message{}, decodeErrorf(wireType, "missing result value")
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Message{}, decodeErrorf(wireType, "result value %q is not numeric", raw)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return Message{}, decodeErrorf(wireType, "result value %q is not finite", raw)
	}

	return Message{
		Type:       TypeLabResult,
		WireType:   wireType,
		Identity:   identity,
		Value:      &value,
		ObservedAt: observedAt,
	}, nil
}

// splitSegments indexes the payload's segments by their 3-character type.
// Later duplicates of a segment type are ignored; the pipeline only ever
// consumes the first of each.
func splitSegments(payload []byte) map[string][]string {
	segments := make(map[string][]string)
	for _, line := range strings.Split(string(payload), "\r") {
		if len(line) < 3 {
			continue
		}
		name := line[:3]
		if _, seen := segments[name]; seen {
			continue
		}
		segments[name] = strings.Split(line, "|")
	}
	return segments
}

// field returns the value at position i, or "" when the segment is too
// short. Positions follow the usual HL7 convention where index 0 is the
// segment name.
func field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return fields[i]
}

// completedYears is the Gregorian full-year age: the year difference, minus
// one when the birthday has not yet occurred in the current year.
func completedYears(born, now time.Time) int {
	years := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		years--
	}
	return years
}
