package models

import "time"

// TimestampLayout is the minute-precision format used for defaulted timestamps
// and for medication schedule entries.
const TimestampLayout = "2006-01-02 15:04"

// UnavailableLabel is persisted and published when no classification could be made.
const UnavailableLabel = "N/A"

// Reading represents one temperature/humidity/gas sample from a device
type Reading struct {
	Device    string  `json:"device"`
	Timestamp string  `json:"ts"`
	Temp      float64 `json:"temp"`
	Hum       float64 `json:"hum"`
	Gas       float64 `json:"gas"`
}

// Record is the unit of durable storage and of the latest-state view.
// Once appended it is never mutated.
type Record struct {
	Timestamp string  `json:"ts"`
	Device    string  `json:"device"`
	Temp      float64 `json:"temp"`
	Hum       float64 `json:"hum"`
	Gas       float64 `json:"gas"`
	AI        string  `json:"ai"`
}

// NewRecord attaches a classification label to a reading
func NewRecord(reading Reading, label string) Record {
	return Record{
		Timestamp: reading.Timestamp,
		Device:    reading.Device,
		Temp:      reading.Temp,
		Hum:       reading.Hum,
		Gas:       reading.Gas,
		AI:        label,
	}
}

// InboundMessage is a raw message copied off the broker
type InboundMessage struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// StatusMessage is published back to a device after classification
type StatusMessage struct {
	Status string `json:"status"`
}

// ScheduleMessage carries medication times to the devices
type ScheduleMessage struct {
	Schedules []string `json:"schedules"`
}

// MedicationSchedule is one entry of a medication plan. The backend only forwards
// the datetimes; the medicine name stays with the caller.
type MedicationSchedule struct {
	Datetime string `json:"datetime"`
	Medicine string `json:"medicine"`
}
