package models

import "time"

// Device represents an IoT device in the registry mirror
type Device struct {
	DeviceID     string    `json:"device_id"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	LastStatus   string    `json:"last_status"`
	ModelVersion string    `json:"model_version"`
}
