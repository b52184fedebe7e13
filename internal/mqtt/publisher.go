package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"smart-health-backend/internal/metrics"
	"smart-health-backend/internal/models"
)

// Publisher sends classification results and medication schedules to devices
type Publisher struct {
	client mqtt.Client

	statusTopic   string // e.g., "SHHE/status/{device_id}"
	scheduleTopic string // e.g., "SHHE/obat"
	qos           byte
	timeout       time.Duration
}

// PublisherConfig holds configuration for MQTT publisher
type PublisherConfig struct {
	StatusTopic   string
	ScheduleTopic string
	QoS           byte
	Timeout       time.Duration
}

// NewPublisher creates a new MQTT publisher
func NewPublisher(client mqtt.Client, config PublisherConfig) *Publisher {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Publisher{
		client:        client,
		statusTopic:   config.StatusTopic,
		scheduleTopic: config.ScheduleTopic,
		qos:           config.QoS,
		timeout:       config.Timeout,
	}
}

// PublishStatus publishes {"status": label} on the device's status topic
func (p *Publisher) PublishStatus(deviceID, label string) error {
	payload, err := json.Marshal(models.StatusMessage{Status: label})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	topic := formatTopic(p.statusTopic, deviceID)
	if err := p.publish(topic, p.qos, payload); err != nil {
		metrics.IncPublish("status", "error")
		return fmt.Errorf("failed to publish status for %s: %w", deviceID, err)
	}
	metrics.IncPublish("status", "ok")
	return nil
}

// PublishSchedule sends the medication times in one message. It is at-most-once
// (QoS 0); success only means the message left this process.
func (p *Publisher) PublishSchedule(schedules []string) error {
	if schedules == nil {
		schedules = []string{}
	}
	payload, err := json.Marshal(models.ScheduleMessage{Schedules: schedules})
	if err != nil {
		return fmt.Errorf("failed to marshal schedules: %w", err)
	}

	if err := p.publish(p.scheduleTopic, 0, payload); err != nil {
		metrics.IncPublish("schedule", "error")
		return fmt.Errorf("failed to publish schedules: %w", err)
	}
	metrics.IncPublish("schedule", "ok")
	log.Printf("Published %d schedules to topic: %s", len(schedules), p.scheduleTopic)
	return nil
}

func (p *Publisher) publish(topic string, qos byte, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := p.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s timed out after %v", topic, p.timeout)
	}
	return token.Error()
}

// formatTopic replaces {device_id} placeholder with actual device ID.
// Wildcard and level separators are not allowed inside a device segment.
func formatTopic(topicPattern, deviceID string) string {
	if !strings.Contains(topicPattern, "{device_id}") {
		return topicPattern
	}
	segment := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(deviceID)
	return strings.ReplaceAll(topicPattern, "{device_id}", segment)
}
