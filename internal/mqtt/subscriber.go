package mqtt

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"smart-health-backend/internal/models"
)

// Subscriber copies inbound sensor messages onto a channel for the ingestion loop
type Subscriber struct {
	// Output channel (written by subscriber, read by the ingestion service)
	MessageChan chan *models.InboundMessage

	dataTopic      string
	enqueueTimeout time.Duration
}

// SubscriberConfig holds configuration for MQTT subscriber
type SubscriberConfig struct {
	DataTopic      string // e.g., "SHHE/data"
	EnqueueTimeout time.Duration
}

// NewSubscriber creates a new MQTT subscriber writing to messageChan
func NewSubscriber(config SubscriberConfig, messageChan chan *models.InboundMessage) *Subscriber {
	if config.EnqueueTimeout <= 0 {
		config.EnqueueTimeout = time.Second
	}
	return &Subscriber{
		MessageChan:    messageChan,
		dataTopic:      config.DataTopic,
		enqueueTimeout: config.EnqueueTimeout,
	}
}

// Register subscribes the data topic on client
func (s *Subscriber) Register(client *Client) error {
	if s.dataTopic == "" {
		return fmt.Errorf("no data topic configured")
	}
	if err := client.Subscribe(s.dataTopic, s.handleData); err != nil {
		return fmt.Errorf("failed to subscribe to data topic: %w", err)
	}
	log.Printf("Registered data topic: %s", s.dataTopic)
	return nil
}

// handleData copies the payload and hands it to the ingestion loop. Parsing happens
// there so that every message is processed in receipt order.
func (s *Subscriber) handleData(client mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	inbound := &models.InboundMessage{
		Topic:      msg.Topic(),
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}

	// Write to channel (blocking with timeout)
	select {
	case s.MessageChan <- inbound:
	case <-time.After(s.enqueueTimeout):
		log.Printf("Warning: Message channel full, dropping message from topic %s", msg.Topic())
	}
}
