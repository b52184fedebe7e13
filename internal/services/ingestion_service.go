package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"smart-health-backend/internal/aggregator"
	"smart-health-backend/internal/database"
	"smart-health-backend/internal/metrics"
	"smart-health-backend/internal/models"
)

var errClassification = errors.New("classification failed")

// Predictor classifies feature vectors
type Predictor interface {
	Predict(fv models.FeatureVector) (string, error)
	Available() bool
	ModelVersion() string
}

// DevicePublisher sends results back to devices
type DevicePublisher interface {
	PublishStatus(deviceID, label string) error
	PublishSchedule(schedules []string) error
}

// RecordMirror receives a copy of every persisted record
type RecordMirror interface {
	SaveRecord(record models.Record, modelVersion string) error
	UpsertDevice(device *models.Device) error
}

// ConnectionReporter exposes the broker connection state
type ConnectionReporter interface {
	StateName() string
}

// IngestionService runs the per-message pipeline:
// parse -> features -> classify -> persist -> publish status.
// Messages are handled one at a time in receipt order by the Start loop.
type IngestionService struct {
	engine     *aggregator.FeatureEngine
	classifier Predictor
	store      *database.RecordStore
	publisher  DevicePublisher
	mirror     RecordMirror
	connection ConnectionReporter
	parser     PayloadParser

	// Input channel (written by the MQTT subscriber)
	MessageChan chan *models.InboundMessage

	// Mirror queue, drained by its own goroutine so a slow mirror never
	// holds up ingestion
	mirrorChan chan mirrorJob
}

type mirrorJob struct {
	record  models.Record
	version string
	device  *models.Device // set for first-seen devices
}

// IngestionServiceConfig holds configuration for ingestion service
type IngestionServiceConfig struct {
	DefaultDevice string
	StrictNumeric bool
	ChannelSize   int
}

// DefaultIngestionServiceConfig returns default configuration
func DefaultIngestionServiceConfig() IngestionServiceConfig {
	return IngestionServiceConfig{
		DefaultDevice: "Smart Home Health Ecosystem",
		StrictNumeric: false,
		ChannelSize:   100,
	}
}

// NewIngestionService creates a new ingestion service. classifier may be degraded;
// in that case classification is skipped and records carry models.UnavailableLabel.
func NewIngestionService(
	engine *aggregator.FeatureEngine,
	classifier Predictor,
	store *database.RecordStore,
	publisher DevicePublisher,
	config IngestionServiceConfig,
) *IngestionService {
	return &IngestionService{
		engine:      engine,
		classifier:  classifier,
		store:       store,
		publisher:   publisher,
		parser:      PayloadParser{DefaultDevice: config.DefaultDevice, StrictNumeric: config.StrictNumeric},
		MessageChan: make(chan *models.InboundMessage, config.ChannelSize),
		mirrorChan:  make(chan mirrorJob, config.ChannelSize),
	}
}

// SetMirror attaches an optional secondary sink. Call it before Start.
func (s *IngestionService) SetMirror(mirror RecordMirror) {
	s.mirror = mirror
}

// SetConnectionReporter attaches the broker connection for status reporting
func (s *IngestionService) SetConnectionReporter(connection ConnectionReporter) {
	s.connection = connection
}

// Start processes messages until ctx is cancelled or the channel is closed.
// It returns once the mirror worker has stopped too.
func (s *IngestionService) Start(ctx context.Context) {
	log.Println("IngestionService: Starting...")
	if !s.modelAvailable() {
		log.Println("IngestionService: Running in degraded mode, records will be labelled", models.UnavailableLabel)
	}

	if s.mirror != nil {
		mirrorCtx, stopMirror := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runMirror(mirrorCtx)
		}()
		defer func() {
			stopMirror()
			wg.Wait()
		}()
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("IngestionService: Shutting down...")
			return

		case msg, ok := <-s.MessageChan:
			if !ok {
				log.Println("IngestionService: Message channel closed, shutting down...")
				return
			}
			s.processSafely(msg)
		}
	}
}

// processSafely keeps one bad message from stopping the loop
func (s *IngestionService) processSafely(msg *models.InboundMessage) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("IngestionService: Recovered from panic on topic %s: %v", msg.Topic, r)
			metrics.ObserveMessage(metrics.ResultPanic, time.Since(start))
		}
	}()

	_, err := s.HandleMessage(msg)
	metrics.ObserveMessage(resultOf(err), time.Since(start))
}

// HandleMessage runs the pipeline for one message. Malformed payloads are
// dropped without a record. Classification, storage and publish failures are
// logged and returned joined, but the record is still produced and the latest
// view updated.
func (s *IngestionService) HandleMessage(msg *models.InboundMessage) (models.Record, error) {
	reading, err := s.parser.Parse(msg.Payload)
	if err != nil {
		log.Printf("IngestionService: Dropping message from topic %s: %v", msg.Topic, err)
		return models.Record{}, err
	}

	isNew := !s.engine.HasDevice(reading.Device)
	features := s.engine.ComputeFeatures(reading.Device, reading.Temp, reading.Hum, reading.Gas)
	if isNew {
		metrics.SetDevicesSeen(len(s.engine.GetAllDevices()))
	}

	var errs []error

	label := models.UnavailableLabel
	if s.modelAvailable() {
		label, err = s.classifier.Predict(features)
		if err != nil {
			log.Printf("IngestionService: Classification failed for %s: %v", reading.Device, err)
			label = models.UnavailableLabel
			errs = append(errs, fmt.Errorf("%w: %w", errClassification, err))
		}
	}

	record := models.NewRecord(reading, label)
	if err := s.store.Append(record); err != nil {
		log.Printf("IngestionService: Error saving record for %s: %v", reading.Device, err)
		errs = append(errs, err)
	}
	metrics.IncClassification(label)

	s.mirrorRecord(record, isNew)

	if err := s.publisher.PublishStatus(reading.Device, label); err != nil {
		log.Printf("IngestionService: Error publishing status for %s: %v", reading.Device, err)
		errs = append(errs, err)
	}

	log.Printf("IngestionService: %s %s => temp=%.2f hum=%.2f gas=%.2f => %s",
		record.Device, record.Timestamp, record.Temp, record.Hum, record.Gas, label)

	return record, errors.Join(errs...)
}

// mirrorRecord queues a record for the mirror. It never blocks; when the queue
// is full the copy is dropped, the record log is unaffected.
func (s *IngestionService) mirrorRecord(record models.Record, isNew bool) {
	if s.mirror == nil {
		return
	}

	job := mirrorJob{record: record, version: s.modelVersion()}
	if isNew {
		now := time.Now().UTC()
		job.device = &models.Device{
			DeviceID:     record.Device,
			FirstSeen:    now,
			LastSeen:     now,
			LastStatus:   record.AI,
			ModelVersion: job.version,
		}
	}

	select {
	case s.mirrorChan <- job:
	default:
		log.Printf("IngestionService: Mirror queue full, dropping copy of record for %s", record.Device)
		metrics.IncMirrorError()
	}
}

// runMirror writes queued records to the mirror until ctx is cancelled
func (s *IngestionService) runMirror(ctx context.Context) {
	log.Println("IngestionService: Mirror worker starting...")
	for {
		select {
		case <-ctx.Done():
			log.Println("IngestionService: Mirror worker shutting down...")
			return
		case job := <-s.mirrorChan:
			s.writeMirror(job)
		}
	}
}

func (s *IngestionService) writeMirror(job mirrorJob) {
	if err := s.mirror.SaveRecord(job.record, job.version); err != nil {
		log.Printf("IngestionService: Error mirroring record for %s: %v", job.record.Device, err)
		metrics.IncMirrorError()
	}
	if job.device == nil {
		return
	}
	if err := s.mirror.UpsertDevice(job.device); err != nil {
		log.Printf("IngestionService: Error registering device %s: %v", job.device.DeviceID, err)
		metrics.IncMirrorError()
	}
}

// GetLatestRecord returns the most recent record, if any
func (s *IngestionService) GetLatestRecord() (models.Record, bool) {
	return s.store.Latest()
}

// RecentRecords returns up to n records from the durable log, oldest first
func (s *IngestionService) RecentRecords(n int) ([]models.Record, error) {
	return s.store.Tail(n)
}

// PublishSchedule forwards medication times to the devices, at most once
func (s *IngestionService) PublishSchedule(schedules []string) error {
	return s.publisher.PublishSchedule(schedules)
}

// Status summarizes the runner for external callers
type Status struct {
	Connection     string   `json:"connection"`
	ModelAvailable bool     `json:"model_available"`
	ModelVersion   string   `json:"model_version,omitempty"`
	Devices        []string `json:"devices"`
	RecordLog      string   `json:"record_log"`
	Pending        int      `json:"pending_messages"`
}

// Status reports connection, model and device state
func (s *IngestionService) Status() Status {
	status := Status{
		Connection:     "unknown",
		ModelAvailable: s.modelAvailable(),
		ModelVersion:   s.modelVersion(),
		Devices:        s.engine.GetAllDevices(),
		RecordLog:      s.store.Path(),
		Pending:        len(s.MessageChan),
	}
	if s.connection != nil {
		status.Connection = s.connection.StateName()
	}
	return status
}

func (s *IngestionService) modelAvailable() bool {
	return s.classifier != nil && s.classifier.Available()
}

func (s *IngestionService) modelVersion() string {
	if !s.modelAvailable() {
		return ""
	}
	return s.classifier.ModelVersion()
}

// resultOf maps a HandleMessage error to a metrics result label
func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrMalformedMessage):
		return metrics.ResultMalformed
	case errors.Is(err, database.ErrStorageWrite):
		return metrics.ResultStorageError
	case errors.Is(err, errClassification):
		return metrics.ResultClassifyError
	default:
		return metrics.ResultPublishError
	}
}
