package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smart-health-backend/internal/aggregator"
	"smart-health-backend/internal/database"
	"smart-health-backend/internal/ml"
	"smart-health-backend/internal/models"
)

type fakePredictor struct {
	mu        sync.Mutex
	inputs    []models.FeatureVector
	label     string
	err       error
	panicOnce bool
}

func (p *fakePredictor) Predict(fv models.FeatureVector) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicOnce {
		p.panicOnce = false
		panic("corrupt tree")
	}
	p.inputs = append(p.inputs, fv)
	return p.label, p.err
}

func (p *fakePredictor) Available() bool     { return true }
func (p *fakePredictor) ModelVersion() string { return "test-v1" }

func (p *fakePredictor) calls() []models.FeatureVector {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.FeatureVector(nil), p.inputs...)
}

type statusPublish struct {
	device string
	label  string
}

type fakePublisher struct {
	mu        sync.Mutex
	statuses  []statusPublish
	schedules [][]string
	err       error
}

func (p *fakePublisher) PublishStatus(deviceID, label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, statusPublish{device: deviceID, label: label})
	return p.err
}

func (p *fakePublisher) PublishSchedule(schedules []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schedules = append(p.schedules, schedules)
	return p.err
}

func (p *fakePublisher) published() []statusPublish {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]statusPublish(nil), p.statuses...)
}

type fakeMirror struct {
	mu      sync.Mutex
	records []models.Record
	devices []string
	version string
	release chan struct{} // when set, SaveRecord blocks until closed
}

func (m *fakeMirror) SaveRecord(record models.Record, modelVersion string) error {
	if m.release != nil {
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	m.version = modelVersion
	return nil
}

func (m *fakeMirror) UpsertDevice(device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, device.DeviceID)
	return errors.New("registry offline")
}

func (m *fakeMirror) saved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type fakeConnection string

func (c fakeConnection) StateName() string { return string(c) }

func newTestService(t *testing.T, predictor Predictor) (*IngestionService, *database.RecordStore, *fakePublisher) {
	t.Helper()

	store, err := database.OpenRecordStore(filepath.Join(t.TempDir(), "data.csv"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	publisher := &fakePublisher{}
	config := DefaultIngestionServiceConfig()
	config.DefaultDevice = "home"
	service := NewIngestionService(aggregator.NewFeatureEngine(3), predictor, store, publisher, config)
	return service, store, publisher
}

func message(payload string) *models.InboundMessage {
	return &models.InboundMessage{Topic: "SHHE/data", Payload: []byte(payload), ReceivedAt: time.Now()}
}

func TestHandleMessageClassifiesPersistsAndPublishes(t *testing.T) {
	predictor := &fakePredictor{label: "Warning"}
	service, store, publisher := newTestService(t, predictor)

	_, err := service.HandleMessage(message(`{"device":"D1","ts":"2025-01-01 08:00","temp":20,"hum":50,"gas":100}`))
	require.NoError(t, err)
	record, err := service.HandleMessage(message(`{"device":"D1","ts":"2025-01-01 08:01","temp":25,"hum":55,"gas":150}`))
	require.NoError(t, err)

	assert.Equal(t, models.Record{Timestamp: "2025-01-01 08:01", Device: "D1", Temp: 25, Hum: 55, Gas: 150, AI: "Warning"}, record)

	calls := predictor.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []float64{25, 55, 150, 5, 5, 50, 22.5, 52.5, 125}, calls[1].Values())
	assert.Equal(t, models.DefaultFeatureNames, calls[1].Names())

	records, err := store.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, record, records[1])

	latest, ok := service.GetLatestRecord()
	require.True(t, ok)
	assert.Equal(t, record, latest)

	assert.Equal(t, []statusPublish{{"D1", "Warning"}, {"D1", "Warning"}}, publisher.published())
}

func TestHandleMessageDropsMalformedPayload(t *testing.T) {
	predictor := &fakePredictor{label: "Normal"}
	service, store, publisher := newTestService(t, predictor)

	_, err := service.HandleMessage(message("not json"))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	records, err := store.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, predictor.calls())
	assert.Empty(t, publisher.published())
	assert.False(t, service.engine.HasDevice("home"))

	_, ok := service.GetLatestRecord()
	assert.False(t, ok)
}

func TestHandleMessageDegradedClassifier(t *testing.T) {
	classifier, err := ml.NewClassifier(filepath.Join(t.TempDir(), "missing.json"), "scaler.json")
	require.ErrorIs(t, err, ml.ErrModelUnavailable)

	service, store, publisher := newTestService(t, classifier)

	record, err := service.HandleMessage(message(`{"device":"D1","temp":20,"hum":50,"gas":100}`))
	require.NoError(t, err)
	assert.Equal(t, models.UnavailableLabel, record.AI)

	records, err := store.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.UnavailableLabel, records[0].AI)
	assert.Equal(t, []statusPublish{{"D1", models.UnavailableLabel}}, publisher.published())

	status := service.Status()
	assert.False(t, status.ModelAvailable)
	assert.Empty(t, status.ModelVersion)
}

func TestHandleMessageClassificationFailureStillPersists(t *testing.T) {
	predictor := &fakePredictor{err: fmt.Errorf("%w: model expects 3 features", ml.ErrDimensionMismatch)}
	service, store, publisher := newTestService(t, predictor)

	record, err := service.HandleMessage(message(`{"device":"D1","temp":20}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ml.ErrDimensionMismatch)
	assert.Equal(t, "classify_error", resultOf(err))
	assert.Equal(t, models.UnavailableLabel, record.AI)

	records, err := store.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.UnavailableLabel, records[0].AI)
	assert.Equal(t, []statusPublish{{"D1", models.UnavailableLabel}}, publisher.published())
}

func TestHandleMessageStorageFailureKeepsLatest(t *testing.T) {
	predictor := &fakePredictor{label: "Danger"}
	service, store, publisher := newTestService(t, predictor)
	require.NoError(t, store.Close())

	record, err := service.HandleMessage(message(`{"device":"D9","ts":"t1","temp":40,"hum":10,"gas":900}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, database.ErrStorageWrite)
	assert.Equal(t, "storage_error", resultOf(err))

	latest, ok := service.GetLatestRecord()
	require.True(t, ok)
	assert.Equal(t, record, latest)
	assert.Equal(t, []statusPublish{{"D9", "Danger"}}, publisher.published())
}

func TestHandleMessagePublishFailureKeepsRecord(t *testing.T) {
	predictor := &fakePredictor{label: "Normal"}
	service, store, publisher := newTestService(t, predictor)
	publisher.err = errors.New("broker unreachable")

	_, err := service.HandleMessage(message(`{"device":"D1"}`))
	require.Error(t, err)
	assert.Equal(t, "publish_error", resultOf(err))

	records, err := store.ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestHandleMessageAppliesDefaults(t *testing.T) {
	predictor := &fakePredictor{label: "Normal"}
	service, _, publisher := newTestService(t, predictor)
	service.parser.Now = fixedNow

	record, err := service.HandleMessage(message(`{"temp":"21.5"}`))
	require.NoError(t, err)
	assert.Equal(t, models.Record{Timestamp: "2025-03-09 07:27", Device: "home", Temp: 21.5, AI: "Normal"}, record)
	assert.Equal(t, []statusPublish{{"home", "Normal"}}, publisher.published())
}

func runService(t *testing.T, service *IngestionService) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		service.Start(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestStartMirrorsRecords(t *testing.T) {
	predictor := &fakePredictor{label: "Normal"}
	service, _, _ := newTestService(t, predictor)
	mirror := &fakeMirror{}
	service.SetMirror(mirror)
	stop := runService(t, service)

	for i := 0; i < 3; i++ {
		service.MessageChan <- message(`{"device":"D1"}`)
	}
	service.MessageChan <- message(`{"device":"D2"}`)

	require.Eventually(t, func() bool { return mirror.saved() == 4 }, 2*time.Second, 10*time.Millisecond)
	stop()

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Equal(t, "test-v1", mirror.version)
	assert.Equal(t, []string{"D1", "D2"}, mirror.devices)
}

func TestSlowMirrorDoesNotStallIngestion(t *testing.T) {
	predictor := &fakePredictor{label: "Normal"}
	service, store, publisher := newTestService(t, predictor)
	mirror := &fakeMirror{release: make(chan struct{})}
	service.SetMirror(mirror)
	stop := runService(t, service)

	for i := 0; i < 3; i++ {
		service.MessageChan <- message(`{"device":"D1"}`)
	}
	require.Eventually(t, func() bool { return len(publisher.published()) == 3 }, 2*time.Second, 10*time.Millisecond)

	records, err := store.ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, 0, mirror.saved())

	close(mirror.release)
	require.Eventually(t, func() bool { return mirror.saved() == 3 }, 2*time.Second, 10*time.Millisecond)
	stop()
}

func TestMirrorQueueFullDropsCopy(t *testing.T) {
	service, store, _ := newTestService(t, &fakePredictor{label: "Normal"})
	service.SetMirror(&fakeMirror{})
	service.mirrorChan = make(chan mirrorJob, 1)

	for i := 0; i < 3; i++ {
		_, err := service.HandleMessage(message(`{"device":"D1"}`))
		require.NoError(t, err)
	}

	assert.Len(t, service.mirrorChan, 1)
	job := <-service.mirrorChan
	require.NotNil(t, job.device, "first copy registers the device")
	assert.Equal(t, "D1", job.device.DeviceID)

	records, err := store.ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestStartContinuesAfterBadMessages(t *testing.T) {
	predictor := &fakePredictor{label: "Normal"}
	service, store, publisher := newTestService(t, predictor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		service.Start(ctx)
	}()

	service.MessageChan <- message("garbage")
	service.MessageChan <- message(`{"device":"D1","ts":"a","temp":1}`)
	service.MessageChan <- message(`{"device":"D1","ts":"b","temp":2}`)

	require.Eventually(t, func() bool {
		return len(publisher.published()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	records, err := store.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].Timestamp)
	assert.Equal(t, "b", records[1].Timestamp)
}

func TestStartRecoversFromPanic(t *testing.T) {
	predictor := &fakePredictor{label: "Normal", panicOnce: true}
	service, _, publisher := newTestService(t, predictor)

	done := make(chan struct{})
	go func() {
		defer close(done)
		service.Start(context.Background())
	}()

	service.MessageChan <- message(`{"device":"D1","ts":"a"}`)
	service.MessageChan <- message(`{"device":"D1","ts":"b"}`)

	require.Eventually(t, func() bool {
		return len(publisher.published()) == 1
	}, 2*time.Second, 10*time.Millisecond, "loop must survive the panic")

	close(service.MessageChan)
	<-done

	latest, ok := service.GetLatestRecord()
	require.True(t, ok)
	assert.Equal(t, "b", latest.Timestamp)
	assert.Len(t, predictor.calls(), 1)
}

func TestPublishScheduleForwardsOnce(t *testing.T) {
	service, _, publisher := newTestService(t, &fakePredictor{})

	schedules := []string{"2025-01-01 08:00", "2025-01-01 20:00"}
	require.NoError(t, service.PublishSchedule(schedules))

	require.Len(t, publisher.schedules, 1)
	assert.Equal(t, schedules, publisher.schedules[0])
}

func TestStatusReportsConnectionAndDevices(t *testing.T) {
	service, store, _ := newTestService(t, &fakePredictor{label: "Normal"})
	assert.Equal(t, "unknown", service.Status().Connection)

	service.SetConnectionReporter(fakeConnection("subscribed"))
	_, err := service.HandleMessage(message(`{"device":"D1"}`))
	require.NoError(t, err)

	status := service.Status()
	assert.Equal(t, "subscribed", status.Connection)
	assert.True(t, status.ModelAvailable)
	assert.Equal(t, "test-v1", status.ModelVersion)
	assert.Equal(t, []string{"D1"}, status.Devices)
	assert.Equal(t, store.Path(), status.RecordLog)
}

type blockingPredictor struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPredictor) Predict(models.FeatureVector) (string, error) {
	close(p.entered)
	<-p.release
	return "Normal", nil
}

func (p *blockingPredictor) Available() bool     { return true }
func (p *blockingPredictor) ModelVersion() string { return "test-v1" }

func TestStartReturnsAfterInFlightMessage(t *testing.T) {
	predictor := &blockingPredictor{entered: make(chan struct{}), release: make(chan struct{})}
	service, store, _ := newTestService(t, predictor)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		service.Start(ctx)
	}()

	service.MessageChan <- message(`{"device":"D1","ts":"a"}`)
	<-predictor.entered
	cancel()

	select {
	case <-done:
		t.Fatal("Start returned while a message was still being handled")
	case <-time.After(20 * time.Millisecond):
	}

	close(predictor.release)
	<-done

	require.NoError(t, store.Close())
	records, err := store.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].Timestamp)
}
