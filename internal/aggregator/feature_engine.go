package aggregator

import (
	"log"
	"sync"

	"smart-health-backend/internal/models"
)

// DefaultWindowSize is the rolling window capacity used when none is configured
const DefaultWindowSize = 3

// metric indexes into DeviceState arrays
const (
	metricTemp = iota
	metricHum
	metricGas
	metricCount
)

// DeviceState holds the rolling history of one device
type DeviceState struct {
	DeviceID string
	last     [metricCount]float64
	hasLast  bool
	windows  [metricCount]*rollingWindow
}

// FeatureEngine keeps per-device state and turns raw readings into feature vectors.
// It is safe for concurrent use; calls for the same device are serialized.
type FeatureEngine struct {
	devices    map[string]*DeviceState
	windowSize int
	mu         sync.Mutex
}

// NewFeatureEngine creates a feature engine with the given rolling window capacity
func NewFeatureEngine(windowSize int) *FeatureEngine {
	if windowSize < 1 {
		log.Printf("FeatureEngine: invalid window size %d, using %d", windowSize, DefaultWindowSize)
		windowSize = DefaultWindowSize
	}
	return &FeatureEngine{
		devices:    make(map[string]*DeviceState),
		windowSize: windowSize,
	}
}

// WindowSize returns the rolling window capacity
func (fe *FeatureEngine) WindowSize() int {
	return fe.windowSize
}

// getOrCreateDevice must be called with fe.mu held
func (fe *FeatureEngine) getOrCreateDevice(deviceID string) *DeviceState {
	if device, exists := fe.devices[deviceID]; exists {
		return device
	}

	device := &DeviceState{DeviceID: deviceID}
	for i := range device.windows {
		device.windows[i] = newRollingWindow(fe.windowSize)
	}
	fe.devices[deviceID] = device
	return device
}

// ComputeFeatures derives raw, delta and rolling-mean features for one reading and
// records the reading in the device history. It is not idempotent.
func (fe *FeatureEngine) ComputeFeatures(deviceID string, temp, hum, gas float64) models.FeatureVector {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	device := fe.getOrCreateDevice(deviceID)
	current := [metricCount]float64{temp, hum, gas}

	var deltas, means [metricCount]float64
	for i := 0; i < metricCount; i++ {
		if device.hasLast {
			deltas[i] = current[i] - device.last[i]
		}
		device.windows[i].push(current[i])
		means[i] = device.windows[i].mean()
	}
	device.last = current
	device.hasLast = true

	return models.FeatureVector{
		{Name: models.FeatureTemp, Value: temp},
		{Name: models.FeatureHum, Value: hum},
		{Name: models.FeatureGas, Value: gas},
		{Name: models.FeatureDeltaTemp, Value: deltas[metricTemp]},
		{Name: models.FeatureDeltaHum, Value: deltas[metricHum]},
		{Name: models.FeatureDeltaGas, Value: deltas[metricGas]},
		{Name: models.FeatureRollTemp, Value: means[metricTemp]},
		{Name: models.FeatureRollHum, Value: means[metricHum]},
		{Name: models.FeatureRollGas, Value: means[metricGas]},
	}
}

// HasDevice reports whether the engine has already seen deviceID
func (fe *FeatureEngine) HasDevice(deviceID string) bool {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	_, ok := fe.devices[deviceID]
	return ok
}

// HistoryLen returns how many readings the device's window currently holds
func (fe *FeatureEngine) HistoryLen(deviceID string) int {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	device, ok := fe.devices[deviceID]
	if !ok {
		return 0
	}
	return device.windows[metricTemp].len()
}

// GetAllDevices returns all device IDs seen so far
func (fe *FeatureEngine) GetAllDevices() []string {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	devices := make([]string, 0, len(fe.devices))
	for deviceID := range fe.devices {
		devices = append(devices, deviceID)
	}
	return devices
}
