package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "shhe_"

	ResultOK            = "ok"
	ResultMalformed     = "malformed"
	ResultClassifyError = "classify_error"
	ResultStorageError  = "storage_error"
	ResultPublishError  = "publish_error"
	ResultPanic         = "panic"
)

var (
	registerOnce sync.Once

	messagesTotal     *prometheus.CounterVec
	processingLatency *prometheus.HistogramVec
	classifications   *prometheus.CounterVec
	publishTotal      *prometheus.CounterVec
	mirrorErrors      prometheus.Counter
	connectionState   prometheus.Gauge
	devicesSeen       prometheus.Gauge
)

// Init registers the ingestion metrics with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		messagesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "messages_total",
				Help: "Inbound sensor messages by processing result",
			},
			[]string{"result"},
		)
		processingLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "message_processing_seconds",
				Help:    "Time from dequeue to published status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		classifications = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "classifications_total",
				Help: "Persisted records by classification label",
			},
			[]string{"label"},
		)
		publishTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "publish_total",
				Help: "Outbound MQTT publishes by kind and result",
			},
			[]string{"kind", "result"},
		)
		mirrorErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "mirror_errors_total",
				Help: "Failed writes to the ClickHouse mirror",
			},
		)
		connectionState = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "mqtt_connection_state",
				Help: "0=disconnected 1=connecting 2=subscribed",
			},
		)
		devicesSeen = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "devices_seen",
				Help: "Distinct devices with feature state",
			},
		)

		prometheus.MustRegister(
			messagesTotal,
			processingLatency,
			classifications,
			publishTotal,
			mirrorErrors,
			connectionState,
			devicesSeen,
		)
	})
}

// ObserveMessage records one processed message
func ObserveMessage(result string, duration time.Duration) {
	if result == "" {
		result = ResultOK
	}
	if messagesTotal != nil {
		messagesTotal.WithLabelValues(result).Inc()
	}
	if processingLatency != nil {
		processingLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncClassification counts a persisted label
func IncClassification(label string) {
	if classifications != nil {
		classifications.WithLabelValues(label).Inc()
	}
}

// IncPublish counts an outbound publish
func IncPublish(kind, result string) {
	if publishTotal != nil {
		publishTotal.WithLabelValues(kind, result).Inc()
	}
}

// IncMirrorError counts a failed mirror write
func IncMirrorError() {
	if mirrorErrors != nil {
		mirrorErrors.Inc()
	}
}

// SetConnectionState exports the MQTT connection state
func SetConnectionState(state int) {
	if connectionState != nil {
		connectionState.Set(float64(state))
	}
}

// SetDevicesSeen exports how many devices have feature state
func SetDevicesSeen(n int) {
	if devicesSeen != nil {
		devicesSeen.Set(float64(n))
	}
}
