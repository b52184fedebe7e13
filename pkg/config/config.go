package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	// MQTT Configuration
	MQTTBroker         string
	MQTTClientID       string
	MQTTUsername       string
	MQTTPassword       string
	MQTTQoS            byte
	MQTTReconnectMin   time.Duration
	MQTTReconnectMax   time.Duration
	MQTTPublishTimeout time.Duration

	// Topics
	MQTTTopicData     string
	MQTTTopicStatus   string // may contain {device_id}
	MQTTTopicSchedule string

	MessageChannelSize int

	// Classifier Configuration
	ModelPath  string
	ScalerFile string

	// Feature / ingestion policy
	RollingWindow int
	DefaultDevice string
	StrictNumeric bool

	// Durable record log
	RecordLogPath string

	// HTTP query surface
	HTTPAddr string

	// ClickHouse mirror (optional)
	ClickHouseEnabled bool
	ClickHouseAddr    string
	ClickHouseDB      string
	ClickHouseUser    string
	ClickHousePass    string
	ClickHouseTimeout time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	clientID := getEnv("MQTT_CLIENT_ID", "")
	if clientID == "" {
		clientID = "shhe-ingest-" + uuid.NewString()[:8]
	}

	return &Config{
		MQTTBroker:         getEnv("MQTT_BROKER", "tcp://broker.emqx.io:1883"),
		MQTTClientID:       clientID,
		MQTTUsername:       getEnv("MQTT_USERNAME", ""),
		MQTTPassword:       getEnv("MQTT_PASSWORD", ""),
		MQTTQoS:            getEnvQoS("MQTT_QOS", 0),
		MQTTReconnectMin:   getEnvDuration("MQTT_RECONNECT_MIN", time.Second),
		MQTTReconnectMax:   getEnvDuration("MQTT_RECONNECT_MAX", time.Minute),
		MQTTPublishTimeout: getEnvDuration("MQTT_PUBLISH_TIMEOUT", 5*time.Second),

		MQTTTopicData:     getEnv("MQTT_TOPIC_DATA", "SHHE/data"),
		MQTTTopicStatus:   getEnv("MQTT_TOPIC_STATUS", "SHHE/status/{device_id}"),
		MQTTTopicSchedule: getEnv("MQTT_TOPIC_SCHEDULE", "SHHE/obat"),

		MessageChannelSize: getEnvInt("MESSAGE_CHANNEL_SIZE", 100),

		ModelPath:  getEnv("MODEL_PATH", "models/smarthealth_rf.json"),
		ScalerFile: getEnv("SCALER_FILE", "scaler.json"),

		RollingWindow: getEnvInt("ROLLING_WINDOW", 3),
		DefaultDevice: getEnv("DEFAULT_DEVICE", "Smart Home Health Ecosystem"),
		StrictNumeric: getEnvBool("STRICT_NUMERIC", false),

		RecordLogPath: getEnv("RECORD_LOG_PATH", "data.csv"),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		ClickHouseEnabled: getEnvBool("CLICKHOUSE_ENABLED", false),
		ClickHouseAddr:    getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDB:      getEnv("CLICKHOUSE_DB", "iot"),
		ClickHouseUser:    getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePass:    getEnv("CLICKHOUSE_PASS", ""),
		ClickHouseTimeout: getEnvDuration("CLICKHOUSE_TIMEOUT", 5*time.Second),
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as int, using default: %v", key, err)
		return defaultValue
	}
	return intValue
}

// getEnvQoS only accepts the MQTT delivery levels 0, 1 and 2
func getEnvQoS(key string, defaultValue byte) byte {
	qos := getEnvInt(key, int(defaultValue))
	if qos < 0 || qos > 2 {
		log.Printf("Warning: %s=%d is not a valid QoS, using %d", key, qos, defaultValue)
		return defaultValue
	}
	return byte(qos)
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Printf("Warning: failed to parse %s as float, using default: %v", key, err)
		return defaultValue
	}
	return floatValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("Warning: failed to parse %s as bool, using default: %v", key, err)
		return defaultValue
	}
	return boolValue
}

// getEnvDuration accepts Go duration strings ("1500ms", "2m") or plain seconds ("0.5").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	seconds := getEnvFloat(key, -1)
	if seconds < 0 {
		return defaultValue
	}
	return time.Duration(seconds * float64(time.Second))
}
