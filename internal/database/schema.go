package database

// SQL schemas for the ClickHouse record mirror

const (
	// SensorRecordsTableSQL creates the sensor_records table
	SensorRecordsTableSQL = `
		CREATE TABLE IF NOT EXISTS sensor_records (
			received_at DateTime64(3),
			ts String,
			device_id String,
			temp Float64,
			hum Float64,
			gas Float64,
			ai LowCardinality(String),
			model_version String
		) ENGINE = MergeTree()
		ORDER BY (device_id, received_at)
		PARTITION BY toYYYYMM(received_at)
	`

	// DeviceRegistryTableSQL creates the device_registry table
	DeviceRegistryTableSQL = `
		CREATE TABLE IF NOT EXISTS device_registry (
			device_id String,
			first_seen DateTime64(3),
			last_seen DateTime64(3),
			last_status String,
			model_version String
		) ENGINE = ReplacingMergeTree(last_seen)
		ORDER BY device_id
	`
)

// AllTables returns all table creation SQL statements
func AllTables() []string {
	return []string{
		SensorRecordsTableSQL,
		DeviceRegistryTableSQL,
	}
}
