package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"smart-health-backend/internal/models"
)

// ClickHouseDB mirrors classified records into ClickHouse for analytics.
// The CSV record log stays the source of truth.
type ClickHouseDB struct {
	conn    driver.Conn
	timeout time.Duration
}

// ClickHouseConfig holds the mirror connection settings
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Timeout  time.Duration // per statement, also bounds the dial
}

func (c ClickHouseConfig) options() *clickhouse.Options {
	return &clickhouse.Options{
		Addr: []string{c.Addr},
		Auth: clickhouse.Auth{
			Database: c.Database,
			Username: c.Username,
			Password: c.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: c.Timeout,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	}
}

// NewClickHouseDB connects the mirror and makes sure its tables exist. A
// mirror that cannot be reached is reported to the caller, who runs without it.
func NewClickHouseDB(ctx context.Context, config ClickHouseConfig) (*ClickHouseDB, error) {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	conn, err := clickhouse.Open(config.options())
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse %s: %w", config.Addr, err)
	}
	db := &ClickHouseDB{conn: conn, timeout: config.Timeout}

	pingCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse %s: %w", config.Addr, err)
	}

	if err := db.InitSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	log.Printf("ClickHouse: Mirroring records to %s/%s", config.Addr, config.Database)
	return db, nil
}

// InitSchema creates the mirror tables if they don't exist
func (db *ClickHouseDB) InitSchema(ctx context.Context) error {
	for _, ddl := range AllTables() {
		execCtx, cancel := context.WithTimeout(ctx, db.timeout)
		err := db.conn.Exec(execCtx, ddl)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to create mirror table: %w", err)
		}
	}
	return nil
}

// SaveRecord inserts one classified record into sensor_records
func (db *ClickHouseDB) SaveRecord(record models.Record, modelVersion string) error {
	ctx, cancel := context.WithTimeout(context.Background(), db.timeout)
	defer cancel()

	query := `
		INSERT INTO sensor_records (received_at, ts, device_id, temp, hum, gas, ai, model_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		time.Now().UTC(),
		record.Timestamp,
		record.Device,
		record.Temp,
		record.Hum,
		record.Gas,
		record.AI,
		modelVersion,
	)

	if err != nil {
		return fmt.Errorf("failed to insert sensor record: %w", err)
	}

	return nil
}

// UpsertDevice inserts or updates a device in the registry
func (db *ClickHouseDB) UpsertDevice(device *models.Device) error {
	ctx, cancel := context.WithTimeout(context.Background(), db.timeout)
	defer cancel()

	query := `
		INSERT INTO device_registry (device_id, first_seen, last_seen, last_status, model_version)
		VALUES (?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		device.DeviceID,
		device.FirstSeen,
		device.LastSeen,
		device.LastStatus,
		device.ModelVersion,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	return nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		if err := db.conn.Close(); err != nil {
			return fmt.Errorf("failed to close ClickHouse connection: %w", err)
		}
		log.Println("ClickHouse: Connection closed")
	}
	return nil
}
