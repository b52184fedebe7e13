package database

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"smart-health-backend/internal/models"
)

// ErrStorageWrite wraps failures to append to the durable record log
var ErrStorageWrite = errors.New("record log write failed")

// RecordColumns is the header schema of the durable record log
var RecordColumns = []string{"ts", "device", "temp", "hum", "gas", "ai"}

// RecordStore is an append-only CSV log of classified readings with an in-memory
// cache of the most recent record. Appends are serialized.
type RecordStore struct {
	path string

	mu     sync.Mutex // guards the write cursor
	file   *os.File
	writer *csv.Writer
	layout []string // column order used for appends

	cacheMu sync.RWMutex
	latest  *models.Record
}

// OpenRecordStore opens (or creates with a header) the log at path and seeds the
// latest-record cache from its last row.
func OpenRecordStore(path string) (*RecordStore, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open record log %s: %w", path, err)
	}

	s := &RecordStore{
		path:   path,
		file:   file,
		writer: csv.NewWriter(file),
		layout: RecordColumns,
	}

	if err := s.prepare(); err != nil {
		s.file.Close()
		return nil, err
	}

	log.Printf("RecordStore: Using record log %s (columns=%v)", path, s.layout)
	return s, nil
}

// prepare writes the header into an empty log, or adopts the layout of an
// existing one and repairs a missing trailing newline.
func (s *RecordStore) prepare() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat record log: %w", err)
	}

	if info.Size() == 0 {
		if err := s.writer.Write(RecordColumns); err != nil {
			return fmt.Errorf("failed to write record log header: %w", err)
		}
		s.writer.Flush()
		return s.writer.Error()
	}

	last := make([]byte, 1)
	if _, err := s.file.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("failed to read record log tail: %w", err)
	}
	if last[0] != '\n' {
		log.Printf("RecordStore: Record log %s has a truncated last line, terminating it", s.path)
		if _, err := s.file.Write([]byte("\n")); err != nil {
			return fmt.Errorf("failed to repair record log: %w", err)
		}
	}

	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind record log: %w", err)
	}
	records, header, err := parseRecords(s.file)
	if err != nil {
		// Unreadable history is not fatal; keep appending in the default layout.
		log.Printf("RecordStore: Could not parse existing record log %s: %v", s.path, err)
		return nil
	}
	if header != nil {
		s.layout = header
	}
	if missing := missingColumns(s.layout); len(missing) > 0 {
		layout := append(append([]string{}, s.layout...), missing...)
		if err := s.rewriteHeader(layout); err != nil {
			return err
		}
		log.Printf("RecordStore: Added %v columns to the header of %s", missing, s.path)
		s.layout = layout
	}
	if n := len(records); n > 0 {
		s.setLatest(records[n-1])
	}
	return nil
}

// rewriteHeader replaces the first line of the log with layout and reopens it.
// Existing rows are kept byte for byte; they read the added columns as empty.
func (s *RecordStore) rewriteHeader(layout []string) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read record log: %w", err)
	}
	var rest []byte
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		rest = data[i+1:]
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(layout); err != nil {
		return fmt.Errorf("failed to encode record log header: %w", err)
	}
	w.Flush()
	buf.Write(rest)

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to rewrite record log header: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace record log: %w", err)
	}

	s.file.Close()
	file, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen record log %s: %w", s.path, err)
	}
	s.file = file
	s.writer = csv.NewWriter(file)
	return nil
}

func (s *RecordStore) setLatest(record models.Record) {
	s.cacheMu.Lock()
	s.latest = &record
	s.cacheMu.Unlock()
}

// Append writes a record to the log. The latest-record cache is updated even
// when the write fails, so live status survives storage problems.
func (s *RecordStore) Append(record models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLatest(record)

	if s.writer == nil {
		return fmt.Errorf("%w: store is closed", ErrStorageWrite)
	}
	if err := s.writer.Write(recordRow(record, s.layout)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	return nil
}

// Latest returns the most recently appended record without touching the log
func (s *RecordStore) Latest() (models.Record, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	if s.latest == nil {
		return models.Record{}, false
	}
	return *s.latest, true
}

// ReadAll parses the whole log tolerantly
func (s *RecordStore) ReadAll() ([]models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReadRecordLog(s.path)
}

// Tail returns up to n of the most recent records, oldest first
func (s *RecordStore) Tail(n int) ([]models.Record, error) {
	records, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

// Path returns the log location
func (s *RecordStore) Path() string {
	return s.path
}

// Close flushes and closes the log
func (s *RecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	s.writer.Flush()
	err := s.file.Close()
	s.file = nil
	s.writer = nil
	if err != nil {
		return fmt.Errorf("failed to close record log: %w", err)
	}
	log.Println("RecordStore: Record log closed")
	return nil
}

// ReadRecordLog reads a record log from disk. A missing file yields no records.
func ReadRecordLog(path string) ([]models.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open record log: %w", err)
	}
	defer file.Close()

	records, _, err := parseRecords(file)
	return records, err
}

// parseRecords reads CSV rows into records. When the first row names any known
// column it is used as a header and columns are matched by name; otherwise all
// rows are taken positionally and rows shorter than the schema are skipped.
// It returns the header when one was found.
func parseRecords(r io.Reader) ([]models.Record, []string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse record log: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	// spreadsheet exports often start with a byte order mark
	if len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}

	var header []string
	index := positionalIndex()
	if isHeader(rows[0]) {
		header = make([]string, len(rows[0]))
		for i, col := range rows[0] {
			header[i] = strings.TrimSpace(col)
		}
		index = headerIndex(header)
		rows = rows[1:]
	}

	records := make([]models.Record, 0, len(rows))
	for _, row := range rows {
		if header == nil && len(row) < len(RecordColumns) {
			continue
		}
		records = append(records, rowRecord(row, index))
	}
	return records, header, nil
}

func isHeader(row []string) bool {
	for _, col := range row {
		name := strings.TrimSpace(col)
		for _, known := range RecordColumns {
			if name == known {
				return true
			}
		}
	}
	return false
}

func missingColumns(layout []string) []string {
	var missing []string
	for _, known := range RecordColumns {
		found := false
		for _, col := range layout {
			if col == known {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, known)
		}
	}
	return missing
}

func positionalIndex() map[string]int {
	index := make(map[string]int, len(RecordColumns))
	for i, col := range RecordColumns {
		index[col] = i
	}
	return index
}

func headerIndex(header []string) map[string]int {
	index := make(map[string]int, len(RecordColumns))
	for i, col := range header {
		if _, seen := index[col]; !seen {
			index[col] = i
		}
	}
	return index
}

func rowRecord(row []string, index map[string]int) models.Record {
	field := func(name string) (string, bool) {
		i, ok := index[name]
		if !ok || i >= len(row) {
			return "", false
		}
		return strings.TrimSpace(row[i]), true
	}
	number := func(name string) float64 {
		v, _ := field(name)
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	}

	record := models.Record{
		Temp: number("temp"),
		Hum:  number("hum"),
		Gas:  number("gas"),
	}
	record.Timestamp, _ = field("ts")
	record.Device, _ = field("device")
	if ai, ok := field("ai"); ok && ai != "" {
		record.AI = ai
	} else {
		record.AI = models.UnavailableLabel
	}
	return record
}

// recordRow lays a record out in the given column order; unknown columns are left empty
func recordRow(record models.Record, layout []string) []string {
	row := make([]string, len(layout))
	for i, col := range layout {
		switch col {
		case "ts":
			row[i] = record.Timestamp
		case "device":
			row[i] = record.Device
		case "temp":
			row[i] = formatFloat(record.Temp)
		case "hum":
			row[i] = formatFloat(record.Hum)
		case "gas":
			row[i] = formatFloat(record.Gas)
		case "ai":
			row[i] = record.AI
		}
	}
	return row
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
