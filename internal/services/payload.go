package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"smart-health-backend/internal/models"
)

// ErrMalformedMessage marks payloads that cannot be turned into a reading
var ErrMalformedMessage = errors.New("malformed message")

// PayloadParser turns inbound JSON into readings.
//
// Missing fields are defaulted: device to DefaultDevice, ts to the current UTC
// minute, and temp/hum/gas to 0. Numeric fields may be JSON numbers or numeric
// strings. With StrictNumeric unset, any other value is also read as 0; with it
// set, such values reject the message.
type PayloadParser struct {
	DefaultDevice string
	StrictNumeric bool
	Now           func() time.Time
}

// Parse decodes one device message. Payloads that are not a JSON object fail
// with ErrMalformedMessage.
func (p PayloadParser) Parse(payload []byte) (models.Reading, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return models.Reading{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if fields == nil {
		return models.Reading{}, fmt.Errorf("%w: payload is null", ErrMalformedMessage)
	}

	reading := models.Reading{
		Device:    p.device(fields["device"]),
		Timestamp: p.timestamp(fields["ts"]),
	}

	var err error
	if reading.Temp, err = p.number(fields, "temp"); err != nil {
		return models.Reading{}, err
	}
	if reading.Hum, err = p.number(fields, "hum"); err != nil {
		return models.Reading{}, err
	}
	if reading.Gas, err = p.number(fields, "gas"); err != nil {
		return models.Reading{}, err
	}
	return reading, nil
}

func (p PayloadParser) device(raw json.RawMessage) string {
	var device string
	if err := json.Unmarshal(raw, &device); err == nil {
		if device = strings.TrimSpace(device); device != "" {
			return device
		}
	}
	return p.DefaultDevice
}

// timestamp keeps device-supplied values verbatim; non-string scalars such as
// epoch numbers are kept in their JSON text form.
func (p PayloadParser) timestamp(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		var ts string
		if err := json.Unmarshal(raw, &ts); err == nil {
			if ts = strings.TrimSpace(ts); ts != "" {
				return ts
			}
		} else if raw[0] != '{' && raw[0] != '[' {
			return string(raw)
		}
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return now().UTC().Format(models.TimestampLayout)
}

func (p PayloadParser) number(fields map[string]json.RawMessage, name string) (float64, error) {
	raw := bytes.TrimSpace(fields[name])
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}

	if v, ok := parseNumber(raw); ok {
		return v, nil
	}
	if p.StrictNumeric {
		return 0, fmt.Errorf("%w: field %q is not numeric: %s", ErrMalformedMessage, name, raw)
	}
	return 0, nil
}

func parseNumber(raw json.RawMessage) (float64, bool) {
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		if v, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0, false
		}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
