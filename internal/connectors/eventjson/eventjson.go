// Package eventjson reads identifying fields out of vendor JSON events
// without re-encoding them. Events travel as json.RawMessage so the bytes
// a vendor sent are the bytes the intake receives.
package eventjson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrFieldMissing is returned by Lookup for an absent or null field.
var ErrFieldMissing = errors.New("field missing")

// Lookup walks a dotted path through nested objects and returns the raw
// value it ends on. An empty path returns data.
func Lookup(data json.RawMessage, path string) (json.RawMessage, error) {
	if path == "" {
		return data, nil
	}
	cur := data
	for _, key := range strings.Split(path, ".") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return nil, fmt.Errorf("%s: not an object", path)
		}
		next, ok := obj[key]
		if !ok || IsNull(next) {
			return nil, fmt.Errorf("%s: %w", path, ErrFieldMissing)
		}
		cur = next
	}
	return cur, nil
}

// IsNull reports whether raw is empty or the JSON null literal.
func IsNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// String renders a JSON string or number as text. Other values give "".
func String(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// Time accepts RFC 3339 strings and epoch numbers, quoted or not. Epoch
// values are read as seconds, milliseconds, microseconds or nanoseconds by
// magnitude. The result is UTC.
func Time(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return time.Time{}, fmt.Errorf("unrecognised time %q", s)
		}
		raw = json.RawMessage(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("unrecognised time %s", raw)
	}
	f, err := n.Float64()
	if err != nil || f < 0 || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("unrecognised time %s", raw)
	}
	switch {
	case f < 1e11:
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	case f < 1e14:
		return time.UnixMilli(int64(f)).UTC(), nil
	case f < 1e17:
		return time.UnixMicro(int64(f)).UTC(), nil
	default:
		return time.Unix(0, int64(f)).UTC(), nil
	}
}

// Fields locates the id and time of an event.
type Fields struct {
	// ID is the dotted path of the event id. Empty means events carry none.
	ID string

	// Time is the dotted path of the event time.
	Time string
}

// Extract returns the event id (possibly "") and time of raw.
func (f Fields) Extract(raw json.RawMessage) (string, time.Time, error) {
	tv, err := Lookup(raw, f.Time)
	if err != nil {
		return "", time.Time{}, err
	}
	at, err := Time(tv)
	if err != nil {
		return "", time.Time{}, err
	}
	if f.ID == "" {
		return "", at, nil
	}
	iv, err := Lookup(raw, f.ID)
	switch {
	case err == nil:
		return String(iv), at, nil
	case errors.Is(err, ErrFieldMissing):
		return "", at, nil
	default:
		return "", time.Time{}, err
	}
}
