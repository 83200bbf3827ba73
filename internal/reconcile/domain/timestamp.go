package reconcile

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Numeric timestamps below this are epoch seconds, otherwise milliseconds.
const millisThreshold = 1e12

// ParseTimestamp decodes a timestamp as firmware writes it: an RFC 3339
// string, or epoch seconds or milliseconds as a number or numeric string.
func ParseTimestamp(value any) (time.Time, bool) {
	switch v := value.(type) {
	case nil:
		return time.Time{}, false
	case string:
		return parseTimestampString(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f)
	case float64:
		return fromEpoch(v)
	case int64:
		return fromEpoch(float64(v))
	case int:
		return fromEpoch(float64(v))
	default:
		return time.Time{}, false
	}
}

func parseTimestampString(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return fromEpoch(f)
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if f < millisThreshold {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	return time.UnixMilli(int64(f)).UTC(), true
}
