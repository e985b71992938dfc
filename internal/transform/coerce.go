package transform

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Coercion names a conversion applied to a resolved source value.
type Coercion string

const (
	CoerceNone     Coercion = ""
	CoerceString   Coercion = "string"
	CoerceNumber   Coercion = "number"
	CoerceBoolean  Coercion = "boolean"
	CoerceDate     Coercion = "date"
	CoerceDateTime Coercion = "datetime"
	CoerceJSON     Coercion = "json"
	CoerceArray    Coercion = "array"
	CoerceCurrency Coercion = "currency"
)

// Func converts a resolved value. Returning false leaves the value absent so
// the mapping's default applies.
type Func func(v any) (any, bool)

var builtins = map[Coercion]Func{
	CoerceString:   toString,
	CoerceNumber:   func(v any) (any, bool) { return toNumber(v), true },
	CoerceBoolean:  func(v any) (any, bool) { return toBool(v), true },
	CoerceDate:     toDate,
	CoerceDateTime: toDateTime,
	CoerceJSON:     toJSON,
	CoerceArray:    toArray,
	CoerceCurrency: func(v any) (any, bool) { return toMinorUnits(v), true },
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02",
}

func toString(v any) (any, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int:
		return strconv.Itoa(t), true
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), true
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, false
		}
		return string(raw), true
	}
}

func toNumber(v any) float64 {
	var f float64
	switch t := v.(type) {
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case float64:
		f = t
	case int64:
		f = float64(t)
	case int:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		f = parsed
	case bool:
		if t {
			f = 1
		}
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "on":
			return true
		default:
			return false
		}
	case json.Number, float64, int64, int:
		return toNumber(t) != 0
	case nil:
		return false
	default:
		return true
	}
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed.UTC(), true
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(n), true
		}
		return time.Time{}, false
	case json.Number, float64, int64, int:
		return fromEpoch(toNumber(t)), true
	default:
		return time.Time{}, false
	}
}

// fromEpoch treats values above 1e12 as milliseconds, seconds otherwise.
func fromEpoch(n float64) time.Time {
	if math.Abs(n) >= 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func toDateTime(v any) (any, bool) {
	ts, ok := parseTime(v)
	if !ok {
		return nil, true
	}
	return ts, true
}

func toDate(v any) (any, bool) {
	ts, ok := parseTime(v)
	if !ok {
		return nil, true
	}
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC), true
}

func toJSON(v any) (any, bool) {
	s, ok := v.(string)
	if !ok {
		return v, true
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return s, true
	}
	return out, true
}

func toArray(v any) (any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return []any{}, true
		}
		if strings.HasPrefix(s, "[") {
			var arr []any
			if err := json.Unmarshal([]byte(s), &arr); err == nil {
				return arr, true
			}
		}
		if strings.Contains(s, ",") {
			parts := strings.Split(s, ",")
			out := make([]any, 0, len(parts))
			for _, p := range parts {
				out = append(out, strings.TrimSpace(p))
			}
			return out, true
		}
		return []any{t}, true
	default:
		return []any{t}, true
	}
}

// toMinorUnits converts a major-unit amount into integer minor units.
func toMinorUnits(v any) int64 {
	return int64(math.Round(toNumber(v) * 100))
}
