package store

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnexpectedReply is returned when a script reply does not have the shape
// the caller expects.
var ErrUnexpectedReply = errors.New("unexpected script reply")

// Values asserts reply is an array of exactly n elements.
func Values(reply interface{}, n int) ([]interface{}, error) {
	values, ok := reply.([]interface{})
	if !ok || len(values) != n {
		return nil, fmt.Errorf("%w: want %d values, got %#v", ErrUnexpectedReply, n, reply)
	}
	return values, nil
}

// Int64 converts an integer or numeric string reply element.
func Int64(val interface{}) int64 {
	switch v := val.(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return int64(Float64(v))
		}
		return i
	default:
		return 0
	}
}

// Float64 converts a reply element. Scripts return floats as strings because
// Redis truncates Lua numbers to integers.
func Float64(val interface{}) float64 {
	switch v := val.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

// String converts a reply element; nil becomes "".
func String(val interface{}) string {
	switch v := val.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Micros converts a microsecond Unix timestamp to time.Time. Zero stays zero.
func Micros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us)
}

// MicrosArg renders t for a script argument; the zero time becomes "" so the
// script falls back to the server clock.
func MicrosArg(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}
