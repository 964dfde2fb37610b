// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package history

import (
	"fmt"
	"strings"
	"time"
)

// Typed-value encoding for failure-detail properties and similar
// carry-through maps. Wire values are one of: null, bool, number (float64),
// string, struct (map[string]any), list ([]any). Date values are encoded as
// tagged strings so they survive JSON transport:
//
//	dt:2025-01-02T15:04:05.123456   wall-clock time (UTC, no offset)
//	dto:2025-01-02T15:04:05.123456+02:00   time with offset
//
// Decoders parse the prefixed strings back into time.Time and fall back to
// the raw string on parse failure.
const (
	dateTimePrefix       = "dt:"
	dateTimeOffsetPrefix = "dto:"
)

// wallClockLayout preserves sub-second precision without a zone offset.
const wallClockLayout = "2006-01-02T15:04:05.9999999"

// EncodeValue converts v into a wire-safe value. Numbers widen to float64,
// times become tagged strings, and unknown runtime types are coerced to
// their string form.
func EncodeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool:
		return val
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case string:
		return val
	case time.Time:
		if val.Location() == time.UTC {
			return dateTimePrefix + val.Format(wallClockLayout)
		}
		return dateTimeOffsetPrefix + val.Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = EncodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = EncodeValue(item)
		}
		return out
	default:
		return fmt.Sprintf("%v", val)
	}
}

// DecodeValue converts a wire value back into its runtime form, turning
// tagged date strings into time.Time values.
func DecodeValue(v any) any {
	switch val := v.(type) {
	case string:
		if rest, ok := strings.CutPrefix(val, dateTimePrefix); ok {
			if t, err := time.ParseInLocation(wallClockLayout, rest, time.UTC); err == nil {
				return t
			}
			return val
		}
		if rest, ok := strings.CutPrefix(val, dateTimeOffsetPrefix); ok {
			if t, err := time.Parse(time.RFC3339Nano, rest); err == nil {
				return t
			}
			return val
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = DecodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = DecodeValue(item)
		}
		return out
	default:
		return v
	}
}
