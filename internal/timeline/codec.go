// Package timeline provides the tick-indexed series store shared by live
// sessions and the run-length codec used to compact series for persistence.
package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Series values are restricted to numeric samples, enum strings, and nil gaps.
// A nil value means "no data this tick" and survives encode/decode exactly.

// ErrUnsupportedValue is returned when a series contains a value outside the
// numeric/string/nil set.
var ErrUnsupportedValue = errors.New("unsupported series value")

// Encode collapses consecutive equal values into [value, runLength] pairs and
// returns the JSON text of the resulting array. Runs of length one are stored
// as the bare value so short series stay readable.
func Encode(values []any) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}

	tokens := make([]any, 0, len(values))
	runValue, err := normalizeValue(values[0])
	if err != nil {
		return "", err
	}
	runLength := 1

	flush := func() {
		if runLength == 1 {
			tokens = append(tokens, runValue)
		} else {
			tokens = append(tokens, []any{runValue, runLength})
		}
	}

	for _, raw := range values[1:] {
		value, err := normalizeValue(raw)
		if err != nil {
			return "", err
		}
		if valuesEqual(value, runValue) {
			runLength++
			continue
		}
		flush()
		runValue = value
		runLength = 1
	}
	flush()

	encoded, err := json.Marshal(tokens)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// Decode expands an encoded series back into its per-tick values. It is the
// exact inverse of Encode. An empty input decodes to an empty series; callers
// treating a missing key as "all null" must supply their own length.
func Decode(encoded string) ([]any, error) {
	if encoded == "" {
		return []any{}, nil
	}

	var tokens []any
	if err := json.Unmarshal([]byte(encoded), &tokens); err != nil {
		return nil, fmt.Errorf("decode series: %w", err)
	}

	values := make([]any, 0, len(tokens))
	for _, token := range tokens {
		pair, ok := token.([]any)
		if !ok {
			value, err := normalizeValue(token)
			if err != nil {
				return nil, err
			}
			values = append(values, value)
			continue
		}
		if len(pair) != 2 {
			return nil, fmt.Errorf("decode series: run pair has %d elements", len(pair))
		}
		value, err := normalizeValue(pair[0])
		if err != nil {
			return nil, err
		}
		count, ok := pair[1].(float64)
		if !ok || count < 1 || count != math.Trunc(count) {
			return nil, fmt.Errorf("decode series: invalid run length %v", pair[1])
		}
		for i := 0; i < int(count); i++ {
			values = append(values, value)
		}
	}
	return values, nil
}

// normalizeValue coerces supported numeric types to float64 so encoded and
// decoded series compare equal.
func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

// AllNull reports whether every value in the series is a gap.
func AllNull(values []any) bool {
	for _, v := range values {
		if v != nil {
			return false
		}
	}
	return true
}
