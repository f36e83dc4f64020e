package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAnswer is returned when an answer value has no canonical form.
var ErrInvalidAnswer = errors.New("invalid answer value")

// CanonicalAnswer coerces a decoded JSON value into the string stored in
// Attempt.Answers. Strings are trimmed, numbers use the shortest decimal form,
// booleans become "true"/"false", arrays and objects are stored as compact JSON.
func CanonicalAnswer(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", fmt.Errorf("%w: null", ErrInvalidAnswer)
	case string:
		return strings.TrimSpace(val), nil
	case bool:
		return strconv.FormatBool(val), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case json.Number:
		return val.String(), nil
	case []any, map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("%w: unsupported type %T", ErrInvalidAnswer, v)
	}
}
