package session

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// argInt reads an integer argument.  JSON numbers arrive as float64 and are
// truncated toward zero.  ok is false when the key is absent.
func argInt(args map[string]interface{}, key string) (v int, ok bool, err error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch x := raw.(type) {
	case int:
		return x, true, nil
	case int64:
		return int(x), true, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			break
		}
		return int(x), true, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return int(i), true, nil
		}
		if f, err := x.Float64(); err == nil {
			return int(f), true, nil
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(x)); err == nil {
			return i, true, nil
		}
	}
	return 0, true, fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidArgument, key, raw)
}

// argFloat reads a numeric argument
func argFloat(args map[string]interface{}, key string) (v float64, ok bool, err error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	switch x := raw.(type) {
	case float64:
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			return x, true, nil
		}
	case int:
		return float64(x), true, nil
	case int64:
		return float64(x), true, nil
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f, true, nil
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, true, nil
		}
	}
	return 0, true, fmt.Errorf("%w: %s must be a number, got %v", ErrInvalidArgument, key, raw)
}

// argBool reads a boolean argument.  Numbers are true when non-zero.
func argBool(args map[string]interface{}, key string) (v bool, ok bool, err error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return false, false, nil
	}
	switch x := raw.(type) {
	case bool:
		return x, true, nil
	case float64:
		return x != 0, true, nil
	case int:
		return x != 0, true, nil
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(x)); err == nil {
			return b, true, nil
		}
	}
	return false, true, fmt.Errorf("%w: %s must be a boolean, got %v", ErrInvalidArgument, key, raw)
}

// requireInt reads an integer argument which must be present
func requireInt(args map[string]interface{}, key string) (int, error) {
	v, ok, err := argInt(args, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidArgument, key)
	}
	return v, nil
}

// requireBool reads a boolean argument which must be present
func requireBool(args map[string]interface{}, key string) (bool, error) {
	v, ok, err := argBool(args, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: missing %s", ErrInvalidArgument, key)
	}
	return v, nil
}
