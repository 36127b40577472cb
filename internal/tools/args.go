package tools

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// stringArg returns a trimmed string argument, or "".
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// requireString returns a non-empty string argument or an error naming it.
func requireString(args map[string]any, key string) (string, error) {
	s := stringArg(args, key)
	if s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

// intArg reads a whole-number argument. Models send numbers as JSON
// numbers or, now and then, as strings.
func intArg(args map[string]any, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("%s must be a whole number", key)
		}
		return int(n), nil
	case int:
		return n, nil
	case string:
		if strings.TrimSpace(n) == "" {
			return def, nil
		}
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%s must be a number", key)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%s must be a number", key)
	}
}
