package mcp

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"cartpilot/internal/resilience"
)

func getStringArg(args map[string]interface{}, key string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func getIntArg(args map[string]interface{}, key string, fallback int) int {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// getBoolArg extracts a boolean argument with default.
func getBoolArg(args map[string]interface{}, key string, fallback bool) bool {
	val, ok := args[key]
	if !ok {
		return fallback
	}
	if b, ok := val.(bool); ok {
		return b
	}
	return fallback
}

func getSliceArg(args map[string]interface{}, key string) []interface{} {
	v, _ := args[key].([]interface{})
	return v
}

// validateArgs checks args against the subset of JSON Schema the tool
// schemas use: type, properties, required, additionalProperties=false,
// enum, minimum, minLength and array items.
func validateArgs(schema map[string]interface{}, args map[string]interface{}) error {
	if err := validateValue("arguments", schema, args); err != nil {
		return resilience.New(resilience.CodeValidation, err.Error())
	}
	return nil
}

func validateValue(path string, schema map[string]interface{}, val interface{}) error {
	switch schema["type"] {
	case "object":
		obj, ok := val.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%s: expected object", path)
		}
		return validateObject(path, schema, obj)
	case "array":
		arr, ok := val.([]interface{})
		if !ok {
			return fmt.Errorf("%s: expected array", path)
		}
		items, _ := schema["items"].(map[string]interface{})
		if items == nil {
			return nil
		}
		for i, el := range arr {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), items, el); err != nil {
				return err
			}
		}
		return nil
	case "string":
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("%s: expected string", path)
		}
		if lo, ok := number(schema["minLength"]); ok && float64(len(s)) < lo {
			return fmt.Errorf("%s: must not be empty", path)
		}
		return checkEnum(path, schema, s)
	case "integer":
		n, ok := number(val)
		if !ok || n != math.Trunc(n) {
			return fmt.Errorf("%s: expected integer", path)
		}
		return checkMinimum(path, schema, n)
	case "number":
		n, ok := number(val)
		if !ok {
			return fmt.Errorf("%s: expected number", path)
		}
		return checkMinimum(path, schema, n)
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("%s: expected boolean", path)
		}
	}
	return nil
}

func validateObject(path string, schema, obj map[string]interface{}) error {
	props, _ := schema["properties"].(map[string]interface{})

	for _, req := range stringList(schema["required"]) {
		if v, ok := obj[req]; !ok || v == nil {
			return fmt.Errorf("%s: %s is required", path, req)
		}
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sub, known := props[k].(map[string]interface{})
		if !known {
			if extra, set := schema["additionalProperties"].(bool); set && !extra {
				return fmt.Errorf("%s: unknown field %q", path, k)
			}
			continue
		}
		if obj[k] == nil {
			continue
		}
		if err := validateValue(path+"."+k, sub, obj[k]); err != nil {
			return err
		}
	}
	return nil
}

func checkEnum(path string, schema map[string]interface{}, s string) error {
	allowed := stringList(schema["enum"])
	if len(allowed) == 0 {
		return nil
	}
	for _, a := range allowed {
		if a == s {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %s", path, s, strings.Join(allowed, ", "))
}

func checkMinimum(path string, schema map[string]interface{}, n float64) error {
	if lo, ok := number(schema["minimum"]); ok && n < lo {
		return fmt.Errorf("%s: must be >= %v", path, lo)
	}
	return nil
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func stringList(v interface{}) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []interface{}:
		out := make([]string, 0, len(l))
		for _, x := range l {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
