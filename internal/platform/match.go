package platform

import (
	"reflect"
	"strings"
	"time"
)

// Match evaluates where against a decoded row the same way the store would.
// Columns missing from the row compare as null.
func Match(row map[string]any, where []Cond) bool {
	for _, cond := range where {
		if !matchCond(row, cond) {
			return false
		}
	}
	return true
}

func matchCond(row map[string]any, cond Cond) bool {
	if cond.IsOr() {
		for _, group := range cond.Any {
			if Match(row, group) {
				return true
			}
		}
		return false
	}

	actual := normalize(row[cond.Column])
	switch cond.Op {
	case OpEq:
		return equal(actual, normalize(cond.Value))
	case OpNeq:
		return actual != nil && !equal(actual, normalize(cond.Value))
	case OpIs:
		return equal(actual, normalize(cond.Value))
	case OpIn:
		for _, candidate := range listValues(cond.Value) {
			if equal(actual, normalize(candidate)) {
				return true
			}
		}
		return false
	case OpLt, OpLte, OpGt, OpGte:
		order, ok := compare(actual, normalize(cond.Value))
		if !ok {
			return false
		}
		switch cond.Op {
		case OpLt:
			return order < 0
		case OpLte:
			return order <= 0
		case OpGt:
			return order > 0
		default:
			return order >= 0
		}
	}
	return false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if order, ok := compare(a, b); ok {
		return order == 0
	}
	return a == b
}

func compare(a, b any) (int, bool) {
	switch left := a.(type) {
	case string:
		right, ok := b.(string)
		if !ok {
			return 0, false
		}
		if lt, lok := parseTime(left); lok {
			if rt, rok := parseTime(right); rok {
				return lt.Compare(rt), true
			}
		}
		return strings.Compare(left, right), true
	case float64:
		right, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case left < right:
			return -1, true
		case left > right:
			return 1, true
		}
		return 0, true
	case bool:
		right, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case left == right:
			return 0, true
		case !left:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func normalize(value any) any {
	switch typed := value.(type) {
	case nil:
		return nil
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if typed == nil {
			return nil
		}
		return typed.UTC().Format(time.RFC3339Nano)
	case *string:
		if typed == nil {
			return nil
		}
		return *typed
	}

	reflected := reflect.ValueOf(value)
	switch reflected.Kind() {
	case reflect.String:
		return reflected.String()
	case reflect.Bool:
		return reflected.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(reflected.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(reflected.Uint())
	case reflect.Float32, reflect.Float64:
		return reflected.Float()
	case reflect.Pointer:
		if reflected.IsNil() {
			return nil
		}
		return normalize(reflected.Elem().Interface())
	}
	return value
}

func listValues(value any) []any {
	if list, ok := value.([]any); ok {
		return list
	}
	reflected := reflect.ValueOf(value)
	if reflected.Kind() != reflect.Slice {
		return []any{value}
	}
	out := make([]any, 0, reflected.Len())
	for index := 0; index < reflected.Len(); index++ {
		out = append(out, reflected.Index(index).Interface())
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
}

func parseTime(value string) (time.Time, bool) {
	if len(value) < len("2006-01-02T15:04:05") || value[4] != '-' || value[7] != '-' {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
