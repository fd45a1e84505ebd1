package action

import (
	"fmt"
	"math/big"
	"reflect"
	"regexp"
	"sort"
	"time"

	"github.com/itsneelabh/bridge/core"
)

// Sanitize walks an arbitrary payload and produces a plain-data tree
// safe to cross the ipc boundary: JSON-encodable, cycle-free, and
// bounded in depth. It is the Go-idiomatic reading of spec.md §6's
// serialisation contract, which is written against a JS runtime's value
// model (functions, Dates, RegExps, Maps, Sets, BigInts, Symbols,
// frozen objects, throwing getters). Each rule below names its Go
// analogue:
//
//   - functions (reflect.Func)        -> dropped (key/element omitted)
//   - time.Time                       -> ISO-8601 string
//   - *regexp.Regexp                  -> "[RegExp: /pattern/]"
//   - Set (action.Set)                -> {"__type":"Set","values":[...]}
//   - non-string-keyed map            -> {"__type":"Map","entries":[[k,v]...]}
//   - *big.Int                        -> "<n>n"
//   - action.Symbol                   -> "[Symbol: name]"
//   - error                           -> {name,message,stack,timestamp,context}
//   - cycles (shared pointer/map/slice identity) -> "[Circular Reference]"
//   - depth beyond maxDepth           -> "[Max Depth Exceeded: path]"
//   - panicking field access ("getters that throw") -> "[Error accessing property: <message>]"
//
// A Go struct with unexported fields or a panicking Error method is the
// closest analogue to a JS object with frozen properties or getters that
// throw; reflection access is wrapped in recover() so a single bad field
// degrades to an error string instead of aborting the whole
// sanitisation. A panicking String method is only reached through fmt,
// which catches the panic itself and renders fmt's own %!v(PANIC=...)
// text instead.
func Sanitize(v interface{}, maxDepth int) (result interface{}) {
	seen := make(map[uintptr]bool)
	return sanitizeValue(v, 0, maxDepth, "$", seen)
}

// Set is the Go analogue of a JS Set: an unordered collection of
// distinct values. Values are serialised in the order they are held in
// Values; Sanitize does not sort or deduplicate them.
type Set struct {
	Values []interface{}
}

// NewSet builds a Set from the given values.
func NewSet(values ...interface{}) *Set {
	return &Set{Values: values}
}

// Symbol is the Go analogue of a JS Symbol: an opaque tagged identifier
// with no serialisable value beyond its description.
type Symbol struct {
	Description string
}

func sanitizeValue(v interface{}, depth, maxDepth int, path string, seen map[uintptr]bool) (out interface{}) {
	defer func() {
		if r := recover(); r != nil {
			out = fmt.Sprintf("[Error accessing property: %v]", r)
		}
	}()

	if v == nil {
		return nil
	}

	if depth > maxDepth {
		return fmt.Sprintf("[Max Depth Exceeded: %s]", path)
	}

	switch tv := v.(type) {
	case string, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return tv
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if tv == nil {
			return nil
		}
		return tv.UTC().Format(time.RFC3339Nano)
	case *regexp.Regexp:
		if tv == nil {
			return nil
		}
		return fmt.Sprintf("[RegExp: /%s/]", tv.String())
	case *big.Int:
		if tv == nil {
			return nil
		}
		return tv.String() + "n"
	case Symbol:
		return fmt.Sprintf("[Symbol: %s]", tv.Description)
	case *Symbol:
		if tv == nil {
			return nil
		}
		return fmt.Sprintf("[Symbol: %s]", tv.Description)
	case *Set:
		if tv == nil {
			return nil
		}
		values := make([]interface{}, len(tv.Values))
		for i, e := range tv.Values {
			values[i] = sanitizeValue(e, depth+1, maxDepth, fmt.Sprintf("%s[%d]", path, i), seen)
		}
		return map[string]interface{}{"__type": "Set", "values": values}
	case *ThunkError:
		if tv == nil {
			return nil
		}
		return sanitizeError(tv.Code, tv.Error(), nil)
	case *core.EngineError:
		if tv == nil {
			return nil
		}
		return sanitizeError(string(tv.Kind), tv.Error(), tv.Context)
	case error:
		return sanitizeError("Error", tv.Error(), nil)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		return droppedMarker{}
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if seen[ptr] {
			return "[Circular Reference]"
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		return sanitizeValue(rv.Elem().Interface(), depth, maxDepth, path, seen)
	case reflect.Map:
		return sanitizeMap(rv, depth, maxDepth, path, seen)
	case reflect.Slice, reflect.Array:
		return sanitizeSlice(rv, depth, maxDepth, path, seen)
	case reflect.Struct:
		return sanitizeStruct(rv, depth, maxDepth, path, seen)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// droppedMarker is an internal sentinel: the containing map/slice
// sanitiser omits keys/elements whose sanitised value is droppedMarker,
// matching "functions are dropped" rather than serialised as null.
type droppedMarker struct{}

func sanitizeMap(rv reflect.Value, depth, maxDepth int, path string, seen map[uintptr]bool) interface{} {
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() != reflect.String {
		entries := make([][2]interface{}, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			kv := sanitizeValue(iter.Key().Interface(), depth+1, maxDepth, path+".<key>", seen)
			vv := sanitizeValue(iter.Value().Interface(), depth+1, maxDepth, path+".<value>", seen)
			if _, dropped := vv.(droppedMarker); dropped {
				continue
			}
			entries = append(entries, [2]interface{}{kv, vv})
		}
		return map[string]interface{}{"__type": "Map", "entries": entries}
	}

	out := make(map[string]interface{}, rv.Len())
	keys := rv.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return fmt.Sprintf("%v", keys[i].Interface()) < fmt.Sprintf("%v", keys[j].Interface())
	})
	for _, k := range keys {
		key := fmt.Sprintf("%v", k.Interface())
		val := sanitizeValue(rv.MapIndex(k).Interface(), depth+1, maxDepth, path+"."+key, seen)
		if _, dropped := val.(droppedMarker); dropped {
			continue
		}
		out[key] = val
	}
	return out
}

func sanitizeSlice(rv reflect.Value, depth, maxDepth int, path string, seen map[uintptr]bool) interface{} {
	if rv.Kind() == reflect.Slice && !rv.IsNil() {
		ptr := rv.Pointer()
		if seen[ptr] {
			return "[Circular Reference]"
		}
		seen[ptr] = true
		defer delete(seen, ptr)
	}
	out := make([]interface{}, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		val := sanitizeValue(rv.Index(i).Interface(), depth+1, maxDepth, fmt.Sprintf("%s[%d]", path, i), seen)
		if _, dropped := val.(droppedMarker); dropped {
			continue
		}
		out = append(out, val)
	}
	return out
}

func sanitizeStruct(rv reflect.Value, depth, maxDepth int, path string, seen map[uintptr]bool) interface{} {
	t := rv.Type()
	out := make(map[string]interface{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue // unexported, the struct analogue of a frozen/hidden property
		}
		name := field.Name
		if tag := field.Tag.Get("json"); tag != "" && tag != "-" {
			if idx := indexOfComma(tag); idx >= 0 {
				name = tag[:idx]
			} else {
				name = tag
			}
		}
		val := sanitizeValue(rv.Field(i).Interface(), depth+1, maxDepth, path+"."+name, seen)
		if _, dropped := val.(droppedMarker); dropped {
			continue
		}
		out[name] = val
	}
	return out
}

func indexOfComma(s string) int {
	for i, r := range s {
		if r == ',' {
			return i
		}
	}
	return -1
}

func sanitizeError(name, message string, ctx interface{}) map[string]interface{} {
	return map[string]interface{}{
		"name":      name,
		"message":   message,
		"stack":     "",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"context":   ctx,
	}
}
