// Package flowrt is the runtime library compiled into every flow module.
//
// Its sources are copied verbatim into each compilation unit, so it must
// depend on the standard library only: a module build never resolves
// third-party modules.
package flowrt

// Record is one JSON object flowing through a module.
// Numbers decoded from input are json.Number; literals written by a flow
// are int64 or float64.
type Record = map[string]any

// Get returns the value at path and whether it is present.
// A present null is reported as (nil, true).
func Get(rec Record, path ...string) (any, bool) {
	var cur any = rec
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Value is Get without the presence flag. Absent and null both yield nil.
func Value(rec Record, path ...string) any {
	v, _ := Get(rec, path...)
	return v
}

// GetOr returns the value at path, or def when it is absent or null.
func GetOr(rec Record, def any, path ...string) any {
	if v, ok := Get(rec, path...); ok && v != nil {
		return v
	}
	return def
}

// Set stores v at path, creating intermediate objects as needed.
// A non-object intermediate value is replaced by an object.
func Set(rec Record, v any, path ...string) {
	if len(path) == 0 {
		return
	}
	cur := rec
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[key] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = v
}

// Delete removes the value at path. Missing paths are ignored.
func Delete(rec Record, path ...string) {
	if len(path) == 0 {
		return
	}
	cur := rec
	for _, key := range path[:len(path)-1] {
		next, ok := cur[key].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, path[len(path)-1])
}

// Copy returns a deep copy of objects and arrays. Scalars are returned as is.
func Copy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = Copy(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = Copy(elem)
		}
		return out
	default:
		return v
	}
}

// Coalesce returns the first present, non-null value among paths, or nil.
func Coalesce(rec Record, paths ...[]string) any {
	for _, p := range paths {
		if v, ok := Get(rec, p...); ok && v != nil {
			return v
		}
	}
	return nil
}
