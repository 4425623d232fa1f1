package ocrserver

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"

	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	// maxJSONDepth bounds nesting when decoding untrusted JSON
	maxJSONDepth = 10000
	// maxNormalizeDepth bounds recursion on self-referencing values
	maxNormalizeDepth = 1000
)

// JSONObject is the mapping type produced by decodeJSON and Normalize.
// It marshals with its keys in insertion order.
type JSONObject = orderedmap.OrderedMap[string, interface{}]

func newJSONObject() *JSONObject {
	return orderedmap.New[string, interface{}]()
}

// Lister is implemented by array-like values (tensors, matrices) that can
// expand themselves into nested lists.
type Lister interface {
	ToList() interface{}
}

// PageJSONer is implemented by pipeline pages that carry a structured JSON
// view of themselves.
type PageJSONer interface {
	PageJSON() interface{}
}

// Set is a string set. It normalizes to a sorted list.
type Set map[string]struct{}

// NDArray is a dense row-major numeric array.
type NDArray struct {
	Shape []int
	Data  []float64
}

// ToList expands the array into nested []interface{} following Shape. A
// zero-dimensional array becomes its single scalar; a Shape with a negative
// dimension or one that does not match len(Data) degrades to the flat data.
func (a NDArray) ToList() interface{} {
	size := 1
	for _, d := range a.Shape {
		if d < 0 {
			return normalizeSlice(a.Data)
		}
		if d == 0 {
			size = 0
		}
	}
	for _, d := range a.Shape {
		if size == 0 {
			break
		}
		// the product must not exceed len(Data), checked before it can overflow
		if size > len(a.Data)/d {
			return normalizeSlice(a.Data)
		}
		size *= d
	}
	if len(a.Shape) == 0 {
		if len(a.Data) == 1 {
			return a.Data[0]
		}
		return normalizeSlice(a.Data)
	}
	if size != len(a.Data) {
		return normalizeSlice(a.Data)
	}
	return a.build(0, 0, size)
}

func (a NDArray) build(dim, offset, span int) interface{} {
	n := a.Shape[dim]
	out := make([]interface{}, n)
	if n == 0 {
		return out
	}
	stride := span / n
	for i := 0; i < n; i++ {
		if dim == len(a.Shape)-1 {
			out[i] = a.Data[offset+i]
		} else {
			out[i] = a.build(dim+1, offset+i*stride, stride)
		}
	}
	return out
}

// Normalize converts an arbitrary inference value into a tree made only of
// nil, bool, numbers, strings, []interface{} and *JSONObject. It never fails:
// values outside the known variants are replaced by their string form.
func Normalize(value interface{}) interface{} {
	return normalize(value, 0)
}

func normalize(value interface{}, depth int) interface{} {
	if depth > maxNormalizeDepth {
		return fmt.Sprintf("<%T nested too deep>", value)
	}
	depth++

	switch v := value.(type) {
	// scalars
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nonFiniteString(v)
		}
		return v
	case float32:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nonFiniteString(float64(v))
		}
		return v

	// mappings
	case *JSONObject:
		if v == nil {
			return nil
		}
		out := newJSONObject()
		for pair := v.Oldest(); pair != nil; pair = pair.Next() {
			out.Set(pair.Key, normalize(pair.Value, depth))
		}
		return out
	case map[string]interface{}:
		if v == nil {
			return nil
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := newJSONObject()
		for _, k := range keys {
			out.Set(k, normalize(v[k], depth))
		}
		return out
	case map[interface{}]interface{}:
		if v == nil {
			return nil
		}
		strValues := make(map[string]interface{}, len(v))
		for k, val := range v {
			strValues[fmt.Sprint(k)] = val
		}
		return normalize(strValues, depth-1)

	// sequences
	case []interface{}:
		if v == nil {
			return nil
		}
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = normalize(item, depth)
		}
		return out
	case []string:
		return normalizeSlice(v)
	case []bool:
		return normalizeSlice(v)
	case []int:
		return normalizeSlice(v)
	case []int64:
		return normalizeSlice(v)
	case []float32:
		return normalizeFloats(v, depth)
	case []float64:
		return normalizeFloats(v, depth)
	case [][]int:
		out := make([]interface{}, len(v))
		for i, row := range v {
			out[i] = normalizeSlice(row)
		}
		return out
	case [][]float64:
		out := make([]interface{}, len(v))
		for i, row := range v {
			out[i] = normalizeFloats(row, depth)
		}
		return out
	case []map[string]interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = normalize(item, depth)
		}
		return out
	case Set:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return normalizeSlice(keys)

	// array-like
	case Lister:
		return normalize(v.ToList(), depth)

	// opaque
	case error:
		return v.Error()
	case fmt.Stringer:
		return v.String()
	}
	return normalizeReflect(value, depth)
}

// normalizeReflect covers the map, slice, array and pointer types the type
// switch does not name. Anything else is replaced by its string form.
func normalizeReflect(value interface{}, depth int) interface{} {
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		strValues := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			strValues[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
		}
		return normalize(strValues, depth-1)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]interface{}, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface(), depth)
		}
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem().Interface(), depth)
	}
	return fmt.Sprint(value)
}

// nonFiniteString spells NaN and the infinities the way JavaScript and
// Python's json module do.
func nonFiniteString(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case f > 0:
		return "Infinity"
	default:
		return "-Infinity"
	}
}

func normalizeSlice[T string | bool | int | int64 | float64](s []T) []interface{} {
	if s == nil {
		return nil
	}
	out := make([]interface{}, len(s))
	for i, item := range s {
		out[i] = item
	}
	return out
}

func normalizeFloats[T float32 | float64](s []T, depth int) []interface{} {
	if s == nil {
		return nil
	}
	out := make([]interface{}, len(s))
	for i, item := range s {
		out[i] = normalize(item, depth)
	}
	return out
}

// decodeJSON decodes exactly one JSON value from r. Objects keep their key
// order, numbers stay json.Number.
func decodeJSON(r io.Reader) (interface{}, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()

	value, err := decodeJSONValue(decoder, 0)
	if err != nil {
		return nil, err
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after top-level JSON value")
	}
	return value, nil
}

func decodeJSONValue(decoder *json.Decoder, depth int) (interface{}, error) {
	if depth > maxJSONDepth {
		return nil, errors.New("JSON nesting too deep")
	}

	token, err := decoder.Token()
	if err != nil {
		return nil, err
	}

	delim, ok := token.(json.Delim)
	if !ok {
		return token, nil
	}

	switch delim {
	case '{':
		obj := newJSONObject()
		for decoder.More() {
			keyToken, err := decoder.Token()
			if err != nil {
				return nil, err
			}
			key, ok := keyToken.(string)
			if !ok {
				return nil, errors.Errorf("object key %v is not a string", keyToken)
			}
			value, err := decodeJSONValue(decoder, depth+1)
			if err != nil {
				return nil, err
			}
			obj.Set(key, value)
		}
		if _, err := decoder.Token(); err != nil {
			return nil, err
		}
		return obj, nil
	case '[':
		arr := make([]interface{}, 0)
		for decoder.More() {
			value, err := decodeJSONValue(decoder, depth+1)
			if err != nil {
				return nil, err
			}
			arr = append(arr, value)
		}
		if _, err := decoder.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, errors.Errorf("unexpected delimiter %q", delim)
}
