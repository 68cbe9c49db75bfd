// Package property maps a block's free-form metadata onto typed property rows
// and back. Each row stores its value in exactly one of three columns (text,
// number, json) and records the logical type separately, so booleans, dates
// and select values share the text column.
package property

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/spf13/cast"
)

// Type is the logical type recorded in property_type.
type Type string

const (
	Text        Type = "text"
	Number      Type = "number"
	JSON        Type = "json"
	Bool        Type = "bool"
	Date        Type = "date"
	Select      Type = "select"
	MultiSelect Type = "multi_select"
)

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	switch t {
	case Text, Number, JSON, Bool, Date, Select, MultiSelect:
		return true
	}
	return false
}

// MaxValueSize is the soft ceiling for one serialized value. Larger values
// are stored but logged, since downstream consumers may truncate them.
const MaxValueSize = 1 << 20

// Selector is implemented by enum-like values stored as select properties.
type Selector interface {
	SelectValue() string
}

// Encoded holds the physical columns of one property row. Exactly one field
// is non-nil.
type Encoded struct {
	Text   *string
	Number *float64
	JSON   *string
}

// Size is the serialized length of the populated column.
func (e Encoded) Size() int {
	switch {
	case e.Text != nil:
		return len(*e.Text)
	case e.JSON != nil:
		return len(*e.JSON)
	case e.Number != nil:
		return 8
	}
	return 0
}

// Populated counts the non-nil columns.
func (e Encoded) Populated() int {
	n := 0
	if e.Text != nil {
		n++
	}
	if e.Number != nil {
		n++
	}
	if e.JSON != nil {
		n++
	}
	return n
}

var timeType = reflect.TypeOf(time.Time{})

// DetectType classifies a metadata value.
func DetectType(v any) Type {
	switch x := v.(type) {
	case nil:
		return Text
	case bool:
		return Bool
	case string:
		return Text
	case time.Time, *time.Time:
		return Date
	case json.Number:
		return Number
	case Selector:
		return Select
	case []string:
		return MultiSelect
	case []any:
		if len(x) > 0 && allStrings(x) {
			return MultiSelect
		}
		return JSON
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return Number
	case reflect.Bool:
		return Bool
	case reflect.String:
		// A named string type is an enum-like value.
		return Select
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.String {
			return MultiSelect
		}
		return JSON
	case reflect.Map, reflect.Struct, reflect.Ptr, reflect.Interface:
		return JSON
	}
	return JSON
}

func allStrings(xs []any) bool {
	for _, x := range xs {
		if _, ok := x.(string); !ok {
			return false
		}
	}
	return true
}

// Encode produces the row columns for v under type t. For json and
// multi_select a value that cannot be marshaled is stored as its string form
// and the returned type is corrected to text. An error is returned only when
// v cannot be represented under t at all. Integers a DOUBLE cannot hold
// exactly are stored in the json column and the type becomes json.
func Encode(v any, t Type) (Encoded, Type, error) {
	if t == Number && wideInt(v) {
		b, err := json.Marshal(v)
		if err != nil {
			return Encoded{}, t, err
		}
		s := string(b)
		return Encoded{JSON: &s}, JSON, nil
	}

	switch t {
	case Text:
		s := ""
		if v != nil {
			s = cast.ToString(v)
			if s == "" {
				s = fmt.Sprint(v)
			}
		}
		return Encoded{Text: &s}, Text, nil

	case Number:
		f, err := toFloat(v)
		if err != nil {
			return Encoded{}, t, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Encoded{}, t, fmt.Errorf("number %v is not storable", f)
		}
		return Encoded{Number: &f}, Number, nil

	case Bool:
		b, ok := v.(bool)
		if !ok {
			rv := reflect.ValueOf(v)
			if !rv.IsValid() || rv.Kind() != reflect.Bool {
				return Encoded{}, t, fmt.Errorf("not a bool: %T", v)
			}
			b = rv.Bool()
		}
		s := strconv.FormatBool(b)
		return Encoded{Text: &s}, Bool, nil

	case Date:
		var ts time.Time
		switch x := v.(type) {
		case time.Time:
			ts = x
		case *time.Time:
			if x == nil {
				return Encoded{}, t, errors.New("nil date")
			}
			ts = *x
		default:
			return Encoded{}, t, fmt.Errorf("not a date: %T", v)
		}
		s := ts.Format(time.RFC3339Nano)
		return Encoded{Text: &s}, Date, nil

	case Select:
		var s string
		switch x := v.(type) {
		case Selector:
			s = x.SelectValue()
		case fmt.Stringer:
			s = x.String()
		default:
			rv := reflect.ValueOf(v)
			if !rv.IsValid() || rv.Kind() != reflect.String {
				return Encoded{}, t, fmt.Errorf("not a select value: %T", v)
			}
			s = rv.String()
		}
		return Encoded{Text: &s}, Select, nil

	case JSON, MultiSelect:
		b, err := json.Marshal(v)
		if err != nil {
			s := fmt.Sprint(v)
			return Encoded{Text: &s}, Text, nil
		}
		s := string(b)
		return Encoded{JSON: &s}, t, nil
	}
	return Encoded{}, t, fmt.Errorf("unknown property type %q", t)
}

// Decode is the inverse of Encode. An empty text value decodes to nil.
func Decode(t Type, text *string, number *float64, js *string) (any, error) {
	switch t {
	case Text:
		if text == nil || *text == "" {
			return nil, nil
		}
		return *text, nil

	case Number:
		if number == nil {
			if text == nil {
				return nil, errors.New("number property without a value")
			}
			f, err := strconv.ParseFloat(*text, 64)
			if err != nil {
				return nil, err
			}
			number = &f
		}
		return normalizeNumber(*number), nil

	case Bool:
		if text == nil {
			return nil, errors.New("bool property without a value")
		}
		return strconv.ParseBool(*text)

	case Date:
		if text == nil {
			return nil, errors.New("date property without a value")
		}
		return time.Parse(time.RFC3339Nano, *text)

	case Select:
		if text == nil {
			return nil, errors.New("select property without a value")
		}
		return *text, nil

	case MultiSelect:
		if js == nil {
			return nil, errors.New("multi_select property without a value")
		}
		var out []string
		if err := json.Unmarshal([]byte(*js), &out); err == nil {
			if out == nil {
				out = []string{}
			}
			return out, nil
		}
		return decodeJSON(*js)

	case JSON:
		if js == nil {
			return nil, errors.New("json property without a value")
		}
		return decodeJSON(*js)
	}
	return nil, fmt.Errorf("unknown property type %q", t)
}

func toFloat(v any) (float64, error) {
	if f, err := cast.ToFloat64E(v); err == nil {
		return f, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

// maxExactInt is the largest magnitude every integer up to which a float64
// holds exactly.
const maxExactInt = 1 << 53

// wideInt reports whether v is an integer beyond ±2^53.
func wideInt(v any) bool {
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i > maxExactInt || i < -maxExactInt
		}
		u, err := strconv.ParseUint(string(n), 10, 64)
		return err == nil && u > maxExactInt
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		return i > maxExactInt || i < -maxExactInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() > maxExactInt
	}
	return false
}

func decodeJSON(s string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeJSON(v), nil
}

// normalizeJSON turns json.Number into int64 or float64 throughout v.
func normalizeJSON(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(string(x), 10, 64); err == nil {
			return u
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeJSON(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeJSON(e)
		}
		return x
	}
	return v
}

// normalizeNumber returns int64 for integral values that fit exactly.
func normalizeNumber(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) <= maxExactInt {
		return int64(f)
	}
	return f
}
